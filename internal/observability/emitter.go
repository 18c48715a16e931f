package observability

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Emitter implements coordinator.MetricsEmitter by lazily registering a
// Prometheus vec per distinct metric name the first time it's seen, then
// reusing it. It exists alongside the package's fixed promauto vars above
// for the handful of signals (e.g. block_storm, proxy rotate interval)
// that the Coordinator only knows about through the narrow
// coordinator.MetricsEmitter seam rather than a direct import of this
// package.
type Emitter struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewEmitter constructs an Emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (e *Emitter) IncCounter(name string, labels map[string]string) {
	e.mu.Lock()
	vec, ok := e.counters[name]
	if !ok {
		vec = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlforge_" + name + "_total",
			Help: "Dynamically registered counter for " + name,
		}, labelNames(labels))
		e.counters[name] = vec
	}
	e.mu.Unlock()
	vec.With(labels).Inc()
}

func (e *Emitter) SetGauge(name string, labels map[string]string, value float64) {
	e.mu.Lock()
	vec, ok := e.gauges[name]
	if !ok {
		vec = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crawlforge_" + name,
			Help: "Dynamically registered gauge for " + name,
		}, labelNames(labels))
		e.gauges[name] = vec
	}
	e.mu.Unlock()
	vec.With(labels).Set(value)
}

func (e *Emitter) ObserveHistogram(name string, labels map[string]string, value float64) {
	e.mu.Lock()
	vec, ok := e.histograms[name]
	if !ok {
		vec = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlforge_" + name + "_seconds",
			Help:    "Dynamically registered histogram for " + name,
			Buckets: prometheus.DefBuckets,
		}, labelNames(labels))
		e.histograms[name] = vec
	}
	e.mu.Unlock()
	vec.With(labels).Observe(value)
}
