package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEmitterIncCounterAccumulates(t *testing.T) {
	e := NewEmitter()
	e.IncCounter("widget_processed", map[string]string{"domain": "a.example"})
	e.IncCounter("widget_processed", map[string]string{"domain": "a.example"})
	e.IncCounter("widget_processed", map[string]string{"domain": "b.example"})

	vec := e.counters["widget_processed"]
	if got := testutil.ToFloat64(vec.WithLabelValues("a.example")); got != 2 {
		t.Errorf("a.example count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(vec.WithLabelValues("b.example")); got != 1 {
		t.Errorf("b.example count = %v, want 1", got)
	}
}

func TestEmitterSetGaugeReusesVecAcrossCalls(t *testing.T) {
	e := NewEmitter()
	e.SetGauge("queue_depth", map[string]string{"domain": "a.example"}, 5)
	e.SetGauge("queue_depth", map[string]string{"domain": "a.example"}, 9)

	if len(e.gauges) != 1 {
		t.Fatalf("gauges registered = %d, want 1", len(e.gauges))
	}
	if got := testutil.ToFloat64(e.gauges["queue_depth"].WithLabelValues("a.example")); got != 9 {
		t.Errorf("gauge value = %v, want 9 (last write wins)", got)
	}
}

func TestEmitterObserveHistogramRegistersOncePerName(t *testing.T) {
	e := NewEmitter()
	e.ObserveHistogram("fetch_latency", map[string]string{"domain": "a.example"}, 0.2)
	e.ObserveHistogram("fetch_latency", map[string]string{"domain": "b.example"}, 0.4)

	if len(e.histograms) != 1 {
		t.Fatalf("histograms registered = %d, want 1", len(e.histograms))
	}
	if n := testutil.CollectAndCount(e.histograms["fetch_latency"]); n != 2 {
		t.Errorf("distinct label series = %d, want 2", n)
	}
}

func TestLabelNamesAreSorted(t *testing.T) {
	names := labelNames(map[string]string{"zeta": "1", "alpha": "2", "mid": "3"})
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("labelNames = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("labelNames[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}
