package coordinator

import "context"

// Fetcher executes one request and classifies the outcome. Implementations
// are free to use any transport (plain HTTP, browser automation, etc); the
// core never inspects how a Result was produced. proxy is the address
// ProxyPool.Pick selected, or "" if none was available.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request, proxy string) (*Result, error)
}

// Sink accepts a validated record for a job. It must be idempotent on the
// tuple (jobID, requestID, attempt) since the Dispatcher/Checkpointer pair
// only guarantee at-least-once delivery.
type Sink interface {
	Write(ctx context.Context, jobID string, record *ValidatedRecord) error
}

// ValidatedRecord is what reaches a Sink: a Result that passed the
// Validator with status Valid or Suspicious (never Invalid).
type ValidatedRecord struct {
	JobID     string
	RequestID string
	Attempt   int
	Result    *Result
	Fields    map[string]interface{} // the parsed record the Validator checked
	Verdict   Verdict
	Reasons   []string
}

// Verdict is the Validator's classification of a record.
type Verdict string

const (
	VerdictValid      Verdict = "valid"
	VerdictSuspicious Verdict = "suspicious"
	VerdictInvalid    Verdict = "invalid"
)

// SignatureProvider stamps a Request with additional headers/params before
// it is fetched. It must be a pure function of its input.
type SignatureProvider interface {
	Stamp(req *Request) (*Request, error)
}

// MetricsEmitter receives counters/gauges/histograms from internal
// components. Implementations that don't care about a given signal may
// no-op it.
type MetricsEmitter interface {
	IncCounter(name string, labels map[string]string)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// NoopMetrics implements MetricsEmitter by discarding everything. Useful as
// a default and in tests.
type NoopMetrics struct{}

func (NoopMetrics) IncCounter(string, map[string]string)             {}
func (NoopMetrics) SetGauge(string, map[string]string, float64)      {}
func (NoopMetrics) ObserveHistogram(string, map[string]string, float64) {}
