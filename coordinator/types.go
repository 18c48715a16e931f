// Package coordinator defines the shared data model and top-level glue for
// the crawl execution substrate: requests in, validated results out.
package coordinator

import "time"

// Method is an HTTP verb a Request may carry.
type Method string

const (
	MethodGET    Method = "GET"
	MethodPOST   Method = "POST"
	MethodPUT    Method = "PUT"
	MethodDELETE Method = "DELETE"
	MethodPATCH  Method = "PATCH"
	MethodHEAD   Method = "HEAD"
)

// Header is a single name/value pair. Requests keep headers as an ordered
// list rather than a map because duplicate header names are legal.
type Header struct {
	Name  string
	Value string
}

// Request is a scrape intent. It is immutable after Submit assigns ID.
type Request struct {
	ID         string
	URL        string
	Method     Method
	Headers    []Header
	Body       []byte
	Priority   int
	Domain     string
	MaxRetries int
	Deadline   time.Time // zero value means no deadline
	Metadata   map[string]string
}

// HasDeadline reports whether Deadline was set.
func (r *Request) HasDeadline() bool {
	return !r.Deadline.IsZero()
}

// TaskState is the lifecycle state of a Task.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskLeased  TaskState = "LEASED"
	TaskAcked   TaskState = "ACKED"
	TaskNacked  TaskState = "NACKED"
	TaskExpired TaskState = "EXPIRED"
	TaskDead    TaskState = "DEAD"
)

// Task is the internal envelope for a pending or in-flight Request.
type Task struct {
	Request        *Request
	Attempt        int
	State          TaskState
	EnqueuedAt     time.Time
	LeaseExpiresAt time.Time
	LeasedTo       string
	NextVisibleAt  time.Time
	LastError      string
	Proxy          string // address ProxyPool.Pick selected for this lease, if any
}

// ResultStatus classifies the outcome of one fetch attempt.
type ResultStatus string

const (
	StatusSuccess          ResultStatus = "success"
	StatusHTTPError        ResultStatus = "http_error"
	StatusNetworkError     ResultStatus = "network_error"
	StatusBlocked          ResultStatus = "blocked"
	StatusTimeout          ResultStatus = "timeout"
	StatusCaptchaRequired  ResultStatus = "captcha_required"
	StatusValidationFailed ResultStatus = "validation_failed"
)

// Result is what a Fetcher returns (and what the Dispatcher consumes) for
// one attempt at one Task.
type Result struct {
	RequestID    string
	Attempt      int
	Status       ResultStatus
	HTTPStatus   int
	Body         []byte
	ElapsedMS    int64
	ProxyUsed    string
	ErrorMessage string
}

// WorkerStatus is the self-reported status of a Worker.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerDraining WorkerStatus = "draining"
)

// Worker tracks a registered execution process.
type Worker struct {
	WorkerID        string
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	Status          WorkerStatus
	CurrentTaskID   string
	Capacity        int
}

// FailureKind classifies a proxy's reported failure.
type FailureKind string

const (
	FailureBlocked   FailureKind = "block"
	FailureRateLimit FailureKind = "ratelimit"
	FailureNetwork   FailureKind = "network"
)

// Proxy tracks per-proxy rolling health. Per-domain counters live alongside
// it in internal/proxypool, not here, since a proxy can be healthy for one
// domain and banned for another.
type Proxy struct {
	Address      string
	SuccessCount float64
	FailCount    float64
	TotalRTT     time.Duration
	LastUsedAt   time.Time
	BannedUntil  time.Time
}

// Banned reports whether the proxy is currently banned as of now.
func (p *Proxy) Banned(now time.Time) bool {
	return now.Before(p.BannedUntil)
}

// CheckpointStatus is the lifecycle state of a job's checkpoint.
type CheckpointStatus string

const (
	JobRunning   CheckpointStatus = "running"
	JobPaused    CheckpointStatus = "paused"
	JobCompleted CheckpointStatus = "completed"
	JobFailed    CheckpointStatus = "failed"
)

// FailedRequest records a terminally-failed request for a job's checkpoint.
type FailedRequest struct {
	RequestID string
	Reason    string
}

// CheckpointSnapshot is the durable progress record for one job.
type CheckpointSnapshot struct {
	JobID              string
	TotalRequests      int
	CompletedFingerprints map[string]struct{}
	Failed             []FailedRequest
	LastPersistedAt    time.Time
	Status             CheckpointStatus
}

// Counters is the best-effort status snapshot returned by Coordinator.Status.
type Counters struct {
	Pending   int
	Leased    int
	Dead      int
	Completed int
	Failed    int
}
