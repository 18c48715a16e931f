// Package engine wires the crawl substrate's components into the
// Coordinator described by spec.md §4.10: the single owner of the
// PriorityQueue, WorkerRegistry, ProxyPool, RateGate, FeedbackController,
// Validator and Checkpointer, plus the background loops (reclamation,
// feedback ticking) that run for the Coordinator's lifetime.
//
// Grounded on control_plane/main.go's top-level wiring shape (construct
// each component, cross-wire callbacks, start background loops, serve) —
// adapted from one process's global wiring into a constructor that can be
// called once per job by cmd/coordinatord.
//
// Lives outside the coordinator package (which only holds shared types
// and interfaces) to avoid an import cycle: internal/queue, internal/
// dispatcher and friends already import coordinator for its types, so the
// wiring that imports all of them in turn cannot live in that same
// package.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crawlforge/crawlforge/coordinator"
	"github.com/crawlforge/crawlforge/internal/checkpoint"
	"github.com/crawlforge/crawlforge/internal/dispatcher"
	"github.com/crawlforge/crawlforge/internal/feedback"
	"github.com/crawlforge/crawlforge/internal/fingerprint"
	"github.com/crawlforge/crawlforge/internal/observability"
	"github.com/crawlforge/crawlforge/internal/proxypool"
	"github.com/crawlforge/crawlforge/internal/queue"
	"github.com/crawlforge/crawlforge/internal/rategate"
	"github.com/crawlforge/crawlforge/internal/registry"
	"github.com/crawlforge/crawlforge/internal/validator"
)

// Config bounds the Coordinator's component defaults. Zero-value fields
// fall back to each component's own default.
type Config struct {
	HeartbeatTimeout time.Duration
	LeaseTimeout     time.Duration
	ReclaimTick      time.Duration
	LongPollTimeout  time.Duration

	RateGateDefaultRate  float64
	RateGateDefaultBurst int

	ProxyPool proxypool.Config
	Feedback  feedback.Config

	FingerprintExpectedN        int
	FingerprintFalsePositiveRate float64

	CheckpointSnapshotEveryN   int
	CheckpointSnapshotInterval time.Duration

	DrainPollInterval time.Duration

	Schema validator.Schema
}

// DefaultConfig matches the defaults named across spec.md §§4.2-4.9.
var DefaultConfig = Config{
	HeartbeatTimeout:             30 * time.Second,
	LeaseTimeout:                 2 * time.Minute,
	ReclaimTick:                  5 * time.Second,
	LongPollTimeout:              10 * time.Second,
	RateGateDefaultRate:          5,
	RateGateDefaultBurst:         5,
	ProxyPool:                    proxypool.DefaultConfig,
	Feedback:                     feedback.DefaultConfig,
	FingerprintExpectedN:         100000,
	FingerprintFalsePositiveRate: 0.01,
	CheckpointSnapshotEveryN:     100,
	CheckpointSnapshotInterval:   30 * time.Second,
	DrainPollInterval:            100 * time.Millisecond,
}

// Status is the best-effort counters snapshot returned by Status().
type Status struct {
	JobID          string
	Pending        int
	Leased         int
	Completed      int
	Dead           int
	Draining       bool
	CheckpointStatus coordinator.CheckpointStatus
}

// Coordinator is the top-level object described by spec.md §4.10. It owns
// every other component and the background loops that run for its
// lifetime.
type Coordinator struct {
	jobID string
	cfg   Config

	fetcher coordinator.Fetcher
	sink    coordinator.Sink
	signer  coordinator.SignatureProvider
	metrics coordinator.MetricsEmitter

	queue        *queue.Queue
	registry     *registry.Registry
	proxies      *proxypool.Pool
	rategate     *rategate.Gate
	dispatcher   *dispatcher.Dispatcher
	validator    *validator.Validator
	checkpointer *checkpoint.Checkpointer
	feedback     *feedback.Controller
	fingerprints *fingerprint.Set

	mu       sync.Mutex
	draining bool

	cancel context.CancelFunc
}

// New constructs a Coordinator for jobID, wiring every component together
// and cross-connecting the FeedbackController to the RateGate per spec
// §4.9. fetcher/sink/signer/metrics are the narrow external capability
// sets spec.md §9 calls for; signer and metrics may be nil.
func New(jobID string, fetcher coordinator.Fetcher, sink coordinator.Sink, signer coordinator.SignatureProvider, metrics coordinator.MetricsEmitter, wal checkpoint.WAL, snapStore checkpoint.SnapshotStore, cfg Config) *Coordinator {
	if metrics == nil {
		metrics = coordinator.NoopMetrics{}
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultConfig.HeartbeatTimeout
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultConfig.LeaseTimeout
	}
	if cfg.ReclaimTick <= 0 {
		cfg.ReclaimTick = DefaultConfig.ReclaimTick
	}
	if cfg.LongPollTimeout <= 0 {
		cfg.LongPollTimeout = DefaultConfig.LongPollTimeout
	}
	if cfg.RateGateDefaultRate <= 0 {
		cfg.RateGateDefaultRate = DefaultConfig.RateGateDefaultRate
	}
	if cfg.RateGateDefaultBurst <= 0 {
		cfg.RateGateDefaultBurst = DefaultConfig.RateGateDefaultBurst
	}
	if cfg.FingerprintExpectedN <= 0 {
		cfg.FingerprintExpectedN = DefaultConfig.FingerprintExpectedN
	}
	if cfg.FingerprintFalsePositiveRate <= 0 {
		cfg.FingerprintFalsePositiveRate = DefaultConfig.FingerprintFalsePositiveRate
	}
	if cfg.CheckpointSnapshotEveryN <= 0 {
		cfg.CheckpointSnapshotEveryN = DefaultConfig.CheckpointSnapshotEveryN
	}
	if cfg.CheckpointSnapshotInterval <= 0 {
		cfg.CheckpointSnapshotInterval = DefaultConfig.CheckpointSnapshotInterval
	}
	if cfg.DrainPollInterval <= 0 {
		cfg.DrainPollInterval = DefaultConfig.DrainPollInterval
	}

	q := queue.New()
	reg := registry.New(cfg.HeartbeatTimeout)
	proxies := proxypool.New(cfg.ProxyPool)
	gate := rategate.New(cfg.RateGateDefaultRate, cfg.RateGateDefaultBurst)
	disp := dispatcher.New(q, reg, proxies).WithLeaseTimeout(cfg.LeaseTimeout).WithTick(cfg.ReclaimTick)
	val := validator.New()
	ckpt := checkpoint.New(wal, snapStore, cfg.CheckpointSnapshotEveryN, cfg.CheckpointSnapshotInterval)
	fb := feedback.New(cfg.Feedback)
	fps := fingerprint.New(cfg.FingerprintExpectedN, cfg.FingerprintFalsePositiveRate)

	c := &Coordinator{
		jobID:        jobID,
		cfg:          cfg,
		fetcher:      fetcher,
		sink:         sink,
		signer:       signer,
		metrics:      metrics,
		queue:        q,
		registry:     reg,
		proxies:      proxies,
		rategate:     gate,
		dispatcher:   disp,
		validator:    val,
		checkpointer: ckpt,
		feedback:     fb,
		fingerprints: fps,
	}

	disp.OnBlockStorm(func(requestID, domain string) {
		metrics.IncCounter("block_storm", map[string]string{"domain": domain})
		observability.BlockStorms.WithLabelValues(domain).Inc()
	})
	fb.OnRateChange(func(domain string, rate float64, concurrency int) {
		gate.Update(domain, rate, concurrency)
		observability.FeedbackRate.WithLabelValues(domain).Set(rate)
	})
	fb.OnProxyRotateChange(func(domain string, interval time.Duration) {
		metrics.SetGauge("proxy_rotate_interval_seconds", map[string]string{"domain": domain}, interval.Seconds())
	})

	return c
}

// AddProxy registers address with the pool.
func (c *Coordinator) AddProxy(address string) {
	c.proxies.Add(address)
	observability.ProxyPoolSize.Inc()
}

// Start runs the background reclamation and feedback loops. The
// Coordinator is the only component whose construction owns them, per
// spec §4.10.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.dispatcher.Start(ctx)
	c.feedback.Start(ctx)
}

func domainOf(req *coordinator.Request) string {
	if req.Domain != "" {
		return req.Domain
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Submit admits one request, per spec §4.10's submit(request) -> request_id.
func (c *Coordinator) Submit(req *coordinator.Request) (string, error) {
	c.mu.Lock()
	draining := c.draining
	c.mu.Unlock()
	if draining {
		return "", coordinator.ErrJobNotAccepting
	}
	if req.URL == "" || req.Method == "" {
		return "", coordinator.ErrInvalidRequest
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Domain == "" {
		req.Domain = domainOf(req)
	}
	if c.signer != nil {
		stamped, err := c.signer.Stamp(req)
		if err != nil {
			return "", err
		}
		req = stamped
	}

	fp := fingerprint.Compute(string(req.Method), req.URL, req.Body)

	if req.HasDeadline() && req.Deadline.Before(time.Now()) {
		c.checkpointer.MarkFailed(context.Background(), c.jobID, req.ID, "deadline already past at submit")
		observability.TaskDeaths.WithLabelValues("deadline_past").Inc()
		return req.ID, nil
	}

	if c.checkpointer.IsComplete(c.jobID, fp) {
		return req.ID, nil // already completed in a prior run; resume dedup
	}
	if c.fingerprints.Register(fp) == fingerprint.Duplicate {
		return req.ID, nil // already seen this run
	}

	task := &coordinator.Task{Request: req, Attempt: 0}
	if err := c.queue.Enqueue(task); err != nil {
		return "", err
	}
	observability.QueueDepth.WithLabelValues(fmt.Sprint(req.Priority)).Inc()
	return req.ID, nil
}

// SubmitBatch admits requests atomically with respect to deduplication:
// either every request is validated before any is enqueued, or none are.
func (c *Coordinator) SubmitBatch(reqs []*coordinator.Request) ([]string, error) {
	for _, req := range reqs {
		if req.URL == "" || req.Method == "" {
			return nil, coordinator.ErrInvalidRequest
		}
	}
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		id, err := c.Submit(req)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Status returns the current best-effort counters, available even during
// reclamation per spec §7.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	draining := c.draining
	c.mu.Unlock()

	snap, _ := c.checkpointer.Load(context.Background(), c.jobID)
	s := Status{
		JobID:    c.jobID,
		Pending:  c.queue.Len(),
		Leased:   c.queue.LeasedLen(),
		Draining: draining,
	}
	if snap != nil {
		s.Completed = len(snap.CompletedFingerprints)
		s.Dead = len(snap.Failed)
		s.CheckpointStatus = snap.Status
	}
	return s
}

// Drain stops accepting new submissions and returns once every leased
// task has concluded, or ctx is canceled.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()

	ticker := time.NewTicker(c.cfg.DrainPollInterval)
	defer ticker.Stop()
	for {
		if c.queue.LeasedLen() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop halts the background loops. force=true returns immediately without
// waiting for in-flight tasks; force=false drains first with ctx as the
// overall deadline, escalating to force on expiry.
func (c *Coordinator) Stop(ctx context.Context, force bool) error {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()

	if !force {
		if err := c.Drain(ctx); err != nil {
			force = true
		}
	}

	c.dispatcher.Stop()
	c.feedback.Stop()
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.checkpointer.Snapshot(context.Background(), c.jobID); err != nil {
		return err
	}
	return nil
}

// Resume reloads jobID's checkpoint snapshot (snapshot + replayed WAL
// tail) so a restarted Coordinator knows which fingerprints are already
// complete before re-submission.
func (c *Coordinator) Resume(ctx context.Context) (*coordinator.CheckpointSnapshot, error) {
	snap, err := c.checkpointer.Load(ctx, c.jobID)
	if err != nil {
		return nil, coordinator.ErrCheckpointCorrupt
	}
	return snap, nil
}

// --- workerproto.Handler ---

// Register adds workerID to the registry. Registration is idempotent, so
// conflict is always false.
func (c *Coordinator) Register(workerID string, capacity int) (conflict bool) {
	c.registry.Register(workerID, capacity)
	return false
}

// Heartbeat updates workerID's liveness, reporting unknown_worker if it
// never registered.
func (c *Coordinator) Heartbeat(workerID string, status coordinator.WorkerStatus, currentTaskID string) (unknownWorker bool) {
	if !c.registry.Known(workerID) {
		return true
	}
	c.registry.Heartbeat(workerID, status)
	return false
}

// Claim long-polls for a task up to the configured long-poll timeout,
// honoring ctx cancellation, per spec §5's suspension-point rule for
// Claim. Once a lease is won, the domain's RateGate must admit it and the
// ProxyPool selects the proxy the Worker will fetch through, per spec
// §4's data-flow line (Dispatcher.lease → Worker fetches via Fetcher
// using ProxyPool + RateGate). A RateGate timeout releases the lease
// back to PENDING rather than burning a retry attempt, since it isn't a
// failure attributable to the request.
func (c *Coordinator) Claim(ctx context.Context, workerID string) (*coordinator.Task, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LongPollTimeout)
	defer cancel()

	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for {
		if task, ok := c.dispatcher.Claim(workerID); ok {
			domain := task.Request.Domain
			if outcome := c.rategate.Acquire(ctx, domain, c.cfg.LongPollTimeout); outcome != rategate.OK {
				c.queue.Release(task.Request.ID)
				return nil, false
			}
			if addr, ok := c.proxies.Pick(domain); ok {
				task.Proxy = addr
			}
			observability.LeasesOutstanding.Inc()
			return task, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-poll.C:
		}
	}
}

// Result concludes a claimed task: on success it validates the parsed
// record, passes valid/suspicious records to the Sink and marks the
// fingerprint complete; on invalid it nacks as validation_failed, per
// spec §4.6's ack contract. Returns stale=true if the lease had already
// expired and been reclaimed.
func (c *Coordinator) Result(workerID, taskID string, result coordinator.Result) (stale bool) {
	task, ok := c.queue.Peek(taskID)
	if !ok {
		return true
	}
	domain := task.Request.Domain
	observability.DispatchResults.WithLabelValues(string(result.Status)).Inc()
	observability.LeasesOutstanding.Dec()

	if result.Status != coordinator.StatusSuccess {
		if result.ProxyUsed != "" {
			c.proxies.Report(result.ProxyUsed, domain, false, 0, feedbackFailureKind(result.Status))
		}
		dead := c.dispatcher.Nack(task, &result)
		c.feedback.Record(domain, false, feedbackFailureKind(result.Status))
		if dead {
			observability.TaskDeaths.WithLabelValues(string(result.Status)).Inc()
			c.checkpointer.MarkFailed(context.Background(), c.jobID, taskID, result.ErrorMessage)
		} else {
			observability.TaskRetries.WithLabelValues(string(result.Status)).Inc()
		}
		return false
	}

	fields, verr := decodeRecord(result.Body)
	var verdict validator.Verdict
	var reasons []string
	if verr != nil {
		verdict, reasons = validator.Invalid, []string{"unparseable record: " + verr.Error()}
	} else {
		verdict, reasons = c.validator.Check(c.cfg.Schema, fields)
	}
	observability.ValidationVerdicts.WithLabelValues(string(verdict)).Inc()

	if verdict == validator.Invalid {
		invalid := result
		invalid.Status = coordinator.StatusValidationFailed
		invalid.ErrorMessage = fmt.Sprintf("validation failed: %v", reasons)
		c.dispatcher.Nack(task, &invalid)
		c.checkpointer.MarkFailed(context.Background(), c.jobID, taskID, invalid.ErrorMessage)
		observability.TaskDeaths.WithLabelValues("validation_failed").Inc()
		return false
	}

	fp := fingerprint.Compute(string(task.Request.Method), task.Request.URL, task.Request.Body)
	c.dispatcher.Ack(taskID)
	c.feedback.Record(domain, true, "")
	if result.ProxyUsed != "" {
		c.proxies.Report(result.ProxyUsed, domain, true, time.Duration(result.ElapsedMS)*time.Millisecond, "")
	}

	record := &coordinator.ValidatedRecord{
		JobID:     c.jobID,
		RequestID: taskID,
		Attempt:   task.Attempt,
		Result:    &result,
		Fields:    fields,
		Verdict:   coordinator.Verdict(verdict),
		Reasons:   reasons,
	}
	if err := c.sink.Write(context.Background(), c.jobID, record); err != nil {
		observability.SinkWrites.WithLabelValues("error").Inc()
		return false
	}
	observability.SinkWrites.WithLabelValues("ok").Inc()
	c.checkpointer.MarkComplete(context.Background(), c.jobID, fp)
	return false
}

// Deregister removes workerID from the registry.
func (c *Coordinator) Deregister(workerID string) {
	c.registry.Deregister(workerID)
}

func decodeRecord(body []byte) (map[string]interface{}, error) {
	if len(body) == 0 {
		return map[string]interface{}{}, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func feedbackFailureKind(status coordinator.ResultStatus) coordinator.FailureKind {
	switch status {
	case coordinator.StatusBlocked, coordinator.StatusCaptchaRequired:
		return coordinator.FailureBlocked
	case coordinator.StatusHTTPError:
		return coordinator.FailureRateLimit
	default:
		return coordinator.FailureNetwork
	}
}
