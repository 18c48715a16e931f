// Package dispatcher implements the top-level control loop of spec §4.6:
// claim/ack/nack against the priority queue, the retry-policy matrix per
// result status, proxy bans on anti-bot outcomes, the block_storm signal,
// and the background reclamation loop for dead workers and expired leases.
//
// Grounded on control_plane/scheduler/scheduler.go's processNextTask
// (dispatch-then-classify-outcome structure; PushDelayed-on-throttle is the
// same move as our NACK-with-backoff) and
// control_plane/coordination/janitor.go's ticker-driven reclamation loop
// (scan, compare against a deadline, force-release, log each branch).
package dispatcher

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/crawlforge/crawlforge/coordinator"
	"github.com/crawlforge/crawlforge/internal/proxypool"
	"github.com/crawlforge/crawlforge/internal/queue"
	"github.com/crawlforge/crawlforge/internal/registry"
)

// DefaultTick is the reclamation loop period (spec §4.6 default: 5s).
const DefaultTick = 5 * time.Second

// DefaultLeaseTimeout bounds how long a claimed task may go un-acked before
// its lease is eligible for reclamation.
const DefaultLeaseTimeout = 2 * time.Minute

// blockStormThreshold is the number of consecutive blocked/captcha_required
// outcomes on the same request before a block_storm signal fires.
const blockStormThreshold = 3

// Dispatcher wires the PriorityQueue, WorkerRegistry and ProxyPool together
// per the retry-policy matrix in spec §4.6.
type Dispatcher struct {
	queue    *queue.Queue
	registry *registry.Registry
	proxies  *proxypool.Pool

	leaseTimeout time.Duration
	tick         time.Duration

	mu                sync.Mutex
	consecutiveBlocks map[string]int // requestID -> consecutive block/captcha count
	deadLetters       []coordinator.DeadLetterError

	onBlockStorm func(requestID, domain string)

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Dispatcher bound to the given queue, registry and proxy
// pool.
func New(q *queue.Queue, reg *registry.Registry, proxies *proxypool.Pool) *Dispatcher {
	return &Dispatcher{
		queue:             q,
		registry:          reg,
		proxies:           proxies,
		leaseTimeout:      DefaultLeaseTimeout,
		tick:              DefaultTick,
		consecutiveBlocks: make(map[string]int),
	}
}

// WithLeaseTimeout overrides the default claim lease duration.
func (d *Dispatcher) WithLeaseTimeout(timeout time.Duration) *Dispatcher {
	d.leaseTimeout = timeout
	return d
}

// WithTick overrides the reclamation loop period.
func (d *Dispatcher) WithTick(tick time.Duration) *Dispatcher {
	d.tick = tick
	return d
}

// OnBlockStorm registers the callback invoked when a request accumulates
// three consecutive blocked/captcha_required outcomes. Typically wired to
// the FeedbackController.
func (d *Dispatcher) OnBlockStorm(fn func(requestID, domain string)) {
	d.onBlockStorm = fn
}

// Claim leases the next visible task for workerID, or returns (nil, false)
// if none is available.
func (d *Dispatcher) Claim(workerID string) (*coordinator.Task, bool) {
	task := d.queue.Lease(workerID, d.leaseTimeout)
	if task == nil {
		return nil, false
	}
	return task, true
}

// Ack concludes task successfully. Block-streak bookkeeping for the
// request is cleared, since a success breaks the streak.
func (d *Dispatcher) Ack(requestID string) {
	d.mu.Lock()
	delete(d.consecutiveBlocks, requestID)
	d.mu.Unlock()
	d.queue.Ack(requestID)
}

// Nack applies the retry-policy matrix of spec §4.6 to result and either
// re-queues task with backoff or terminates it DEAD into the dead-letter
// list. Returns true if the task went DEAD.
func (d *Dispatcher) Nack(task *coordinator.Task, result *coordinator.Result) bool {
	requestID := task.Request.ID
	domain := task.Request.Domain

	switch result.Status {
	case coordinator.StatusHTTPError:
		if result.HTTPStatus != 408 && result.HTTPStatus != 429 && result.HTTPStatus/100 == 4 {
			return d.terminate(requestID, result.ErrorMessage)
		}
		return d.retry(requestID, result.ErrorMessage)

	case coordinator.StatusValidationFailed:
		return d.terminate(requestID, result.ErrorMessage)

	case coordinator.StatusBlocked, coordinator.StatusCaptchaRequired:
		if result.ProxyUsed != "" && d.proxies != nil {
			kind := coordinator.FailureBlocked
			d.proxies.Ban(result.ProxyUsed, domain, d.proxies.DefaultBanPenalty(kind))
		}
		d.mu.Lock()
		d.consecutiveBlocks[requestID]++
		streak := d.consecutiveBlocks[requestID]
		d.mu.Unlock()
		if streak >= blockStormThreshold {
			log.Printf("dispatcher: block_storm on request %s domain %s (%d consecutive)", requestID, domain, streak)
			if d.onBlockStorm != nil {
				d.onBlockStorm(requestID, domain)
			}
		}
		return d.retry(requestID, result.ErrorMessage)

	case coordinator.StatusTimeout, coordinator.StatusNetworkError:
		return d.retry(requestID, result.ErrorMessage)

	default:
		return d.retry(requestID, result.ErrorMessage)
	}
}

// retry re-queues requestID with backoff if its retry budget allows;
// otherwise the queue itself has already marked it DEAD (attempt reached
// max_retries) and this only needs to record the dead-letter entry.
func (d *Dispatcher) retry(requestID, lastError string) bool {
	dead := d.queue.Nack(requestID, lastError)
	if dead {
		d.record(requestID, lastError)
		return true
	}
	return false
}

// terminate force-kills requestID as DEAD regardless of its retry budget —
// used for error classes spec §4.6 treats as outright non-retryable.
func (d *Dispatcher) terminate(requestID, lastError string) bool {
	d.queue.Kill(requestID, lastError)
	d.record(requestID, lastError)
	return true
}

func (d *Dispatcher) record(requestID, lastError string) {
	d.mu.Lock()
	delete(d.consecutiveBlocks, requestID)
	d.deadLetters = append(d.deadLetters, coordinator.DeadLetterError{
		RequestID: requestID,
		LastError: lastError,
	})
	d.mu.Unlock()
}

// DeadLetters returns every request that has terminated DEAD since the
// Dispatcher started, oldest first.
func (d *Dispatcher) DeadLetters() []coordinator.DeadLetterError {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]coordinator.DeadLetterError, len(d.deadLetters))
	copy(out, d.deadLetters)
	return out
}

// Start runs the background reclamation loop: every tick, expired leases
// are returned to PENDING and any worker the registry reports dead has its
// leases reclaimed.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(ctx)
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reclaim()
		}
	}
}

func (d *Dispatcher) reclaim() {
	d.queue.ReclaimExpired()
	for _, w := range d.registry.ListDead() {
		n := d.queue.ReclaimWorker(w.WorkerID)
		if n > 0 {
			log.Printf("dispatcher: reclaimed %d lease(s) from dead worker %s", n, w.WorkerID)
		}
	}
}

// Stop halts the reclamation loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
			<-d.done
		}
	})
}
