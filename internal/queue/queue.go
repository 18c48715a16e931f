// Package queue implements the ordered, persistent multi-producer /
// multi-consumer queue of pending tasks described in spec §4.2: a
// container/heap ordered by (−priority, next_visible_at, enqueued_at), with
// lease tracking and delayed re-enqueue on nack.
//
// Grounded on control_plane/scheduler/queue.go's ThreadSafeQueue
// (container/heap wrapper with a mutex and PushDelayed via time.AfterFunc);
// extended here with the PENDING/LEASED lease-exclusivity semantics the
// teacher's queue doesn't need (its consumers run synchronously in-process).
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/crawlforge/crawlforge/coordinator"
)

// entry is one heap element: a task plus the bookkeeping the heap needs.
type entry struct {
	task  *coordinator.Task
	index int // maintained by container/heap
}

type innerHeap []*entry

func (h innerHeap) Len() int { return len(h) }

func (h innerHeap) Less(i, j int) bool {
	a, b := h[i].task, h[j].task
	if a.Request.Priority != b.Request.Priority {
		return a.Request.Priority > b.Request.Priority // higher priority first
	}
	if !a.NextVisibleAt.Equal(b.NextVisibleAt) {
		return a.NextVisibleAt.Before(b.NextVisibleAt)
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

func (h innerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *innerHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *innerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Backoff parameters for delayed re-enqueue after a nack, per spec §4.2:
// backoff(a) = min(base * 2^a, cap).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff matches spec.md's defaults: base 1s, cap 5 minutes.
var DefaultBackoff = Backoff{Base: time.Second, Cap: 5 * time.Minute}

func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Now is overridable for tests.
type Queue struct {
	mu      sync.Mutex
	visible innerHeap               // tasks currently visible/pending
	invisible map[*entry]time.Time  // delayed tasks, keyed by entry, value = next_visible_at
	leased  map[string]*entry       // request id -> leased entry
	backoff Backoff
	now     func() time.Time
}

// New creates an empty Queue using the default backoff schedule.
func New() *Queue {
	return &Queue{
		invisible: make(map[*entry]time.Time),
		leased:    make(map[string]*entry),
		backoff:   DefaultBackoff,
		now:       time.Now,
	}
}

// WithBackoff overrides the default backoff schedule (used by callers who
// want a tighter schedule, e.g. tests).
func (q *Queue) WithBackoff(b Backoff) *Queue {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backoff = b
	return q
}

// WithClock overrides the time source (tests only).
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
	return q
}

// Enqueue admits a task. Always succeeds in this in-memory implementation;
// a durable-store-backed Queue would return *coordinator.FullOrUnavailable
// on write rejection (see spec §4.2's failure modes).
func (q *Queue) Enqueue(task *coordinator.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now()
	}
	if task.NextVisibleAt.IsZero() {
		task.NextVisibleAt = task.EnqueuedAt
	}
	task.State = coordinator.TaskPending
	task.LeasedTo = ""
	task.LeaseExpiresAt = time.Time{}

	e := &entry{task: task}
	now := q.now()
	if task.NextVisibleAt.After(now) {
		q.invisible[e] = task.NextVisibleAt
	} else {
		heap.Push(&q.visible, e)
	}
	return nil
}

// promoteVisible moves any invisible entries whose next_visible_at has
// arrived into the visible heap. Must be called with q.mu held.
func (q *Queue) promoteVisible() {
	now := q.now()
	for e, at := range q.invisible {
		if !at.After(now) {
			delete(q.invisible, e)
			heap.Push(&q.visible, e)
		}
	}
}

// Lease returns the highest-priority visible task and marks it LEASED until
// timeout elapses. Never blocks; returns nil if no visible task exists.
func (q *Queue) Lease(workerID string, timeout time.Duration) *coordinator.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reapExpiredLocked()
	q.promoteVisible()

	if q.visible.Len() == 0 {
		return nil
	}
	e := heap.Pop(&q.visible).(*entry)
	now := q.now()
	e.task.State = coordinator.TaskLeased
	e.task.LeasedTo = workerID
	e.task.LeaseExpiresAt = now.Add(timeout)
	q.leased[e.task.Request.ID] = e
	return e.task
}

// Ack concludes a task successfully, removing it from lease tracking.
func (q *Queue) Ack(requestID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.leased[requestID]; ok {
		e.task.State = coordinator.TaskAcked
		delete(q.leased, requestID)
	}
}

// Nack re-queues the task with exponential backoff if attempt < maxRetries,
// otherwise terminates it as DEAD and returns true for "went dead".
func (q *Queue) Nack(requestID string, lastError string) (dead bool) {
	q.mu.Lock()
	e, ok := q.leased[requestID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.leased, requestID)
	task := e.task
	task.LastError = lastError

	if task.Attempt >= task.Request.MaxRetries {
		task.State = coordinator.TaskDead
		q.mu.Unlock()
		return true
	}

	task.Attempt++
	delay := q.backoff.Delay(task.Attempt)
	task.State = coordinator.TaskNacked
	task.NextVisibleAt = q.now().Add(delay)
	q.mu.Unlock()

	q.Enqueue(task)
	return false
}

// Peek returns the task currently leased under requestID without mutating
// any state — used by the ack/nack pipeline above the Dispatcher, which
// needs the full Task (for its Request.Domain/MaxRetries) to decide how to
// react to a Result.
func (q *Queue) Peek(requestID string) (*coordinator.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.leased[requestID]
	if !ok {
		return nil, false
	}
	return e.task, true
}

// Kill forcibly terminates a leased task as DEAD regardless of remaining
// retry budget — used for error classes spec §4.6 marks non-retryable
// outright (http_error 4xx other than 408/429, validation_failed).
func (q *Queue) Kill(requestID string, lastError string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.leased[requestID]
	if !ok {
		return
	}
	delete(q.leased, requestID)
	e.task.State = coordinator.TaskDead
	e.task.LastError = lastError
}

// reapExpiredLocked moves any LEASED task whose lease_expires_at has passed
// back to PENDING without incrementing attempt (reclamation is not a
// failure attributable to the request, per spec §4.6). Must be called with
// q.mu held.
func (q *Queue) reapExpiredLocked() {
	now := q.now()
	var expired []*coordinator.Task
	for id, e := range q.leased {
		if now.After(e.task.LeaseExpiresAt) {
			delete(q.leased, id)
			e.task.State = coordinator.TaskExpired
			expired = append(expired, e.task)
		}
	}
	for _, t := range expired {
		t.NextVisibleAt = now
		ne := &entry{task: t}
		t.State = coordinator.TaskPending
		t.LeasedTo = ""
		t.LeaseExpiresAt = time.Time{}
		heap.Push(&q.visible, ne)
	}
}

// Release returns a leased task to PENDING without incrementing attempt or
// recording an error — used when a claimed task cannot be handed to a
// worker for a reason unrelated to the request itself (e.g. its domain's
// RateGate timed out before a token freed up).
func (q *Queue) Release(requestID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.leased[requestID]
	if !ok {
		return
	}
	delete(q.leased, requestID)
	t := e.task
	t.State = coordinator.TaskPending
	t.LeasedTo = ""
	t.LeaseExpiresAt = time.Time{}
	t.NextVisibleAt = q.now()
	heap.Push(&q.visible, &entry{task: t})
}

// ReclaimExpired runs the same expired-lease reclamation Lease performs
// internally, as a standalone operation for the Dispatcher's background
// reclamation loop (spec §4.6) to call without also leasing a task.
func (q *Queue) ReclaimExpired() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reapExpiredLocked()
}

// ReclaimWorker returns every task currently leased to workerID back to
// PENDING without incrementing attempt — used when WorkerRegistry reports a
// worker dead (spec §4.6).
func (q *Queue) ReclaimWorker(workerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	reclaimed := 0
	for id, e := range q.leased {
		if e.task.LeasedTo != workerID {
			continue
		}
		delete(q.leased, id)
		t := e.task
		t.State = coordinator.TaskPending
		t.LeasedTo = ""
		t.LeaseExpiresAt = time.Time{}
		t.NextVisibleAt = q.now()
		heap.Push(&q.visible, &entry{task: t})
		reclaimed++
	}
	return reclaimed
}

// Len returns the number of visible+invisible pending tasks (not counting
// leased ones).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.visible.Len() + len(q.invisible)
}

// LeasedLen returns the number of currently-leased tasks.
func (q *Queue) LeasedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.leased)
}
