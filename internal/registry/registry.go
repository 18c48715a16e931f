// Package registry tracks worker liveness per spec §4.5: register,
// heartbeat, deregister, list_live, list_dead.
//
// Grounded on control_plane/coordination/agent_monitor.go's
// heartbeat-diff liveness check (now−last_heartbeat_at compared against a
// threshold, logged via plain log.Printf); adapted from a periodic ticker
// that mutates a shared store into an on-demand query against in-process
// worker state, since the Dispatcher's reclamation loop (internal/
// dispatcher) owns the ticking here.
package registry

import (
	"log"
	"sync"
	"time"

	"github.com/crawlforge/crawlforge/coordinator"
)

// Registry tracks registered workers and their liveness.
type Registry struct {
	mu              sync.Mutex
	workers         map[string]*coordinator.Worker
	graveyard       map[string]*coordinator.Worker // dead, awaiting deregister
	heartbeatTimeout time.Duration
	now             func() time.Time
}

// New creates a Registry using heartbeatTimeout as the liveness window
// (default 30s per spec §4.5).
func New(heartbeatTimeout time.Duration) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	return &Registry{
		workers:          make(map[string]*coordinator.Worker),
		graveyard:        make(map[string]*coordinator.Worker),
		heartbeatTimeout: heartbeatTimeout,
		now:              time.Now,
	}
}

// WithClock overrides the time source (tests only).
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

// Register is idempotent on workerID: re-registration resets counters but
// preserves identity, per spec §4.5.
func (r *Registry) Register(workerID string, capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.graveyard, workerID)

	now := r.now()
	if w, ok := r.workers[workerID]; ok {
		w.Capacity = capacity
		w.Status = coordinator.WorkerIdle
		w.LastHeartbeatAt = now
		return
	}
	r.workers[workerID] = &coordinator.Worker{
		WorkerID:        workerID,
		Capacity:        capacity,
		Status:          coordinator.WorkerIdle,
		LastHeartbeatAt: now,
	}
}

// Heartbeat records a liveness signal and status update for workerID. A
// heartbeat for a worker not currently registered is ignored — the worker
// must Register first.
func (r *Registry) Heartbeat(workerID string, status coordinator.WorkerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		log.Printf("registry: heartbeat from unregistered worker %s ignored", workerID)
		return
	}
	w.Status = status
	w.LastHeartbeatAt = r.now()
}

// Known reports whether workerID is currently registered (live or in the
// graveyard) — used by callers that need to answer "unknown_worker" on a
// heartbeat without duplicating Heartbeat's own lookup.
func (r *Registry) Known(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[workerID]; ok {
		return true
	}
	_, ok := r.graveyard[workerID]
	return ok
}

// Deregister is final for workerID: it is removed from both the live map
// and the graveyard.
func (r *Registry) Deregister(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, workerID)
	delete(r.graveyard, workerID)
}

// ListLive returns every worker whose last heartbeat is within the
// liveness window, moving any that have just expired into the graveyard.
func (r *Registry) ListLive() []*coordinator.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	out := make([]*coordinator.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// ListDead returns workers that have missed the heartbeat deadline,
// moving them from the live map into the graveyard for audit until
// explicitly deregistered.
func (r *Registry) ListDead() []*coordinator.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	out := make([]*coordinator.Worker, 0, len(r.graveyard))
	for _, w := range r.graveyard {
		out = append(out, w)
	}
	return out
}

// sweepLocked moves any worker past the heartbeat timeout from workers
// into graveyard. Must be called with r.mu held.
func (r *Registry) sweepLocked() {
	now := r.now()
	for id, w := range r.workers {
		if now.Sub(w.LastHeartbeatAt) > r.heartbeatTimeout {
			log.Printf("registry: worker %s missed heartbeat deadline, marking dead", id)
			delete(r.workers, id)
			r.graveyard[id] = w
		}
	}
}
