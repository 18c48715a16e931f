// Package checkpoint implements spec §4.8: mark_complete/mark_failed
// durability via a write-ahead log, periodic consolidated snapshots, and
// replay-on-load.
//
// Grounded on control_plane/idempotency/store.go's Backend interface
// (a narrow Set/Get seam over Redis, with an in-memory fallback for when
// no backend is configured) for the WAL seam, and on
// ScrapeGoat/internal/engine/checkpoint.go's temp-file-then-rename atomic
// write for the "never leave a half-written snapshot" invariant — here
// expressed as a single Postgres UPSERT transaction rather than a file
// rename, since the durable store is Postgres rather than disk.
package checkpoint

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/crawlforge/crawlforge/coordinator"
	"github.com/crawlforge/crawlforge/internal/fingerprint"
)

// WALOp identifies the kind of event appended to the write-ahead log.
type WALOp string

const (
	OpComplete WALOp = "complete"
	OpFailed   WALOp = "failed"
)

// WALEntry is one write-ahead-log record.
type WALEntry struct {
	Op          WALOp
	Fingerprint string // hex-encoded fingerprint.Key, set when Op == OpComplete
	RequestID   string // set when Op == OpFailed
	Reason      string // set when Op == OpFailed
	Timestamp   time.Time
}

// WAL is the fast-path append log (spec §4.8: "completions are appended to
// a write-ahead log").
type WAL interface {
	Append(ctx context.Context, jobID string, entry WALEntry) error
	ReadAll(ctx context.Context, jobID string) ([]WALEntry, error)
	Clear(ctx context.Context, jobID string) error
}

// SnapshotStore is the durable, periodically-rewritten consolidated
// snapshot (spec §4.8: "a consolidated snapshot is rewritten every N
// appends or every T seconds").
type SnapshotStore interface {
	Save(ctx context.Context, jobID string, snap *coordinator.CheckpointSnapshot) error
	Load(ctx context.Context, jobID string) (*coordinator.CheckpointSnapshot, error)
}

// Checkpointer is the authoritative in-memory progress tracker for every
// active job, mirrored to WAL + snapshot storage. It never blocks a
// caller on the durable write path failing — failures are logged, not
// returned, matching idempotency.Store's "best effort, log and move on"
// Redis-error handling; mark_complete/mark_failed must not become a new
// point of failure for the Dispatcher.
type Checkpointer struct {
	wal  WAL
	snap SnapshotStore

	mu               sync.Mutex
	jobs             map[string]*coordinator.CheckpointSnapshot
	appendsSince     map[string]int
	lastSnapshotAt   map[string]time.Time
	snapshotEveryN   int
	snapshotInterval time.Duration
	now              func() time.Time
}

// New creates a Checkpointer. snapshotEveryN and snapshotInterval are the
// two triggers in spec §4.8's "every N appends or every T seconds"; either
// reaching its threshold forces a consolidated snapshot on the next
// MarkComplete/MarkFailed call.
func New(wal WAL, snap SnapshotStore, snapshotEveryN int, snapshotInterval time.Duration) *Checkpointer {
	if snapshotEveryN <= 0 {
		snapshotEveryN = 100
	}
	if snapshotInterval <= 0 {
		snapshotInterval = 30 * time.Second
	}
	return &Checkpointer{
		wal:              wal,
		snap:             snap,
		jobs:             make(map[string]*coordinator.CheckpointSnapshot),
		appendsSince:     make(map[string]int),
		lastSnapshotAt:   make(map[string]time.Time),
		snapshotEveryN:   snapshotEveryN,
		snapshotInterval: snapshotInterval,
		now:              time.Now,
	}
}

// WithClock overrides the time source (tests only).
func (c *Checkpointer) WithClock(now func() time.Time) *Checkpointer {
	c.now = now
	return c
}

func fingerprintHex(k fingerprint.Key) string {
	return fmt.Sprintf("%016x%016x", k[0], k[1])
}

func (c *Checkpointer) jobLocked(jobID string) *coordinator.CheckpointSnapshot {
	j, ok := c.jobs[jobID]
	if !ok {
		j = &coordinator.CheckpointSnapshot{
			JobID:                 jobID,
			CompletedFingerprints: make(map[string]struct{}),
			Status:                coordinator.JobRunning,
		}
		c.jobs[jobID] = j
	}
	return j
}

// MarkComplete records that fp has been durably delivered to the Sink for
// jobID. Per spec §4.8, the Dispatcher must call this only after the Sink
// has accepted the record.
func (c *Checkpointer) MarkComplete(ctx context.Context, jobID string, fp fingerprint.Key) {
	c.mu.Lock()
	j := c.jobLocked(jobID)
	j.CompletedFingerprints[fingerprintHex(fp)] = struct{}{}
	c.mu.Unlock()

	if c.wal != nil {
		entry := WALEntry{Op: OpComplete, Fingerprint: fingerprintHex(fp), Timestamp: c.now()}
		if err := c.wal.Append(ctx, jobID, entry); err != nil {
			log.Printf("checkpoint: WAL append failed for job %s: %v", jobID, err)
		}
	}
	c.afterAppend(ctx, jobID)
}

// MarkFailed records that requestID terminated DEAD for jobID with reason.
func (c *Checkpointer) MarkFailed(ctx context.Context, jobID, requestID, reason string) {
	c.mu.Lock()
	j := c.jobLocked(jobID)
	j.Failed = append(j.Failed, coordinator.FailedRequest{RequestID: requestID, Reason: reason})
	c.mu.Unlock()

	if c.wal != nil {
		entry := WALEntry{Op: OpFailed, RequestID: requestID, Reason: reason, Timestamp: c.now()}
		if err := c.wal.Append(ctx, jobID, entry); err != nil {
			log.Printf("checkpoint: WAL append failed for job %s: %v", jobID, err)
		}
	}
	c.afterAppend(ctx, jobID)
}

// afterAppend triggers a consolidated snapshot if either threshold in
// spec §4.8 has been crossed.
func (c *Checkpointer) afterAppend(ctx context.Context, jobID string) {
	c.mu.Lock()
	c.appendsSince[jobID]++
	due := c.appendsSince[jobID] >= c.snapshotEveryN
	if !due {
		last, ok := c.lastSnapshotAt[jobID]
		due = !ok || c.now().Sub(last) >= c.snapshotInterval
	}
	c.mu.Unlock()

	if due {
		if err := c.Snapshot(ctx, jobID); err != nil {
			log.Printf("checkpoint: snapshot failed for job %s: %v", jobID, err)
		}
	}
}

// Snapshot forces a consolidated, durable snapshot write for jobID and
// clears the WAL tail it subsumes.
func (c *Checkpointer) Snapshot(ctx context.Context, jobID string) error {
	c.mu.Lock()
	j := c.jobLocked(jobID)
	j.LastPersistedAt = c.now()
	clone := cloneSnapshot(j)
	c.mu.Unlock()

	if c.snap == nil {
		return nil
	}
	if err := c.snap.Save(ctx, jobID, clone); err != nil {
		return fmt.Errorf("checkpoint: save snapshot for job %s: %w", jobID, err)
	}

	c.mu.Lock()
	c.appendsSince[jobID] = 0
	c.lastSnapshotAt[jobID] = c.now()
	c.mu.Unlock()

	if c.wal != nil {
		if err := c.wal.Clear(ctx, jobID); err != nil {
			log.Printf("checkpoint: WAL clear failed after snapshot for job %s: %v", jobID, err)
		}
	}
	return nil
}

// Load restores jobID's progress: the latest durable snapshot, then the
// WAL tail recorded since that snapshot, replayed on top.
func (c *Checkpointer) Load(ctx context.Context, jobID string) (*coordinator.CheckpointSnapshot, error) {
	var base *coordinator.CheckpointSnapshot
	if c.snap != nil {
		s, err := c.snap.Load(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: load snapshot for job %s: %w", jobID, err)
		}
		base = s
	}
	if base == nil {
		base = &coordinator.CheckpointSnapshot{JobID: jobID, CompletedFingerprints: make(map[string]struct{}), Status: coordinator.JobRunning}
	}
	if base.CompletedFingerprints == nil {
		base.CompletedFingerprints = make(map[string]struct{})
	}

	if c.wal != nil {
		entries, err := c.wal.ReadAll(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: read WAL for job %s: %w", jobID, err)
		}
		for _, e := range entries {
			switch e.Op {
			case OpComplete:
				base.CompletedFingerprints[e.Fingerprint] = struct{}{}
			case OpFailed:
				base.Failed = append(base.Failed, coordinator.FailedRequest{RequestID: e.RequestID, Reason: e.Reason})
			}
		}
	}

	c.mu.Lock()
	c.jobs[jobID] = cloneSnapshot(base)
	c.mu.Unlock()

	return base, nil
}

func cloneSnapshot(s *coordinator.CheckpointSnapshot) *coordinator.CheckpointSnapshot {
	clone := &coordinator.CheckpointSnapshot{
		JobID:                 s.JobID,
		TotalRequests:         s.TotalRequests,
		CompletedFingerprints: make(map[string]struct{}, len(s.CompletedFingerprints)),
		Failed:                append([]coordinator.FailedRequest(nil), s.Failed...),
		LastPersistedAt:       s.LastPersistedAt,
		Status:                s.Status,
	}
	for k := range s.CompletedFingerprints {
		clone.CompletedFingerprints[k] = struct{}{}
	}
	return clone
}

// IsComplete reports whether fp has already been recorded complete for
// jobID — the Dispatcher's resume-time dedup check.
func (c *Checkpointer) IsComplete(jobID string, fp fingerprint.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[jobID]
	if !ok {
		return false
	}
	_, ok = j.CompletedFingerprints[fingerprintHex(fp)]
	return ok
}
