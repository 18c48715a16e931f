package checkpoint

import (
	"context"
	"sync"

	"github.com/crawlforge/crawlforge/coordinator"
)

// MemoryWAL is an in-process WAL, used when no Redis backend is
// configured — the same "fall back to an in-memory map" shape as
// idempotency.Store's memory path.
type MemoryWAL struct {
	mu      sync.Mutex
	entries map[string][]WALEntry
}

func NewMemoryWAL() *MemoryWAL {
	return &MemoryWAL{entries: make(map[string][]WALEntry)}
}

func (m *MemoryWAL) Append(_ context.Context, jobID string, entry WALEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[jobID] = append(m.entries[jobID], entry)
	return nil
}

func (m *MemoryWAL) ReadAll(_ context.Context, jobID string) ([]WALEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WALEntry, len(m.entries[jobID]))
	copy(out, m.entries[jobID])
	return out, nil
}

func (m *MemoryWAL) Clear(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, jobID)
	return nil
}

// MemorySnapshotStore is an in-process SnapshotStore for tests and
// single-process deployments without Postgres configured.
type MemorySnapshotStore struct {
	mu   sync.Mutex
	data map[string]*coordinator.CheckpointSnapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{data: make(map[string]*coordinator.CheckpointSnapshot)}
}

func (m *MemorySnapshotStore) Save(_ context.Context, jobID string, snap *coordinator.CheckpointSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[jobID] = cloneSnapshot(snap)
	return nil
}

func (m *MemorySnapshotStore) Load(_ context.Context, jobID string) (*coordinator.CheckpointSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[jobID]
	if !ok {
		return nil, nil
	}
	return cloneSnapshot(s), nil
}
