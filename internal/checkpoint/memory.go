package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-process checkpoint store. Used in tests and in
// single-binary mode when no database-backed store is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string][]byte)}
}

// Get returns the stored snapshot for the thread, or nil if none exists.
func (s *MemoryStore) Get(ctx context.Context, threadID string) (*Snapshot, error) {
	s.mu.RLock()
	raw, ok := s.snaps[threadID]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Put stores the snapshot, replacing any previous one for the thread.
func (s *MemoryStore) Put(ctx context.Context, threadID string, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.snaps[threadID] = raw
	s.mu.Unlock()
	return nil
}

// Delete removes the thread's snapshot. Idempotent.
func (s *MemoryStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	delete(s.snaps, threadID)
	s.mu.Unlock()
	return nil
}
