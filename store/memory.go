package store

import (
	"context"
	"sync"

	"collabnb/syncd/crdt"
)

// MemoryStore is an in-memory Store for tests. Snapshots go through the
// encode/decode path so it behaves like the durable implementations.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string][]byte

	// SaveErr, when set, is returned by every Save. Lets tests exercise the
	// log-and-retry persistence path.
	SaveErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string][]byte)}
}

func (s *MemoryStore) Load(ctx context.Context, identity string) (crdt.Snapshot, error) {
	s.mu.Lock()
	data, ok := s.snaps[identity]
	s.mu.Unlock()
	if !ok {
		return crdt.Snapshot{}, ErrNotFound
	}
	return crdt.DecodeSnapshot(data)
}

func (s *MemoryStore) Save(ctx context.Context, identity string, snap crdt.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	data, err := snap.Encode()
	if err != nil {
		return err
	}
	s.snaps[identity] = data
	return nil
}

// SaveCount returns how many snapshots are currently held.
func (s *MemoryStore) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

func (s *MemoryStore) Close() error { return nil }
