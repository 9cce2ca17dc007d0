package gate

import (
	"context"
	"sync"
)

// MemoryStore keeps allowlist records in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory access store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Get returns a copy of the record for the address.
func (s *MemoryStore) Get(_ context.Context, walletAddress string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if record, ok := s.records[walletAddress]; ok {
		return record.Clone(), nil
	}
	return nil, ErrNoRecord
}

// Put upserts the record.
func (s *MemoryStore) Put(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.WalletAddress] = r.Clone()
	return nil
}
