package wallet

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps wallets in memory, for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
}

// NewMemoryStore creates an empty in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]*Wallet)}
}

// Insert stores a new wallet, failing on duplicate address.
func (s *MemoryStore) Insert(_ context.Context, w *Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.wallets[w.Address]; exists {
		return ErrWalletExists
	}
	s.wallets[w.Address] = w.Clone()
	return nil
}

// Get returns a copy of the wallet row.
func (s *MemoryStore) Get(_ context.Context, address string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.wallets[address]; ok {
		return w.Clone(), nil
	}
	return nil, ErrWalletNotFound
}

// Deactivate records the soft delete timestamp.
func (s *MemoryStore) Deactivate(_ context.Context, address string, at int64) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[address]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if w.DeactivatedAt == 0 {
		w.DeactivatedAt = at
		w.UpdatedAt = at
	}
	return w.Clone(), nil
}

// List returns wallets ordered by creation time, newest first.
func (s *MemoryStore) List(_ context.Context, limit int) ([]*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		all = append(all, w.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt == all[j].CreatedAt {
			return all[i].Address < all[j].Address
		}
		return all[i].CreatedAt > all[j].CreatedAt
	})
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}
