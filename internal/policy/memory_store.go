package policy

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	xerrors "prim-wallet/internal/errors"
	"prim-wallet/pkg/x402"
)

// MemoryStore keeps policies in memory. Reserve serialises on the store
// mutex, which closes the check-then-debit race the same way the MySQL
// implementation does with a single-row transaction.
type MemoryStore struct {
	mu       sync.Mutex
	policies map[string]*SpendingPolicy
}

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*SpendingPolicy)}
}

// Get returns a copy of the wallet's policy.
func (s *MemoryStore) Get(_ context.Context, walletAddress string) (*SpendingPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.policies[walletAddress]; ok {
		return p.Clone(), nil
	}
	return nil, ErrPolicyNotFound
}

// Put upserts the policy.
func (s *MemoryStore) Put(_ context.Context, p *SpendingPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.WalletAddress] = p.Clone()
	return nil
}

// Reserve atomically rolls the window and applies the debit, refusing it if
// the daily cap would be breached.
func (s *MemoryStore) Reserve(_ context.Context, walletAddress string, amount *big.Int, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[walletAddress]
	if !ok {
		return ErrPolicyNotFound
	}
	p.rollWindow(now)
	if p.DailySpent == nil {
		p.DailySpent = big.NewInt(0)
	}
	projected := new(big.Int).Add(p.DailySpent, amount)
	if p.MaxPerDay != nil && projected.Cmp(p.MaxPerDay) > 0 {
		return xerrors.New(xerrors.CodeExceedsPolicy,
			fmt.Sprintf("daily cap %s exhausted", x402.FormatAmount(p.MaxPerDay)))
	}
	p.DailySpent = projected
	p.UpdatedAt = now
	return nil
}

// Release credits a reserved amount back. If the window rolled since the
// reservation the counter already reset, so the refund clamps at zero.
func (s *MemoryStore) Release(_ context.Context, walletAddress string, amount *big.Int, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[walletAddress]
	if !ok {
		return ErrPolicyNotFound
	}
	p.rollWindow(now)
	if p.DailySpent == nil {
		p.DailySpent = big.NewInt(0)
	}
	p.DailySpent.Sub(p.DailySpent, amount)
	if p.DailySpent.Sign() < 0 {
		p.DailySpent.SetInt64(0)
	}
	p.UpdatedAt = now
	return nil
}
