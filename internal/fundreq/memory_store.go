package fundreq

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps fund requests in memory. Used in tests and
// single-node deployments without MySQL.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*FundRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*FundRequest)}
}

func (s *MemoryStore) Insert(_ context.Context, req *FundRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*FundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

func (s *MemoryStore) Resolve(_ context.Context, id string, state State, denialReason, fundingAddress string, now int64) (*FundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.State != StatePending {
		return nil, ErrResolved
	}

	req.State = state
	req.DenialReason = denialReason
	req.FundingAddress = fundingAddress
	req.ResolvedAt = now
	req.UpdatedAt = now
	return req.Clone(), nil
}

func (s *MemoryStore) RecordFunding(_ context.Context, id, txHash string, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	req.TxHash = txHash
	req.UpdatedAt = now
	return nil
}

func (s *MemoryStore) List(_ context.Context, walletAddress string) ([]*FundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*FundRequest, 0, len(s.requests))
	for _, req := range s.requests {
		if walletAddress != "" && req.WalletAddress != walletAddress {
			continue
		}
		out = append(out, req.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out, nil
}
