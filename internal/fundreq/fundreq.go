// Package fundreq implements the human approval workflow for funding
// custodial wallets. Agents file a request, an operator approves or
// denies it, and approved requests are handed to a background worker
// that moves treasury funds on chain.
package fundreq

import (
	"context"
	"math/big"

	xerrors "prim-wallet/internal/errors"
)

// State tracks the lifecycle of a fund request. Approved and denied are
// terminal.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
)

// Domain error codes registered with the shared registry.
const (
	CodeFundRequestNotFound xerrors.Code = "FUND_REQUEST_NOT_FOUND"
	CodeFundRequestResolved xerrors.Code = "FUND_REQUEST_RESOLVED"
	CodeFundingBroadcast    xerrors.Code = "FUNDING_BROADCAST"
)

var (
	ErrNotFound = xerrors.New(CodeFundRequestNotFound, "fund request not found")
	// ErrResolved is returned when approving or denying a request that
	// already reached a terminal state.
	ErrResolved = xerrors.New(CodeFundRequestResolved, "fund request already resolved")
)

func init() {
	xerrors.Register(CodeFundRequestNotFound, xerrors.Attributes{
		Message:  "fund request not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeFundRequestResolved, xerrors.Attributes{
		Message:  "fund request already resolved",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeFundingBroadcast, xerrors.Attributes{
		Message:   "funding transfer broadcast failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// FundRequest records one funding ask and its resolution.
type FundRequest struct {
	ID             string   `json:"id"`
	WalletAddress  string   `json:"wallet_address"`
	Amount         *big.Int `json:"-"`
	Reason         string   `json:"reason,omitempty"`
	State          State    `json:"state"`
	DenialReason   string   `json:"denial_reason,omitempty"`
	TxHash         string   `json:"tx_hash,omitempty"`
	FundingAddress string   `json:"funding_address,omitempty"`
	CreatedAt      int64    `json:"created_at"`
	ResolvedAt     int64    `json:"resolved_at,omitempty"`
	UpdatedAt      int64    `json:"updated_at"`
}

// Resolved reports whether the request reached a terminal state.
func (r *FundRequest) Resolved() bool {
	return r.State == StateApproved || r.State == StateDenied
}

// Clone returns a deep copy.
func (r *FundRequest) Clone() *FundRequest {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	return &clone
}

// Store persists fund requests.
type Store interface {
	Insert(ctx context.Context, req *FundRequest) error
	Get(ctx context.Context, id string) (*FundRequest, error)
	// Resolve moves a pending request to a terminal state, stamping the
	// treasury address that will fund an approval. It fails with
	// ErrResolved when the request already left pending, so two
	// operators cannot both resolve the same request.
	Resolve(ctx context.Context, id string, state State, denialReason, fundingAddress string, now int64) (*FundRequest, error)
	// RecordFunding stores the broadcast transaction hash on an
	// approved request.
	RecordFunding(ctx context.Context, id, txHash string, now int64) error
	// List returns requests for a wallet, newest first. An empty
	// address lists all requests.
	List(ctx context.Context, walletAddress string) ([]*FundRequest, error)
}
