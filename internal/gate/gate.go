package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "prim-wallet/internal/errors"
	"prim-wallet/internal/wallet"
	"prim-wallet/pkg/logger"
)

// State tracks a wallet through the allowlist workflow. An address with no
// record is unregistered; deactivation is observed through the wallet row
// and is terminal.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
)

// Scope names what a pause covers. Pause/resume is reversible.
type Scope string

const (
	ScopeAll  Scope = "all"
	ScopeSend Scope = "send"
	ScopeSwap Scope = "swap"
)

// ParseScope validates a pause scope from the wire, defaulting to all.
func ParseScope(raw string) (Scope, error) {
	switch Scope(raw) {
	case "", ScopeAll:
		return ScopeAll, nil
	case ScopeSend:
		return ScopeSend, nil
	case ScopeSwap:
		return ScopeSwap, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidRequest, fmt.Sprintf("unknown pause scope %q", raw))
	}
}

// Record is the durable allowlist state for one wallet.
type Record struct {
	WalletAddress string  `json:"wallet_address"`
	State         State   `json:"state"`
	PausedScopes  []Scope `json:"paused_scopes,omitempty"`
	UpdatedAt     int64   `json:"updated_at"`
}

// Clone returns a copy safe to hand out.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.PausedScopes = append([]Scope(nil), r.PausedScopes...)
	return &clone
}

func (r *Record) pausedFor(scope Scope) bool {
	for _, paused := range r.PausedScopes {
		if paused == ScopeAll || paused == scope {
			return true
		}
	}
	return false
}

// Store persists allowlist records.
type Store interface {
	Get(ctx context.Context, walletAddress string) (*Record, error)
	Put(ctx context.Context, r *Record) error
}

const (
	CodeNotAllowlisted xerrors.Code = "WALLET_NOT_ALLOWLISTED"
	CodeWalletPaused   xerrors.Code = "WALLET_PAUSED"
	CodeNoRecord       xerrors.Code = "ACCESS_RECORD_NOT_FOUND"
)

// ErrNoRecord is returned by stores for unregistered addresses.
var ErrNoRecord = xerrors.New(CodeNoRecord, "no access record for wallet")

func init() {
	xerrors.Register(CodeNotAllowlisted, xerrors.Attributes{
		Message:  "wallet is not allowlisted",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeWalletPaused, xerrors.Attributes{
		Message:  "wallet is paused",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNoRecord, xerrors.Attributes{
		Message:  "no access record for wallet",
		Severity: xerrors.SeverityInfo,
	})
}

// followUpAction tells a rejected caller how to enter the approval workflow
// without out-of-band coordination.
func followUpAction(address string) xerrors.Option {
	return xerrors.WithMetadata("action",
		fmt.Sprintf("POST /v1/wallets/%s/fund-request", address))
}

// Gate is the allowlist check that must pass before a wallet may be charged,
// independent of funds and spending policy.
type Gate struct {
	store   Store
	wallets wallet.Store
	now     func() time.Time
	audit   *slog.Logger
}

// New constructs an access gate over the given stores.
func New(store Store, wallets wallet.Store) *Gate {
	return &Gate{store: store, wallets: wallets, now: time.Now, audit: logger.Audit()}
}

// Check reports whether the wallet may be charged for the given scope.
// Deactivated, unregistered, pending, denied and relevantly-paused wallets
// are all rejected regardless of available funds.
func (g *Gate) Check(ctx context.Context, address string, scope Scope) error {
	if g == nil || g.store == nil {
		return xerrors.New(xerrors.CodeInitFailure, "access gate not initialised")
	}

	w, err := g.wallets.Get(ctx, address)
	if err != nil {
		return err
	}
	if w.Deactivated() {
		return wallet.ErrWalletDeactivated
	}

	record, err := g.store.Get(ctx, address)
	if err != nil {
		if xerrors.CodeOf(err) == CodeNoRecord {
			return xerrors.New(CodeNotAllowlisted,
				fmt.Sprintf("wallet %s is not allowlisted", address), followUpAction(address))
		}
		return err
	}

	switch record.State {
	case StateApproved:
		if record.pausedFor(scope) {
			return xerrors.New(CodeWalletPaused,
				fmt.Sprintf("wallet %s is paused for scope %s", address, scope))
		}
		return nil
	case StatePending:
		return xerrors.New(CodeNotAllowlisted,
			fmt.Sprintf("wallet %s is awaiting approval", address), followUpAction(address))
	default:
		return xerrors.New(CodeNotAllowlisted,
			fmt.Sprintf("wallet %s was denied access", address), followUpAction(address))
	}
}

// Request moves an unregistered or denied wallet into the pending state. It
// is idempotent for wallets already pending or approved.
func (g *Gate) Request(ctx context.Context, address string) (*Record, error) {
	record, err := g.store.Get(ctx, address)
	if err != nil {
		if xerrors.CodeOf(err) != CodeNoRecord {
			return nil, err
		}
		record = &Record{WalletAddress: address}
	}
	if record.State == StateApproved || record.State == StatePending {
		return record, nil
	}
	record.State = StatePending
	record.UpdatedAt = g.now().Unix()
	if err := g.store.Put(ctx, record); err != nil {
		return nil, err
	}
	g.audit.Info("access requested", "address", address)
	return record.Clone(), nil
}

// Approve allowlists the wallet.
func (g *Gate) Approve(ctx context.Context, address string) (*Record, error) {
	return g.transition(ctx, address, StateApproved)
}

// Deny rejects the wallet's access request.
func (g *Gate) Deny(ctx context.Context, address string) (*Record, error) {
	return g.transition(ctx, address, StateDenied)
}

func (g *Gate) transition(ctx context.Context, address string, to State) (*Record, error) {
	record, err := g.store.Get(ctx, address)
	if err != nil {
		if xerrors.CodeOf(err) != CodeNoRecord {
			return nil, err
		}
		record = &Record{WalletAddress: address}
	}
	record.State = to
	record.UpdatedAt = g.now().Unix()
	if err := g.store.Put(ctx, record); err != nil {
		return nil, err
	}
	g.audit.Info("access state changed", "address", address, "state", string(to))
	return record.Clone(), nil
}

// Pause suspends an approved wallet for the given scope. Pausing is
// reversible, unlike deactivation.
func (g *Gate) Pause(ctx context.Context, address string, scope Scope) (*Record, error) {
	record, err := g.store.Get(ctx, address)
	if err != nil {
		if xerrors.CodeOf(err) == CodeNoRecord {
			return nil, xerrors.New(CodeNotAllowlisted,
				fmt.Sprintf("wallet %s is not allowlisted", address))
		}
		return nil, err
	}
	if record.State != StateApproved {
		return nil, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("wallet %s is %s, only approved wallets can be paused", address, record.State))
	}
	if !containsScope(record.PausedScopes, scope) {
		record.PausedScopes = append(record.PausedScopes, scope)
	}
	record.UpdatedAt = g.now().Unix()
	if err := g.store.Put(ctx, record); err != nil {
		return nil, err
	}
	g.audit.Info("wallet paused", "address", address, "scope", string(scope))
	return record.Clone(), nil
}

// Resume lifts a pause. Scope all clears every pause.
func (g *Gate) Resume(ctx context.Context, address string, scope Scope) (*Record, error) {
	record, err := g.store.Get(ctx, address)
	if err != nil {
		if xerrors.CodeOf(err) == CodeNoRecord {
			return nil, xerrors.New(CodeNotAllowlisted,
				fmt.Sprintf("wallet %s is not allowlisted", address))
		}
		return nil, err
	}
	if scope == ScopeAll {
		record.PausedScopes = nil
	} else {
		kept := record.PausedScopes[:0]
		for _, paused := range record.PausedScopes {
			if paused != scope {
				kept = append(kept, paused)
			}
		}
		record.PausedScopes = kept
	}
	record.UpdatedAt = g.now().Unix()
	if err := g.store.Put(ctx, record); err != nil {
		return nil, err
	}
	g.audit.Info("wallet resumed", "address", address, "scope", string(scope))
	return record.Clone(), nil
}

// Get returns the allowlist record for an address.
func (g *Gate) Get(ctx context.Context, address string) (*Record, error) {
	return g.store.Get(ctx, address)
}

func containsScope(scopes []Scope, scope Scope) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
