package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "prim-wallet/internal/errors"
	"prim-wallet/pkg/logger"
	"prim-wallet/pkg/x402"
)

const daySeconds = int64(24 * time.Hour / time.Second)

// SpendingPolicy constrains what a wallet may pay for. Nil caps mean
// unlimited; nil AllowedPrimitives means every upstream host is allowed.
// Amounts are base token units.
type SpendingPolicy struct {
	WalletAddress     string
	MaxPerTx          *big.Int
	MaxPerDay         *big.Int
	AllowedPrimitives []string
	DailySpent        *big.Int
	DailyResetAt      int64
	UpdatedAt         int64
}

// Clone returns a deep copy.
func (p *SpendingPolicy) Clone() *SpendingPolicy {
	if p == nil {
		return nil
	}
	clone := *p
	clone.MaxPerTx = copyInt(p.MaxPerTx)
	clone.MaxPerDay = copyInt(p.MaxPerDay)
	clone.DailySpent = copyInt(p.DailySpent)
	clone.AllowedPrimitives = append([]string(nil), p.AllowedPrimitives...)
	return &clone
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// rollWindow lazily advances the daily window. The reset happens exactly
// once per elapsed boundary, at evaluation time; no background timer exists.
func (p *SpendingPolicy) rollWindow(now int64) {
	if p.DailyResetAt == 0 {
		p.DailyResetAt = now + daySeconds
		return
	}
	if now < p.DailyResetAt {
		return
	}
	if p.DailySpent != nil {
		p.DailySpent.SetInt64(0)
	}
	for p.DailyResetAt <= now {
		p.DailyResetAt += daySeconds
	}
}

// RollWindow advances the daily window in place. Store implementations
// that do the commit arithmetic outside this package call it under
// their own row lock.
func (p *SpendingPolicy) RollWindow(now int64) {
	p.rollWindow(now)
}

// Store persists spending policies. Reserve must be an atomic
// read-modify-write so concurrent payments cannot jointly breach the daily
// cap: at most one reservation for the remaining budget succeeds.
type Store interface {
	Get(ctx context.Context, walletAddress string) (*SpendingPolicy, error)
	Put(ctx context.Context, p *SpendingPolicy) error
	// Reserve debits the daily counter, refusing the debit when it
	// would push the counter past max_per_day.
	Reserve(ctx context.Context, walletAddress string, amount *big.Int, now int64) error
	// Release returns a reserved amount after the payment did not
	// settle. The counter never goes below zero.
	Release(ctx context.Context, walletAddress string, amount *big.Int, now int64) error
}

const (
	CodePolicyNotFound xerrors.Code = "POLICY_NOT_FOUND"
)

var (
	// ErrPolicyNotFound indicates no policy row for the wallet; the engine
	// treats a missing policy as unconstrained.
	ErrPolicyNotFound = xerrors.New(CodePolicyNotFound, "spending policy not found")
)

func init() {
	xerrors.Register(CodePolicyNotFound, xerrors.Attributes{
		Message:  "spending policy not found",
		Severity: xerrors.SeverityInfo,
	})
}

// Engine evaluates spending policies. Reserve runs before any signing
// and holds the budget for the payment; Release returns it when the
// payment does not settle, so a rejected or failed payment never keeps
// budget for long and a concurrent payment can never overdraw the day.
type Engine struct {
	store Store
	now   func() time.Time
	audit *slog.Logger
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs a spend policy engine.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{store: store, now: time.Now, audit: logger.Audit()}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Reserve checks amount (base units) against the wallet's per-transaction
// cap, the target host against its primitive allowlist, and then debits the
// daily counter atomically. All of this runs before any cryptographic work,
// so a payment that would overdraw the day is refused before key material
// is touched. A held reservation must end in Release unless the payment
// settled.
func (e *Engine) Reserve(ctx context.Context, walletAddress string, amount *big.Int, host string) error {
	if e == nil || e.store == nil {
		return xerrors.New(xerrors.CodeInitFailure, "policy engine not initialised")
	}
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidRequest, "payment amount is invalid")
	}

	p, err := e.store.Get(ctx, walletAddress)
	if err != nil {
		if xerrors.CodeOf(err) == CodePolicyNotFound {
			return nil
		}
		return err
	}

	if p.MaxPerTx != nil && amount.Cmp(p.MaxPerTx) > 0 {
		return xerrors.New(xerrors.CodeExceedsPolicy,
			fmt.Sprintf("amount %s exceeds max_per_tx %s",
				x402.FormatAmount(amount), x402.FormatAmount(p.MaxPerTx)))
	}
	if p.AllowedPrimitives != nil {
		if !hostAllowed(p.AllowedPrimitives, host) {
			return xerrors.New(xerrors.CodeExceedsPolicy,
				fmt.Sprintf("primitive %q is not in the wallet's allowlist", host))
		}
	}

	// The daily debit happens inside the store under its row lock, so
	// two payments racing on the same remaining budget cannot both win.
	if err := e.store.Reserve(ctx, walletAddress, amount, e.now().Unix()); err != nil {
		return err
	}
	e.audit.Info("budget reserved", "address", walletAddress, "amount", x402.FormatAmount(amount))
	return nil
}

// Release returns a reserved amount to the daily budget after a payment
// failed or was rejected by the provider.
func (e *Engine) Release(ctx context.Context, walletAddress string, amount *big.Int) error {
	if e == nil || e.store == nil {
		return xerrors.New(xerrors.CodeInitFailure, "policy engine not initialised")
	}
	err := e.store.Release(ctx, walletAddress, amount, e.now().Unix())
	if err != nil {
		if xerrors.CodeOf(err) == CodePolicyNotFound {
			return nil
		}
		return err
	}
	e.audit.Info("budget released", "address", walletAddress, "amount", x402.FormatAmount(amount))
	return nil
}

// Get returns the wallet's policy.
func (e *Engine) Get(ctx context.Context, walletAddress string) (*SpendingPolicy, error) {
	return e.store.Get(ctx, walletAddress)
}

// Put replaces the wallet's policy, preserving the running daily counter so
// a policy edit cannot reset spent budget.
func (e *Engine) Put(ctx context.Context, p *SpendingPolicy) error {
	if p == nil || p.WalletAddress == "" {
		return xerrors.New(xerrors.CodeInvalidRequest, "policy wallet address is required")
	}
	now := e.now().Unix()
	if existing, err := e.store.Get(ctx, p.WalletAddress); err == nil {
		p.DailySpent = copyInt(existing.DailySpent)
		p.DailyResetAt = existing.DailyResetAt
	} else if xerrors.CodeOf(err) != CodePolicyNotFound {
		return err
	}
	if p.DailySpent == nil {
		p.DailySpent = big.NewInt(0)
	}
	if p.DailyResetAt == 0 {
		p.DailyResetAt = now + daySeconds
	}
	p.UpdatedAt = now
	if err := e.store.Put(ctx, p); err != nil {
		return err
	}
	e.audit.Info("spending policy updated", "address", p.WalletAddress)
	return nil
}

func hostAllowed(allowed []string, host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	for _, candidate := range allowed {
		if strings.ToLower(strings.TrimSpace(candidate)) == host {
			return true
		}
	}
	return false
}
