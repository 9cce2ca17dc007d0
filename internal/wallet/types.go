package wallet

import (
	"context"

	xerrors "prim-wallet/internal/errors"
)

// Wallet is the durable record of a custodial wallet. The plaintext private
// key never appears here: EncryptedKey holds the vault envelope and is
// excluded from every JSON rendering.
type Wallet struct {
	Address       string `json:"address"`
	Chain         string `json:"chain"`
	Label         string `json:"label,omitempty"`
	EncryptedKey  []byte `json:"-"`
	ClaimToken    string `json:"claim_token,omitempty"`
	DeactivatedAt int64  `json:"deactivated_at,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// Deactivated reports whether the wallet has been soft-deleted.
func (w *Wallet) Deactivated() bool {
	return w != nil && w.DeactivatedAt > 0
}

// Custodial reports whether this service holds the wallet's key. Legacy
// claim-token wallets are registered but cannot be signed for.
func (w *Wallet) Custodial() bool {
	return w != nil && len(w.EncryptedKey) > 0
}

// Clone returns a copy safe to hand to callers.
func (w *Wallet) Clone() *Wallet {
	if w == nil {
		return nil
	}
	clone := *w
	clone.EncryptedKey = append([]byte(nil), w.EncryptedKey...)
	return &clone
}

// Store abstracts wallet persistence. Implementations must be safe for
// concurrent use; the wallet row is the unit of concurrency control.
type Store interface {
	Insert(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, address string) (*Wallet, error)
	Deactivate(ctx context.Context, address string, at int64) (*Wallet, error)
	List(ctx context.Context, limit int) ([]*Wallet, error)
}

const (
	CodeWalletNotFound     xerrors.Code = "WALLET_NOT_FOUND"
	CodeWalletDeactivated  xerrors.Code = "WALLET_DEACTIVATED"
	CodeWalletExists       xerrors.Code = "WALLET_EXISTS"
	CodeWalletNotCustodial xerrors.Code = "WALLET_NOT_CUSTODIAL"
	CodeBadProof           xerrors.Code = "REGISTRATION_PROOF_INVALID"
	CodeStaleTimestamp     xerrors.Code = "REGISTRATION_TIMESTAMP_STALE"
)

var (
	// ErrWalletNotFound indicates no wallet is registered for the address.
	ErrWalletNotFound = xerrors.New(CodeWalletNotFound, "wallet not found")
	// ErrWalletDeactivated indicates a soft-deleted wallet; deactivation is
	// one-way, so the wallet can never be charged or re-registered.
	ErrWalletDeactivated = xerrors.New(CodeWalletDeactivated, "wallet deactivated")
	// ErrWalletExists is returned by stores on duplicate insert.
	ErrWalletExists = xerrors.New(CodeWalletExists, "wallet already registered")
	// ErrWalletNotCustodial indicates the wallet was registered via the
	// legacy claim-token hand-off and holds no key material.
	ErrWalletNotCustodial = xerrors.New(CodeWalletNotCustodial, "wallet key is not held by this service")
)

func init() {
	xerrors.Register(CodeWalletNotFound, xerrors.Attributes{
		Message:  "wallet not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeWalletDeactivated, xerrors.Attributes{
		Message:  "wallet deactivated",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeWalletExists, xerrors.Attributes{
		Message:  "wallet already registered",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeWalletNotCustodial, xerrors.Attributes{
		Message:  "wallet key is not held by this service",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeBadProof, xerrors.Attributes{
		Message:  "registration proof invalid",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeStaleTimestamp, xerrors.Attributes{
		Message:  "registration timestamp outside the accepted window",
		Severity: xerrors.SeverityInfo,
	})
}
