package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "prim-wallet/internal/errors"
	"prim-wallet/internal/vault"
	"prim-wallet/pkg/logger"
)

// registrationWindow bounds how far a registration timestamp may drift from
// server time, limiting proof replay.
const registrationWindow = 5 * time.Minute

// registrationMessage is the canonical EIP-191 message a wallet owner signs
// to prove control of the address.
func registrationMessage(address string, timestamp int64) string {
	return fmt.Sprintf("Register %s with prim.sh at %d", address, timestamp)
}

// RegisterRequest carries a registration proof. PrivateKey is optional: when
// present the key is imported into custody; when absent the wallet is
// recorded with a claim token for the legacy non-custodial hand-off.
type RegisterRequest struct {
	Address    string `json:"address"`
	Signature  string `json:"signature"`
	Timestamp  int64  `json:"timestamp"`
	Chain      string `json:"chain,omitempty"`
	Label      string `json:"label,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// Registry manages the durable wallet catalogue.
type Registry struct {
	store        Store
	vault        *vault.Vault
	defaultChain string
	now          func() time.Time
	audit        *slog.Logger
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry constructs the wallet registry.
func NewRegistry(store Store, v *vault.Vault, defaultChain string, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:        store,
		vault:        v,
		defaultChain: defaultChain,
		now:          time.Now,
		audit:        logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register verifies the ownership proof and inserts the wallet. Registering
// an address that already has a live row is idempotent and returns the
// existing wallet with created=false.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Wallet, bool, error) {
	if r == nil || r.store == nil {
		return nil, false, xerrors.New(xerrors.CodeInitFailure, "wallet registry not initialised")
	}
	if !common.IsHexAddress(req.Address) {
		return nil, false, xerrors.New(xerrors.CodeInvalidRequest, fmt.Sprintf("%q is not a valid address", req.Address))
	}
	address := common.HexToAddress(req.Address).Hex()

	now := r.now()
	drift := now.Unix() - req.Timestamp
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(registrationWindow.Seconds()) {
		return nil, false, xerrors.New(CodeStaleTimestamp,
			fmt.Sprintf("timestamp %d is outside the %s registration window", req.Timestamp, registrationWindow))
	}

	if err := verifyOwnershipProof(address, req.Signature, req.Timestamp); err != nil {
		return nil, false, err
	}

	existing, err := r.store.Get(ctx, address)
	if err == nil {
		if existing.Deactivated() {
			return nil, false, ErrWalletDeactivated
		}
		return existing, false, nil
	}
	if xerrors.CodeOf(err) != CodeWalletNotFound {
		return nil, false, err
	}

	w := &Wallet{
		Address:   address,
		Chain:     strings.TrimSpace(req.Chain),
		Label:     strings.TrimSpace(req.Label),
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
	}
	if w.Chain == "" {
		w.Chain = r.defaultChain
	}

	if strings.TrimSpace(req.PrivateKey) != "" {
		blob, err := r.importKey(address, req.PrivateKey)
		if err != nil {
			return nil, false, err
		}
		w.EncryptedKey = blob
	} else {
		token, err := newClaimToken()
		if err != nil {
			return nil, false, err
		}
		w.ClaimToken = token
	}

	if err := r.store.Insert(ctx, w); err != nil {
		// Lost a race with a concurrent registration of the same address.
		if xerrors.CodeOf(err) == CodeWalletExists {
			winner, getErr := r.store.Get(ctx, address)
			if getErr == nil {
				return winner, false, nil
			}
		}
		return nil, false, err
	}

	r.audit.Info("wallet registered",
		"address", address,
		"chain", w.Chain,
		"custodial", w.Custodial(),
	)
	return w, true, nil
}

// importKey validates that the uploaded key controls the claimed address and
// seals it. The plaintext is zeroed before returning.
func (r *Registry) importKey(address, privateKeyHex string) ([]byte, error) {
	if r.vault == nil {
		return nil, xerrors.New(xerrors.CodeInitFailure, "key vault not configured")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, xerrors.New(xerrors.CodeInvalidRequest, "private key is not valid")
	}
	derived := crypto.PubkeyToAddress(key.PublicKey).Hex()
	if !strings.EqualFold(derived, address) {
		return nil, xerrors.New(CodeBadProof, "private key does not control the claimed address")
	}

	plaintext := crypto.FromECDSA(key)
	defer vault.Zero(plaintext)
	return r.vault.Encrypt(plaintext)
}

// SigningKey unseals the custodial key for a live wallet. Callers must
// discard the key as soon as the signature is produced.
func (r *Registry) SigningKey(ctx context.Context, address string) (*ecdsa.PrivateKey, error) {
	w, err := r.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	if w.Deactivated() {
		return nil, ErrWalletDeactivated
	}
	if !w.Custodial() {
		return nil, ErrWalletNotCustodial
	}
	if r.vault == nil {
		return nil, xerrors.New(xerrors.CodeInitFailure, "key vault not configured")
	}

	plaintext, err := r.vault.Decrypt(w.EncryptedKey)
	if err != nil {
		return nil, err
	}
	defer vault.Zero(plaintext)

	key, err := crypto.ToECDSA(plaintext)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCryptoFailure, err, "unsealed key is not a valid secp256k1 key")
	}
	return key, nil
}

// Get returns the wallet record for an address.
func (r *Registry) Get(ctx context.Context, address string) (*Wallet, error) {
	if !common.IsHexAddress(address) {
		return nil, xerrors.New(xerrors.CodeInvalidRequest, fmt.Sprintf("%q is not a valid address", address))
	}
	return r.store.Get(ctx, common.HexToAddress(address).Hex())
}

// Deactivate soft-deletes the wallet. The transition is one-way; repeating
// it returns the already-deactivated record.
func (r *Registry) Deactivate(ctx context.Context, address string) (*Wallet, error) {
	w, err := r.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	if w.Deactivated() {
		return w, nil
	}
	deactivated, err := r.store.Deactivate(ctx, w.Address, r.now().Unix())
	if err != nil {
		return nil, err
	}
	r.audit.Info("wallet deactivated", "address", w.Address)
	return deactivated, nil
}

// List returns up to limit wallets for operator tooling.
func (r *Registry) List(ctx context.Context, limit int) ([]*Wallet, error) {
	return r.store.List(ctx, limit)
}

// verifyOwnershipProof recovers the EIP-191 signer of the canonical
// registration message and requires it to equal the claimed address.
func verifyOwnershipProof(address, signature string, timestamp int64) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return xerrors.New(CodeBadProof, "signature must be a 65-byte hex string")
	}
	// Normalise the recovery id: wallets emit 27/28, geth expects 0/1.
	recovery := append([]byte(nil), sig...)
	if recovery[crypto.RecoveryIDOffset] >= 27 {
		recovery[crypto.RecoveryIDOffset] -= 27
	}

	digest := accounts.TextHash([]byte(registrationMessage(address, timestamp)))
	pub, err := crypto.SigToPub(digest, recovery)
	if err != nil {
		return xerrors.New(CodeBadProof, "signature recovery failed")
	}
	if recovered := crypto.PubkeyToAddress(*pub).Hex(); !strings.EqualFold(recovered, address) {
		return xerrors.New(CodeBadProof, "signature was not produced by the claimed address")
	}
	return nil
}

func newClaimToken() (string, error) {
	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return "", xerrors.Wrap(xerrors.CodeCryptoFailure, err, "generate claim token")
	}
	return hex.EncodeToString(token), nil
}
