package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "prim-wallet/internal/errors"
	"prim-wallet/internal/vault"
)

func testRegistry(t *testing.T, now time.Time) *Registry {
	t.Helper()
	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		t.Fatalf("master key: %v", err)
	}
	v, err := vault.New(masterKey)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return NewRegistry(NewMemoryStore(), v, "eip155:8453", WithClock(func() time.Time { return now }))
}

func signedRequest(t *testing.T, key *ecdsa.PrivateKey, timestamp int64) RegisterRequest {
	t.Helper()
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	digest := accounts.TextHash([]byte(registrationMessage(address, timestamp)))
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign registration proof: %v", err)
	}
	// Wallets emit the 27/28 form.
	sig[crypto.RecoveryIDOffset] += 27
	return RegisterRequest{
		Address:   address,
		Signature: "0x" + hex.EncodeToString(sig),
		Timestamp: timestamp,
	}
}

func TestRegisterVerifiesProof(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	registry := testRegistry(t, now)
	key, _ := crypto.GenerateKey()

	req := signedRequest(t, key, now.Unix())
	w, created, err := registry.Register(context.Background(), req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh registration")
	}
	if w.Address != req.Address {
		t.Fatalf("unexpected address: %s", w.Address)
	}
	if w.Chain != "eip155:8453" {
		t.Fatalf("expected default chain, got %s", w.Chain)
	}
	if w.Custodial() {
		t.Fatal("registration without a key must not be custodial")
	}
	if w.ClaimToken == "" {
		t.Fatal("legacy registration must carry a claim token")
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	registry := testRegistry(t, now)
	key, _ := crypto.GenerateKey()

	first, created, err := registry.Register(context.Background(), signedRequest(t, key, now.Unix()))
	if err != nil || !created {
		t.Fatalf("first register: created=%v err=%v", created, err)
	}

	// Same address, fresh valid proof: idempotent success.
	second, created, err := registry.Register(context.Background(), signedRequest(t, key, now.Unix()+30))
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if created {
		t.Fatal("re-registration must not create a new row")
	}
	if second.CreatedAt != first.CreatedAt || second.ClaimToken != first.ClaimToken {
		t.Fatal("re-registration must return the original row")
	}
}

func TestRegisterRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	registry := testRegistry(t, now)
	key, _ := crypto.GenerateKey()

	for _, ts := range []int64{now.Unix() - 301, now.Unix() + 301} {
		// The proof itself is valid; only the window check must reject it.
		req := signedRequest(t, key, ts)
		if _, _, err := registry.Register(context.Background(), req); xerrors.CodeOf(err) != CodeStaleTimestamp {
			t.Fatalf("timestamp %d: expected stale-timestamp error, got %v", ts, err)
		}
	}

	// Boundary: exactly five minutes of drift is accepted.
	req := signedRequest(t, key, now.Unix()-300)
	if _, _, err := registry.Register(context.Background(), req); err != nil {
		t.Fatalf("five-minute-old timestamp rejected: %v", err)
	}
}

func TestRegisterRejectsWrongSigner(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	registry := testRegistry(t, now)
	owner, _ := crypto.GenerateKey()
	imposter, _ := crypto.GenerateKey()

	req := signedRequest(t, imposter, now.Unix())
	req.Address = crypto.PubkeyToAddress(owner.PublicKey).Hex()
	if _, _, err := registry.Register(context.Background(), req); xerrors.CodeOf(err) != CodeBadProof {
		t.Fatalf("expected proof error, got %v", err)
	}
}

func TestRegisterImportsCustodialKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	registry := testRegistry(t, now)
	key, _ := crypto.GenerateKey()

	req := signedRequest(t, key, now.Unix())
	req.PrivateKey = hex.EncodeToString(crypto.FromECDSA(key))
	w, _, err := registry.Register(context.Background(), req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !w.Custodial() {
		t.Fatal("imported wallet must be custodial")
	}
	if w.ClaimToken != "" {
		t.Fatal("custodial wallet must not carry a claim token")
	}

	// The stored blob must decrypt back to the imported key.
	plaintext, err := registry.vault.Decrypt(w.EncryptedKey)
	if err != nil {
		t.Fatalf("decrypt stored key: %v", err)
	}
	if hex.EncodeToString(plaintext) != req.PrivateKey {
		t.Fatal("stored key does not round trip")
	}
}

func TestRegisterRejectsMismatchedKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	registry := testRegistry(t, now)
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()

	req := signedRequest(t, key, now.Unix())
	req.PrivateKey = hex.EncodeToString(crypto.FromECDSA(other))
	if _, _, err := registry.Register(context.Background(), req); xerrors.CodeOf(err) != CodeBadProof {
		t.Fatalf("expected proof error, got %v", err)
	}
}

func TestDeactivateIsOneWay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	registry := testRegistry(t, now)
	key, _ := crypto.GenerateKey()

	w, _, err := registry.Register(context.Background(), signedRequest(t, key, now.Unix()))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	deactivated, err := registry.Deactivate(context.Background(), w.Address)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if !deactivated.Deactivated() {
		t.Fatal("wallet not marked deactivated")
	}

	// Repeat delete is a no-op returning the same record.
	again, err := registry.Deactivate(context.Background(), w.Address)
	if err != nil {
		t.Fatalf("repeat deactivate: %v", err)
	}
	if again.DeactivatedAt != deactivated.DeactivatedAt {
		t.Fatal("repeat deactivate changed the timestamp")
	}

	// A deactivated wallet cannot be re-registered.
	if _, _, err := registry.Register(context.Background(), signedRequest(t, key, now.Unix())); xerrors.CodeOf(err) != CodeWalletDeactivated {
		t.Fatalf("expected deactivated error, got %v", err)
	}
}
