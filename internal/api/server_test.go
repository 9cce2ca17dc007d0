package api

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"prim-wallet/internal/auth"
	"prim-wallet/internal/fundreq"
	"prim-wallet/internal/gate"
	"prim-wallet/internal/policy"
	"prim-wallet/internal/wallet"
)

type serverEnv struct {
	handler     http.Handler
	walletStore *wallet.MemoryStore
	accessGate  *gate.Gate
}

func newServerEnv(t *testing.T, authSvc *auth.Service) *serverEnv {
	t.Helper()

	walletStore := wallet.NewMemoryStore()
	registry := wallet.NewRegistry(walletStore, nil, "eip155:8453")
	accessGate := gate.New(gate.NewMemoryStore(), walletStore)
	engine := policy.NewEngine(policy.NewMemoryStore())
	requests := fundreq.NewService(fundreq.NewMemoryStore(), walletStore, accessGate)

	server := NewServer(":0", Dependencies{
		Wallets:      registry,
		Policies:     engine,
		AccessGate:   accessGate,
		FundRequests: requests,
		Auth:         authSvc,
	})
	return &serverEnv{
		handler:     server.Handler(),
		walletStore: walletStore,
		accessGate:  accessGate,
	}
}

func (e *serverEnv) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// signedRegistration produces a valid ownership proof for a fresh key.
func signedRegistration(t *testing.T) (*ecdsa.PrivateKey, wallet.RegisterRequest) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	timestamp := time.Now().Unix()
	message := fmt.Sprintf("Register %s with prim.sh at %d", address, timestamp)
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return key, wallet.RegisterRequest{
		Address:   address,
		Signature: hex.EncodeToString(sig),
		Timestamp: timestamp,
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestRegisterWallet(t *testing.T) {
	env := newServerEnv(t, nil)
	_, req := signedRegistration(t)

	rec := env.do(t, http.MethodPost, "/v1/wallets", req, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created wallet.Wallet
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode wallet: %v", err)
	}
	if created.Address != req.Address {
		t.Fatalf("unexpected address: got %q want %q", created.Address, req.Address)
	}
	if created.Chain != "eip155:8453" {
		t.Fatalf("default chain not applied: %q", created.Chain)
	}

	// Same proof again is idempotent.
	rec = env.do(t, http.MethodPost, "/v1/wallets", req, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on re-registration, got %d", rec.Code)
	}
}

func TestRegisterWalletRejectsStaleTimestamp(t *testing.T) {
	env := newServerEnv(t, nil)
	key, req := signedRegistration(t)

	req.Timestamp = time.Now().Add(-time.Hour).Unix()
	message := fmt.Sprintf("Register %s with prim.sh at %d", req.Address, req.Timestamp)
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	req.Signature = hex.EncodeToString(sig)

	rec := env.do(t, http.MethodPost, "/v1/wallets", req, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != string(wallet.CodeStaleTimestamp) {
		t.Fatalf("unexpected error code %q", detail.Code)
	}
}

func TestGetWalletRequiresAllowlist(t *testing.T) {
	env := newServerEnv(t, nil)
	_, req := signedRegistration(t)
	if rec := env.do(t, http.MethodPost, "/v1/wallets", req, nil); rec.Code != http.StatusCreated {
		t.Fatalf("register: %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/v1/wallets/"+req.Address, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-allowlisted wallet, got %d", rec.Code)
	}
	detail := decodeError(t, rec)
	if detail.Action == "" {
		t.Fatal("expected a follow-up action in the rejection")
	}
}

func TestFundRequestLifecycleOverREST(t *testing.T) {
	env := newServerEnv(t, nil)
	_, req := signedRegistration(t)
	if rec := env.do(t, http.MethodPost, "/v1/wallets", req, nil); rec.Code != http.StatusCreated {
		t.Fatalf("register: %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/v1/wallets/"+req.Address+"/fund-request",
		createFundRequestBody{Amount: "5.00", Reason: "bootstrap"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create fund request: %d: %s", rec.Code, rec.Body.String())
	}
	var created fundRequestView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode fund request: %v", err)
	}
	if created.State != fundreq.StatePending {
		t.Fatalf("expected pending, got %q", created.State)
	}
	if created.Amount != "5.000000" {
		t.Fatalf("unexpected amount view %q", created.Amount)
	}

	// Approval allowlists the wallet.
	rec = env.do(t, http.MethodPost, "/v1/fund-requests/"+created.ID+"/approve", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: %d: %s", rec.Code, rec.Body.String())
	}
	if rec = env.do(t, http.MethodGet, "/v1/wallets/"+req.Address, nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected wallet readable after approval, got %d", rec.Code)
	}

	// Resolution is terminal.
	rec = env.do(t, http.MethodPost, "/v1/fund-requests/"+created.ID+"/deny", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on re-resolution, got %d", rec.Code)
	}

	// Listing includes the resolved request.
	rec = env.do(t, http.MethodGet, "/v1/wallets/"+req.Address+"/fund-requests", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var listed []fundRequestView
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].State != fundreq.StateApproved {
		t.Fatalf("unexpected listing: %+v", listed)
	}
}

func TestPauseAndResume(t *testing.T) {
	env := newServerEnv(t, nil)
	_, req := signedRegistration(t)
	if rec := env.do(t, http.MethodPost, "/v1/wallets", req, nil); rec.Code != http.StatusCreated {
		t.Fatalf("register: %d", rec.Code)
	}
	if _, err := env.accessGate.Request(t.Context(), req.Address); err != nil {
		t.Fatalf("request access: %v", err)
	}
	if _, err := env.accessGate.Approve(t.Context(), req.Address); err != nil {
		t.Fatalf("approve access: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/v1/wallets/"+req.Address+"/pause", pauseBody{Scope: "send"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: %d: %s", rec.Code, rec.Body.String())
	}
	var record gate.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if len(record.PausedScopes) != 1 || record.PausedScopes[0] != gate.ScopeSend {
		t.Fatalf("unexpected paused scopes: %+v", record.PausedScopes)
	}

	rec = env.do(t, http.MethodPost, "/v1/wallets/"+req.Address+"/resume", pauseBody{Scope: "send"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: %d", rec.Code)
	}
	var resumed gate.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &resumed); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if len(resumed.PausedScopes) != 0 {
		t.Fatalf("expected no paused scopes, got %+v", resumed.PausedScopes)
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	env := newServerEnv(t, nil)
	_, req := signedRegistration(t)
	if rec := env.do(t, http.MethodPost, "/v1/wallets", req, nil); rec.Code != http.StatusCreated {
		t.Fatalf("register: %d", rec.Code)
	}

	maxPerTx := "1.00"
	rec := env.do(t, http.MethodPut, "/v1/wallets/"+req.Address+"/policy",
		policyUpdate{MaxPerTx: &maxPerTx, AllowedPrimitives: []string{"dns.prim.sh"}}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put policy: %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/v1/wallets/"+req.Address+"/policy", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get policy: %d", rec.Code)
	}
	var view policyView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode policy: %v", err)
	}
	if view.MaxPerTx == nil || *view.MaxPerTx != "1.000000" {
		t.Fatalf("unexpected max_per_tx: %+v", view.MaxPerTx)
	}
	if view.MaxPerDay != nil {
		t.Fatalf("expected null max_per_day, got %q", *view.MaxPerDay)
	}
	if len(view.AllowedPrimitives) != 1 || view.AllowedPrimitives[0] != "dns.prim.sh" {
		t.Fatalf("unexpected allowlist: %+v", view.AllowedPrimitives)
	}

	// Null caps clear limits.
	rec = env.do(t, http.MethodPut, "/v1/wallets/"+req.Address+"/policy", policyUpdate{}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear policy: %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode policy: %v", err)
	}
	if view.MaxPerTx != nil || view.AllowedPrimitives != nil {
		t.Fatalf("expected cleared policy, got %+v", view)
	}
}

func TestPolicyForUnknownWallet(t *testing.T) {
	env := newServerEnv(t, nil)
	maxPerTx := "1.00"
	rec := env.do(t, http.MethodPut, "/v1/wallets/0x00000000000000000000000000000000000000aa/policy",
		policyUpdate{MaxPerTx: &maxPerTx}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeactivateWallet(t *testing.T) {
	env := newServerEnv(t, nil)
	_, req := signedRegistration(t)
	if rec := env.do(t, http.MethodPost, "/v1/wallets", req, nil); rec.Code != http.StatusCreated {
		t.Fatalf("register: %d", rec.Code)
	}

	rec := env.do(t, http.MethodDelete, "/v1/wallets/"+req.Address, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deactivate: %d", rec.Code)
	}
	var resp deactivateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Deactivated || resp.DeactivatedAt == 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// Registration of a deactivated address is refused.
	rec = env.do(t, http.MethodPost, "/v1/wallets", req, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 re-registering deactivated wallet, got %d", rec.Code)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	store, err := auth.NewMemoryStore(nil)
	if err != nil {
		t.Fatalf("auth store: %v", err)
	}
	authSvc, err := auth.NewService(t.Context(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "test-secret", Issuer: "prim-wallet"},
		Seeds: []auth.Seed{{
			Username:    "ops",
			Password:    "hunter2!",
			Permissions: []string{auth.PermFundRequestResolve, auth.PermGateManage},
		}},
	}, store)
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	env := newServerEnv(t, authSvc)

	_, req := signedRegistration(t)
	if rec := env.do(t, http.MethodPost, "/v1/wallets", req, nil); rec.Code != http.StatusCreated {
		t.Fatalf("register: %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/v1/wallets/"+req.Address+"/fund-request",
		createFundRequestBody{Amount: "1.00"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create fund request: %d", rec.Code)
	}
	var created fundRequestView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// No token.
	rec = env.do(t, http.MethodPost, "/v1/fund-requests/"+created.ID+"/approve", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/v1/wallets/"+req.Address+"/pause", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 pausing without token, got %d", rec.Code)
	}

	// Exchange credentials for a token.
	rec = env.do(t, http.MethodPost, "/v1/auth/token",
		auth.TokenRequest{Username: "ops", Password: "hunter2!"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("token: %d: %s", rec.Code, rec.Body.String())
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode token pair: %v", err)
	}

	header := http.Header{"Authorization": {"Bearer " + pair.AccessToken}}
	rec = env.do(t, http.MethodPost, "/v1/fund-requests/"+created.ID+"/approve", nil, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve with token: %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/v1/wallets/"+req.Address+"/pause", nil, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause with token: %d: %s", rec.Code, rec.Body.String())
	}

	// Bad credentials stay out.
	rec = env.do(t, http.MethodPost, "/v1/auth/token",
		auth.TokenRequest{Username: "ops", Password: "wrong"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad credentials, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newServerEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

func TestUnknownWalletSubRoute(t *testing.T) {
	env := newServerEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/wallets/0x00000000000000000000000000000000000000aa/unknown", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
