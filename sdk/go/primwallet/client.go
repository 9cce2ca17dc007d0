// Package primwallet is the Go client for the prim-wallet REST API:
// wallet registration, spending policies, the fund request workflow and
// proxied paid fetches.
package primwallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom
// http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the wallet service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials are operator credentials for the token endpoint.
type Credentials struct {
	GrantType string `json:"grant_type,omitempty"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// Token is an issued operator token pair.
type Token struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
}

// Registration is the ownership proof submitted to register a wallet.
type Registration struct {
	Address    string `json:"address"`
	Signature  string `json:"signature"`
	Timestamp  int64  `json:"timestamp"`
	Chain      string `json:"chain,omitempty"`
	Label      string `json:"label,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// Wallet is the service's view of a registered wallet. The encrypted
// key never crosses the wire.
type Wallet struct {
	Address       string `json:"address"`
	Chain         string `json:"chain"`
	Label         string `json:"label,omitempty"`
	ClaimToken    string `json:"claim_token,omitempty"`
	DeactivatedAt int64  `json:"deactivated_at,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// Deactivation confirms a wallet soft-delete.
type Deactivation struct {
	Address       string `json:"address"`
	Deactivated   bool   `json:"deactivated"`
	DeactivatedAt int64  `json:"deactivated_at"`
}

// Policy mirrors the spending policy wire shape. Null caps mean
// unlimited and a null allowlist admits every host.
type Policy struct {
	WalletAddress     string   `json:"wallet_address"`
	MaxPerTx          *string  `json:"max_per_tx"`
	MaxPerDay         *string  `json:"max_per_day"`
	AllowedPrimitives []string `json:"allowed_primitives"`
	DailySpent        string   `json:"daily_spent"`
	DailyResetAt      int64    `json:"daily_reset_at"`
	UpdatedAt         int64    `json:"updated_at"`
}

// PolicyUpdate carries the editable policy fields.
type PolicyUpdate struct {
	MaxPerTx          *string  `json:"max_per_tx"`
	MaxPerDay         *string  `json:"max_per_day"`
	AllowedPrimitives []string `json:"allowed_primitives"`
}

// FundRequest is one funding ask and its resolution state.
type FundRequest struct {
	ID             string `json:"id"`
	WalletAddress  string `json:"wallet_address"`
	Amount         string `json:"amount"`
	Reason         string `json:"reason,omitempty"`
	State          string `json:"state"`
	DenialReason   string `json:"denial_reason,omitempty"`
	TxHash         string `json:"tx_hash,omitempty"`
	FundingAddress string `json:"funding_address,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	ResolvedAt     int64  `json:"resolved_at,omitempty"`
	UpdatedAt      int64  `json:"updated_at"`
}

// AccessRecord is the allowlist state of a wallet.
type AccessRecord struct {
	WalletAddress string   `json:"wallet_address"`
	State         string   `json:"state"`
	PausedScopes  []string `json:"paused_scopes,omitempty"`
	UpdatedAt     int64    `json:"updated_at"`
}

// FetchRequest describes one proxied paid upstream call.
type FetchRequest struct {
	WalletAddress string            `json:"wallet_address"`
	Method        string            `json:"method,omitempty"`
	URL           string            `json:"url"`
	Header        map[string]string `json:"header,omitempty"`
	Body          string            `json:"body,omitempty"`
	MaxPayment    string            `json:"max_payment,omitempty"`
}

// FetchResult is the upstream response plus what was paid for it.
type FetchResult struct {
	Status int               `json:"status"`
	Header map[string]string `json:"header,omitempty"`
	Body   string            `json:"body,omitempty"`
	Paid   string            `json:"paid,omitempty"`
}

// APIError is a structured error response from the service.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Action     string `json:"action,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("primwallet api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("primwallet api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. A nil httpClient gets a default with
// a short timeout.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges operator credentials for a token and stores it
// for subsequent administrative calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.call(ctx, http.MethodPost, "/v1/auth/token", creds, &token); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// AccessToken returns the stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// RegisterWallet submits an ownership proof.
func (c *Client) RegisterWallet(ctx context.Context, reg Registration) (Wallet, error) {
	var w Wallet
	err := c.call(ctx, http.MethodPost, "/v1/wallets", reg, &w)
	return w, err
}

// GetWallet fetches the wallet summary. The wallet must be allowlisted.
func (c *Client) GetWallet(ctx context.Context, address string) (Wallet, error) {
	var w Wallet
	err := c.call(ctx, http.MethodGet, "/v1/wallets/"+address, nil, &w)
	return w, err
}

// DeactivateWallet soft-deletes the wallet. Irreversible.
func (c *Client) DeactivateWallet(ctx context.Context, address string) (Deactivation, error) {
	var d Deactivation
	err := c.call(ctx, http.MethodDelete, "/v1/wallets/"+address, nil, &d)
	return d, err
}

// GetPolicy reads the wallet's spending policy.
func (c *Client) GetPolicy(ctx context.Context, address string) (Policy, error) {
	var p Policy
	err := c.call(ctx, http.MethodGet, "/v1/wallets/"+address+"/policy", nil, &p)
	return p, err
}

// UpdatePolicy replaces the wallet's spending policy.
func (c *Client) UpdatePolicy(ctx context.Context, address string, update PolicyUpdate) (Policy, error) {
	var p Policy
	err := c.call(ctx, http.MethodPut, "/v1/wallets/"+address+"/policy", update, &p)
	return p, err
}

// CreateFundRequest asks for funding and allowlist approval.
func (c *Client) CreateFundRequest(ctx context.Context, address, amount, reason string) (FundRequest, error) {
	var fr FundRequest
	err := c.call(ctx, http.MethodPost, "/v1/wallets/"+address+"/fund-request",
		map[string]string{"amount": amount, "reason": reason}, &fr)
	return fr, err
}

// ListFundRequests returns the wallet's fund requests, newest first.
func (c *Client) ListFundRequests(ctx context.Context, address string) ([]FundRequest, error) {
	var frs []FundRequest
	err := c.call(ctx, http.MethodGet, "/v1/wallets/"+address+"/fund-requests", nil, &frs)
	return frs, err
}

// ApproveFundRequest resolves a pending request. Operator token
// required where authentication is enabled.
func (c *Client) ApproveFundRequest(ctx context.Context, id string) (FundRequest, error) {
	var fr FundRequest
	err := c.call(ctx, http.MethodPost, "/v1/fund-requests/"+id+"/approve", nil, &fr)
	return fr, err
}

// DenyFundRequest resolves a pending request without funding.
func (c *Client) DenyFundRequest(ctx context.Context, id, reason string) (FundRequest, error) {
	var fr FundRequest
	err := c.call(ctx, http.MethodPost, "/v1/fund-requests/"+id+"/deny",
		map[string]string{"reason": reason}, &fr)
	return fr, err
}

// Pause suspends a wallet for the given scope ("all", "send" or
// "swap"). Empty means all.
func (c *Client) Pause(ctx context.Context, address, scope string) (AccessRecord, error) {
	var record AccessRecord
	err := c.call(ctx, http.MethodPost, "/v1/wallets/"+address+"/pause",
		map[string]string{"scope": scope}, &record)
	return record, err
}

// Resume lifts a pause for the given scope.
func (c *Client) Resume(ctx context.Context, address, scope string) (AccessRecord, error) {
	var record AccessRecord
	err := c.call(ctx, http.MethodPost, "/v1/wallets/"+address+"/resume",
		map[string]string{"scope": scope}, &record)
	return record, err
}

// Fetch routes a paid upstream call through the service, which pays a
// 402 challenge with the wallet's custodial key and retries once.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	var result FetchResult
	err := c.call(ctx, http.MethodPost, "/v1/fetch", req, &result)
	return result, err
}

// call issues one request. The stored token, when present, rides along
// on every call; servers running without authentication ignore it.
func (c *Client) call(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("read error response: %w", readErr)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
