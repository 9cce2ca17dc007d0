// Package payment implements the client half of the x402 protocol: issue
// a request, and when the upstream answers 402 with a payment challenge,
// sign a transfer authorization and retry exactly once.
package payment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "prim-wallet/internal/errors"
	"prim-wallet/internal/gate"
	"prim-wallet/internal/observability/alerting"
	"prim-wallet/internal/observability/metrics"
	"prim-wallet/internal/policy"
	"prim-wallet/internal/wallet"
	"prim-wallet/pkg/logger"
	"prim-wallet/pkg/x402"
)

// Client pays for upstream requests on behalf of custodial wallets. All
// guard rails run before any signature is produced, so a blocked payment
// never touches key material.
type Client struct {
	httpClient        *http.Client
	wallets           *wallet.Registry
	accessGate        *gate.Gate
	policies          *policy.Engine
	signer            *Signer
	scheme            string
	network           string
	defaultMaxPayment *big.Int
	now               func() time.Time
	alerter           alerting.Dispatcher
	audit             *slog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the transport, used by tests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithClientClock overrides the time source in tests.
func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithClientAlerter wires operator alerting for settlement ambiguity,
// where a signed authorization left the service but the outcome is
// unknown, and for budget refunds that failed.
func WithClientAlerter(dispatcher alerting.Dispatcher) ClientOption {
	return func(c *Client) {
		c.alerter = dispatcher
	}
}

// NewClient builds a payment client pinned to one scheme and network.
// defaultMaxPayment caps any call that does not carry its own cap.
func NewClient(wallets *wallet.Registry, accessGate *gate.Gate, policies *policy.Engine, signer *Signer,
	scheme, network string, defaultMaxPayment *big.Int, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		wallets:           wallets,
		accessGate:        accessGate,
		policies:          policies,
		signer:            signer,
		scheme:            scheme,
		network:           network,
		defaultMaxPayment: defaultMaxPayment,
		now:               time.Now,
		audit:             logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// FetchRequest describes one paid upstream call.
type FetchRequest struct {
	WalletAddress string
	Method        string
	URL           string
	Header        http.Header
	Body          []byte
	// MaxPayment caps this call in base units. Nil falls back to the
	// client default.
	MaxPayment *big.Int
}

// FetchResult carries the upstream response plus what was paid for it.
type FetchResult struct {
	Response *http.Response
	// Paid is non-nil when a payment settled for this response.
	Paid *big.Int
}

// Fetch issues the request and, on a 402 challenge, pays and retries
// exactly once. Responses other than 402 pass through untouched without
// any wallet or policy work. A second 402 on the retried call is
// returned to the caller; the client never pays twice for one fetch.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	first, err := c.send(ctx, req, "")
	if err != nil {
		return nil, err
	}
	if first.StatusCode != http.StatusPaymentRequired {
		return &FetchResult{Response: first}, nil
	}

	offers, err := x402.ParseChallenge(first.Header)
	if err != nil {
		// No parsable challenge. The 402 belongs to the caller as-is.
		return &FetchResult{Response: first}, nil
	}
	drain(first)

	offer, err := x402.SelectOffer(offers, c.scheme, c.network)
	if err != nil {
		metrics.ObservePayment(c.network, metrics.PaymentOutcomeFailed, 0)
		return nil, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "unusable payment challenge")
	}
	amount, err := x402.ParseAmount(offer.Amount)
	if err != nil {
		metrics.ObservePayment(c.network, metrics.PaymentOutcomeFailed, 0)
		return nil, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "offer amount")
	}

	if !common.IsHexAddress(req.WalletAddress) {
		return nil, xerrors.New(xerrors.CodeInvalidRequest,
			fmt.Sprintf("%q is not a valid address", req.WalletAddress))
	}
	walletAddress := common.HexToAddress(req.WalletAddress).Hex()

	if err := c.accessGate.Check(ctx, walletAddress, gate.ScopeSend); err != nil {
		metrics.ObservePayment(c.network, metrics.PaymentOutcomeBlocked, 0)
		return nil, err
	}

	limit := req.MaxPayment
	if limit == nil {
		limit = c.defaultMaxPayment
	}
	if limit != nil && amount.Cmp(limit) > 0 {
		metrics.ObservePayment(c.network, metrics.PaymentOutcomeBlocked, 0)
		return nil, xerrors.New(xerrors.CodeExceedsMaxPayment,
			fmt.Sprintf("offer %s exceeds maxPayment %s",
				x402.FormatAmount(amount), x402.FormatAmount(limit)))
	}

	host, err := requestHost(req.URL)
	if err != nil {
		return nil, err
	}
	// Reserve debits the daily budget atomically before any key
	// material is touched. Two concurrent payments racing on the same
	// remaining budget cannot both reach signing: at most one holds a
	// reservation, the other is refused here.
	if err := c.policies.Reserve(ctx, walletAddress, amount, host); err != nil {
		metrics.ObservePayment(c.network, metrics.PaymentOutcomeBlocked, 0)
		return nil, err
	}

	key, err := c.wallets.SigningKey(ctx, walletAddress)
	if err != nil {
		c.release(ctx, walletAddress, host, amount)
		metrics.ObservePayment(c.network, metrics.PaymentOutcomeBlocked, 0)
		return nil, err
	}
	payload, err := c.signer.Sign(key, offer, amount, c.now().Unix())
	zeroKey(key)
	if err != nil {
		c.release(ctx, walletAddress, host, amount)
		metrics.ObservePayment(c.network, metrics.PaymentOutcomeFailed, 0)
		return nil, err
	}
	header, err := x402.EncodePayload(payload)
	if err != nil {
		c.release(ctx, walletAddress, host, amount)
		metrics.ObservePayment(c.network, metrics.PaymentOutcomeFailed, 0)
		return nil, err
	}

	second, err := c.send(ctx, req, header)
	if err != nil {
		// The authorization may or may not have reached the provider.
		// The reservation stays held and an operator decides.
		c.alertAmbiguous(ctx, walletAddress, host, amount, err)
		metrics.ObservePayment(c.network, metrics.PaymentOutcomeFailed, 0)
		return nil, err
	}
	if second.StatusCode == http.StatusPaymentRequired {
		// The provider rejected the payment, so the budget flows back.
		// One retry is the contract.
		c.release(ctx, walletAddress, host, amount)
		metrics.ObservePayment(c.network, metrics.PaymentOutcomeRejected, 0)
		c.audit.Warn("payment rejected by provider",
			slog.String("wallet", walletAddress),
			slog.String("host", host),
			slog.String("amount", x402.FormatAmount(amount)),
		)
		return &FetchResult{Response: second}, nil
	}
	if second.StatusCode >= 200 && second.StatusCode < 300 {
		// The reservation becomes the spend.
		metrics.ObservePayment(c.network, metrics.PaymentOutcomeSettled, baseUnits(amount))
		c.audit.Info("payment settled",
			slog.String("wallet", walletAddress),
			slog.String("host", host),
			slog.String("amount", x402.FormatAmount(amount)),
		)
		return &FetchResult{Response: second, Paid: amount}, nil
	}

	// The provider consumed the authorization but did not succeed.
	// Whether funds moved is unknowable from here; the reservation
	// stays held so an ambiguous payment cannot free budget.
	c.alertAmbiguous(ctx, walletAddress, host, amount, nil)
	metrics.ObservePayment(c.network, metrics.PaymentOutcomeFailed, 0)
	return &FetchResult{Response: second}, nil
}

func (c *Client) send(ctx context.Context, req FetchRequest, paymentHeader string) (*http.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "build upstream request")
	}
	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}
	if paymentHeader != "" {
		httpReq.Header.Set(x402.HeaderPaymentSignature, paymentHeader)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderError, err, "upstream request failed",
			xerrors.WithRetryable(true))
	}
	return resp, nil
}

// release refunds a held reservation after a payment that did not
// settle. A refund failure leaves budget debited with nothing paid,
// which is fail-closed but needs an operator to reconcile.
func (c *Client) release(ctx context.Context, walletAddress, host string, amount *big.Int) {
	err := c.policies.Release(ctx, walletAddress, amount)
	if err == nil {
		return
	}
	logger.L().Error("budget release failed after unsettled payment",
		slog.Any("error", err),
		slog.String("wallet", walletAddress),
		slog.String("amount", x402.FormatAmount(amount)),
	)
	c.notify(ctx, alerting.Event{
		Code:          xerrors.CodeOf(err),
		Message:       fmt.Sprintf("payment did not settle but budget refund failed: %v", err),
		Severity:      xerrors.SeverityCritical,
		WalletAddress: walletAddress,
		Metadata: map[string]string{
			"host":   host,
			"amount": x402.FormatAmount(amount),
		},
		OccurredAt: c.now(),
	})
}

// alertAmbiguous raises an operator alert when a signed authorization
// left the service but the outcome is unknown. The reservation is kept
// so the ambiguity can never free budget.
func (c *Client) alertAmbiguous(ctx context.Context, walletAddress, host string, amount *big.Int, cause error) {
	message := "signed payment outcome unknown, budget reservation held"
	if cause != nil {
		message = fmt.Sprintf("%s: %v", message, cause)
	}
	c.notify(ctx, alerting.Event{
		Code:          xerrors.CodeProviderError,
		Message:       message,
		Severity:      xerrors.SeverityCritical,
		WalletAddress: walletAddress,
		Metadata: map[string]string{
			"host":   host,
			"amount": x402.FormatAmount(amount),
		},
		OccurredAt: c.now(),
	})
}

func (c *Client) notify(ctx context.Context, event alerting.Event) {
	if c.alerter == nil {
		return
	}
	if err := c.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("alert delivery failed", slog.Any("error", err))
	}
}

func requestHost(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "", xerrors.New(xerrors.CodeInvalidRequest, fmt.Sprintf("invalid upstream url %q", rawURL))
	}
	return parsed.Hostname(), nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}

func baseUnits(amount *big.Int) uint64 {
	if amount == nil || !amount.IsUint64() {
		return 0
	}
	return amount.Uint64()
}
