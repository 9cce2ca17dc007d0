// Package x402 implements the wire level of the x402 micropayment protocol:
// the Payment-Required challenge carried on HTTP 402 responses and the
// Payment-Signature authorization attached to retried requests. It is shared
// by the pay-and-retry client and by anything that serves challenges.
package x402

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Header names exchanged between payer and provider.
const (
	HeaderPaymentRequired  = "Payment-Required"
	HeaderPaymentSignature = "Payment-Signature"
)

// PaymentRequirement is one offer from a 402 challenge. It is ephemeral and
// never persisted.
type PaymentRequirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	Amount            string `json:"amount"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int64  `json:"maxTimeoutSeconds"`
}

// PaymentPayload is a signed EIP-3009 transfer authorization. It exists only
// between signing and the retried HTTP call.
type PaymentPayload struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
}

// ErrNoChallenge indicates the response carried no parsable challenge. The
// caller must pass the original 402 through unmodified in that case.
var ErrNoChallenge = errors.New("no payment challenge present")

// ParseChallenge extracts the offer list from a 402 response header.
func ParseChallenge(header http.Header) ([]PaymentRequirement, error) {
	raw := strings.TrimSpace(header.Get(HeaderPaymentRequired))
	if raw == "" {
		return nil, ErrNoChallenge
	}
	var offers []PaymentRequirement
	if err := json.Unmarshal([]byte(raw), &offers); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoChallenge, err)
	}
	if len(offers) == 0 {
		return nil, ErrNoChallenge
	}
	return offers, nil
}

// SelectOffer picks the offer matching the configured scheme and network.
// Single-scheme support: a challenge with no matching offer is a hard error,
// never silently skipped.
func SelectOffer(offers []PaymentRequirement, scheme, network string) (*PaymentRequirement, error) {
	for i := range offers {
		if strings.EqualFold(offers[i].Scheme, scheme) && strings.EqualFold(offers[i].Network, network) {
			offer := offers[i]
			return &offer, nil
		}
	}
	return nil, fmt.Errorf("no offer supports scheme %q on network %q", scheme, network)
}

// EncodeChallenge renders an offer list for the Payment-Required header.
func EncodeChallenge(offers []PaymentRequirement) (string, error) {
	encoded, err := json.Marshal(offers)
	if err != nil {
		return "", fmt.Errorf("encode challenge: %w", err)
	}
	return string(encoded), nil
}

// EncodePayload renders the signed authorization for the Payment-Signature
// header as compact single-line JSON.
func EncodePayload(payload *PaymentPayload) (string, error) {
	if payload == nil {
		return "", errors.New("payload is nil")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payment payload: %w", err)
	}
	return string(encoded), nil
}

// DecodePayload parses a Payment-Signature header value.
func DecodePayload(value string) (*PaymentPayload, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("empty payment signature")
	}
	var payload PaymentPayload
	if err := json.Unmarshal([]byte(value), &payload); err != nil {
		return nil, fmt.Errorf("decode payment payload: %w", err)
	}
	return &payload, nil
}

// ChainID extracts the numeric chain id from an eip155 network identifier
// such as "eip155:8453".
func ChainID(network string) (int64, error) {
	parts := strings.SplitN(strings.TrimSpace(network), ":", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "eip155") {
		return 0, fmt.Errorf("unsupported network identifier %q", network)
	}
	var id int64
	if _, err := fmt.Sscanf(parts[1], "%d", &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid chain id in network %q", network)
	}
	return id, nil
}
