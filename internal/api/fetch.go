package api

import (
	"io"
	"net/http"

	xerrors "prim-wallet/internal/errors"
	"prim-wallet/internal/payment"
	"prim-wallet/pkg/x402"
)

// fetchBody describes one proxied paid call. Keys are custodial, so
// agents route their paid requests through here instead of signing
// locally.
type fetchBody struct {
	WalletAddress string            `json:"wallet_address"`
	Method        string            `json:"method"`
	URL           string            `json:"url"`
	Header        map[string]string `json:"header,omitempty"`
	Body          string            `json:"body,omitempty"`
	// MaxPayment caps this call as a decimal token string. Empty
	// falls back to the server default.
	MaxPayment string `json:"max_payment,omitempty"`
}

type fetchResponse struct {
	Status int               `json:"status"`
	Header map[string]string `json:"header,omitempty"`
	Body   string            `json:"body,omitempty"`
	Paid   string            `json:"paid,omitempty"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.deps.Payments == nil {
		writeError(w, xerrors.New(xerrors.CodeInitFailure, "payment client not configured"))
		return
	}
	var body fetchBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.URL == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "url is required"))
		return
	}
	method := body.Method
	if method == "" {
		method = http.MethodGet
	}

	req := payment.FetchRequest{
		WalletAddress: body.WalletAddress,
		Method:        method,
		URL:           body.URL,
		Body:          []byte(body.Body),
	}
	if len(body.Header) > 0 {
		req.Header = make(http.Header, len(body.Header))
		for key, value := range body.Header {
			req.Header.Set(key, value)
		}
	}
	if body.MaxPayment != "" {
		limit, err := x402.ParseAmount(body.MaxPayment)
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "invalid max_payment"))
			return
		}
		req.MaxPayment = limit
	}

	result, err := s.deps.Payments.Fetch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	defer result.Response.Body.Close()

	upstream, err := io.ReadAll(io.LimitReader(result.Response.Body, 4<<20))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeProviderError, err, "read upstream response"))
		return
	}
	resp := fetchResponse{
		Status: result.Response.StatusCode,
		Body:   string(upstream),
		Header: make(map[string]string, len(result.Response.Header)),
	}
	for key := range result.Response.Header {
		resp.Header[key] = result.Response.Header.Get(key)
	}
	if result.Paid != nil {
		resp.Paid = x402.FormatAmount(result.Paid)
	}
	writeJSON(w, http.StatusOK, resp)
}
