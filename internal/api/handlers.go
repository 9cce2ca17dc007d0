package api

import (
	"errors"
	"math/big"
	"net/http"
	"strings"

	"prim-wallet/internal/auth"
	xerrors "prim-wallet/internal/errors"
	"prim-wallet/internal/fundreq"
	"prim-wallet/internal/gate"
	"prim-wallet/internal/policy"
	"prim-wallet/internal/wallet"
	"prim-wallet/pkg/x402"
)

// handleWallets serves POST /v1/wallets, the only unauthenticated
// mutation: registration is self-authorizing through the ownership
// proof.
func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req wallet.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	registered, created, err := s.deps.Wallets.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, registered)
}

// handleWalletSubtree routes /v1/wallets/{address}[/...] by hand, the
// way the rest of the mux works.
func (s *Server) handleWalletSubtree(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/wallets/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "wallet address missing from path"))
		return
	}
	address := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetWallet(w, r, address)
		case http.MethodDelete:
			s.handleDeactivateWallet(w, r, address)
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "policy":
			s.handlePolicy(w, r, address)
		case "fund-request":
			s.handleCreateFundRequest(w, r, address)
		case "fund-requests":
			s.handleListFundRequests(w, r, address)
		case "pause":
			s.handlePauseResume(w, r, address, true)
		case "resume":
			s.handlePauseResume(w, r, address, false)
		default:
			writeError(w, xerrors.New(xerrors.CodeNotFound, "no such route"))
		}
		return
	}

	writeError(w, xerrors.New(xerrors.CodeNotFound, "no such route"))
}

// handleGetWallet returns the wallet summary. The route is treated as a
// paid surface, so the wallet itself must be allowlisted to be read.
func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request, address string) {
	if err := s.deps.AccessGate.Check(r.Context(), address, gate.ScopeAll); err != nil {
		writeError(w, err)
		return
	}
	found, err := s.deps.Wallets.Get(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

type deactivateResponse struct {
	Address       string `json:"address"`
	Deactivated   bool   `json:"deactivated"`
	DeactivatedAt int64  `json:"deactivated_at"`
}

func (s *Server) handleDeactivateWallet(w http.ResponseWriter, r *http.Request, address string) {
	deactivated, err := s.deps.Wallets.Deactivate(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deactivateResponse{
		Address:       deactivated.Address,
		Deactivated:   true,
		DeactivatedAt: deactivated.DeactivatedAt,
	})
}

// policyView is the wire shape of a spending policy. Null caps mean
// unlimited, a null allowlist means every host is allowed.
type policyView struct {
	WalletAddress     string   `json:"wallet_address"`
	MaxPerTx          *string  `json:"max_per_tx"`
	MaxPerDay         *string  `json:"max_per_day"`
	AllowedPrimitives []string `json:"allowed_primitives"`
	DailySpent        string   `json:"daily_spent"`
	DailyResetAt      int64    `json:"daily_reset_at"`
	UpdatedAt         int64    `json:"updated_at"`
}

type policyUpdate struct {
	MaxPerTx          *string  `json:"max_per_tx"`
	MaxPerDay         *string  `json:"max_per_day"`
	AllowedPrimitives []string `json:"allowed_primitives"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request, address string) {
	switch r.Method {
	case http.MethodGet:
		found, err := s.deps.Policies.Get(r.Context(), address)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewPolicy(found))
	case http.MethodPut:
		if err := s.authorize(r, auth.PermPolicyWrite); err != nil {
			writeAuthError(w, err)
			return
		}
		var update policyUpdate
		if err := decodeJSON(r, &update); err != nil {
			writeError(w, err)
			return
		}
		updated, err := s.applyPolicyUpdate(r, address, update)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewPolicy(updated))
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) applyPolicyUpdate(r *http.Request, address string, update policyUpdate) (*policy.SpendingPolicy, error) {
	found, err := s.deps.Wallets.Get(r.Context(), address)
	if err != nil {
		return nil, err
	}
	p := &policy.SpendingPolicy{
		WalletAddress:     found.Address,
		AllowedPrimitives: update.AllowedPrimitives,
	}
	if p.MaxPerTx, err = parseOptionalAmount(update.MaxPerTx); err != nil {
		return nil, err
	}
	if p.MaxPerDay, err = parseOptionalAmount(update.MaxPerDay); err != nil {
		return nil, err
	}
	if err := s.deps.Policies.Put(r.Context(), p); err != nil {
		return nil, err
	}
	return s.deps.Policies.Get(r.Context(), found.Address)
}

func viewPolicy(p *policy.SpendingPolicy) policyView {
	view := policyView{
		WalletAddress:     p.WalletAddress,
		AllowedPrimitives: p.AllowedPrimitives,
		DailySpent:        x402.FormatAmount(p.DailySpent),
		DailyResetAt:      p.DailyResetAt,
		UpdatedAt:         p.UpdatedAt,
	}
	if p.MaxPerTx != nil {
		formatted := x402.FormatAmount(p.MaxPerTx)
		view.MaxPerTx = &formatted
	}
	if p.MaxPerDay != nil {
		formatted := x402.FormatAmount(p.MaxPerDay)
		view.MaxPerDay = &formatted
	}
	return view
}

func parseOptionalAmount(value *string) (*big.Int, error) {
	if value == nil {
		return nil, nil
	}
	parsed, err := x402.ParseAmount(*value)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "invalid amount")
	}
	return parsed, nil
}

// fundRequestView adds the decimal amount string the struct itself does
// not serialise.
type fundRequestView struct {
	*fundreq.FundRequest
	Amount string `json:"amount"`
}

func viewFundRequest(req *fundreq.FundRequest) fundRequestView {
	return fundRequestView{FundRequest: req, Amount: fundreq.AmountView(req)}
}

type createFundRequestBody struct {
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) handleCreateFundRequest(w http.ResponseWriter, r *http.Request, address string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body createFundRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.deps.FundRequests.Create(r.Context(), fundreq.CreateRequest{
		WalletAddress: address,
		Amount:        body.Amount,
		Reason:        body.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewFundRequest(created))
}

func (s *Server) handleListFundRequests(w http.ResponseWriter, r *http.Request, address string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	requests, err := s.deps.FundRequests.List(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]fundRequestView, 0, len(requests))
	for _, req := range requests {
		views = append(views, viewFundRequest(req))
	}
	writeJSON(w, http.StatusOK, views)
}

type pauseBody struct {
	Scope string `json:"scope"`
}

// handlePauseResume is operator-only. It lives under the wallet subtree
// so authorization happens inline instead of via route middleware.
func (s *Server) handlePauseResume(w http.ResponseWriter, r *http.Request, address string, pause bool) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.authorize(r, auth.PermGateManage); err != nil {
		writeAuthError(w, err)
		return
	}
	var body pauseBody
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	scope, err := gate.ParseScope(body.Scope)
	if err != nil {
		writeError(w, err)
		return
	}
	var record *gate.Record
	if pause {
		record, err = s.deps.AccessGate.Pause(r.Context(), address, scope)
	} else {
		record, err = s.deps.AccessGate.Resume(r.Context(), address, scope)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type denyBody struct {
	Reason string `json:"reason"`
}

// handleFundRequestResolution serves POST /v1/fund-requests/{id}/approve
// and /deny. The route middleware has already authenticated the
// operator.
func (s *Server) handleFundRequestResolution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/fund-requests/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "no such route"))
		return
	}
	id := parts[0]

	var (
		resolved *fundreq.FundRequest
		err      error
	)
	switch parts[1] {
	case "approve":
		resolved, err = s.deps.FundRequests.Approve(r.Context(), id)
	case "deny":
		var body denyBody
		if r.ContentLength != 0 {
			if decodeErr := decodeJSON(r, &body); decodeErr != nil {
				writeError(w, decodeErr)
				return
			}
		}
		resolved, err = s.deps.FundRequests.Deny(r.Context(), id, body.Reason)
	default:
		writeError(w, xerrors.New(xerrors.CodeNotFound, "no such route"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewFundRequest(resolved))
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.deps.Auth == nil || s.deps.Auth.Mode() == auth.ModeDisabled {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "authentication is disabled"))
		return
	}
	var req auth.TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.deps.Auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		switch {
		case errors.Is(err, auth.ErrUnsupportedGrant):
			status = http.StatusBadRequest
		case errors.Is(err, auth.ErrSubjectRevoked):
			status = http.StatusForbidden
		}
		writeJSON(w, status, errorBody{Error: errorDetail{
			Code:    string(xerrors.CodeForbidden),
			Message: err.Error(),
		}})
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
