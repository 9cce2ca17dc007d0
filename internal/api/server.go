package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"prim-wallet/internal/auth"
	xerrors "prim-wallet/internal/errors"
	"prim-wallet/internal/fundreq"
	"prim-wallet/internal/gate"
	"prim-wallet/internal/observability/metrics"
	"prim-wallet/internal/payment"
	"prim-wallet/internal/policy"
	"prim-wallet/internal/wallet"
	"prim-wallet/pkg/logger"
)

// Dependencies bundles the services the server fronts. Auth may be nil,
// which leaves the operator routes open (development mode).
type Dependencies struct {
	Wallets      *wallet.Registry
	Policies     *policy.Engine
	AccessGate   *gate.Gate
	FundRequests *fundreq.Service
	Payments     *payment.Client
	Auth         *auth.Service
}

// Server exposes the REST surface.
type Server struct {
	addr string
	deps Dependencies

	audit *slog.Logger
}

// NewServer constructs the API server.
func NewServer(addr string, deps Dependencies) *Server {
	return &Server{addr: addr, deps: deps, audit: logger.Audit()}
}

// Handler builds the routed handler. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/v1/wallets", instrument("wallets", http.HandlerFunc(s.handleWallets)))
	mux.Handle("/v1/wallets/", instrument("wallet", http.HandlerFunc(s.handleWalletSubtree)))
	mux.Handle("/v1/fund-requests/", instrument("fund_request_resolve",
		s.adminMiddleware("fund_request_resolve", auth.PermFundRequestResolve)(http.HandlerFunc(s.handleFundRequestResolution))))
	mux.Handle("/v1/fetch", instrument("fetch", http.HandlerFunc(s.handleFetch)))
	mux.Handle("/v1/auth/token", instrument("auth_token", http.HandlerFunc(s.handleToken)))
	mux.Handle("/v1/healthz", instrument("healthz", http.HandlerFunc(s.handleHealthz)))
	mux.Handle("/metrics", metrics.Handler())

	return mux
}

// Start serves HTTP until the context is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// adminMiddleware wraps a handler with bearer token authentication for
// the given permission. With no auth service configured the route stays
// open.
func (s *Server) adminMiddleware(event string, permission string) func(http.Handler) http.Handler {
	if s.deps.Auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.deps.Auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {permission}},
		AuditEvent:          event,
	})
}

// authorize authenticates the request inline for routes that share a
// path prefix with unauthenticated ones.
func (s *Server) authorize(r *http.Request, permission string) error {
	if s.deps.Auth == nil || s.deps.Auth.Mode() == auth.ModeDisabled {
		return nil
	}
	subject, err := s.deps.Auth.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		return err
	}
	return subject.Authorize(permission)
}

// statusRecorder captures the response status for the metrics
// middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// writeError renders the structured error body. Only the registered
// code and message cross the wire; wrapped causes stay in the logs.
func writeError(w http.ResponseWriter, err error) {
	detail := errorDetail{
		Code:    string(xerrors.CodeUnknown),
		Message: "internal error",
	}
	if typed, ok := xerrors.From(err); ok {
		detail.Code = string(typed.Code())
		detail.Message = typed.Message()
		detail.Action = typed.Metadata()["action"]
	}
	writeJSON(w, httpStatus(xerrors.Code(detail.Code)), errorBody{Error: detail})
}

// writeAuthError maps authentication failures onto 401/403.
func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	if errors.Is(err, auth.ErrPermissionDenied) || errors.Is(err, auth.ErrSubjectRevoked) {
		status = http.StatusForbidden
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:    string(xerrors.CodeForbidden),
		Message: err.Error(),
	}})
}

func httpStatus(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidRequest, wallet.CodeBadProof, wallet.CodeStaleTimestamp, xerrors.CodeConfigInvalid:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, wallet.CodeWalletNotFound, policy.CodePolicyNotFound,
		fundreq.CodeFundRequestNotFound, gate.CodeNoRecord:
		return http.StatusNotFound
	case xerrors.CodeForbidden, wallet.CodeWalletDeactivated, wallet.CodeWalletNotCustodial,
		gate.CodeNotAllowlisted, gate.CodeWalletPaused,
		xerrors.CodeExceedsPolicy, xerrors.CodeExceedsMaxPayment:
		return http.StatusForbidden
	case xerrors.CodeConflict, wallet.CodeWalletExists, fundreq.CodeFundRequestResolved:
		return http.StatusConflict
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case xerrors.CodeProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return xerrors.New(xerrors.CodeInvalidRequest, "request body is not valid JSON")
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorDetail{
		Code:    string(xerrors.CodeInvalidRequest),
		Message: "method not allowed",
	}})
}
