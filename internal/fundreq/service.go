package fundreq

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "prim-wallet/internal/errors"
	"prim-wallet/internal/gate"
	"prim-wallet/internal/wallet"
	"prim-wallet/pkg/logger"
	"prim-wallet/pkg/x402"
)

// CreateRequest carries the fields an agent submits to ask for funds.
type CreateRequest struct {
	WalletAddress string `json:"-"`
	Amount        string `json:"amount"`
	Reason        string `json:"reason,omitempty"`
}

// Service coordinates the fund request lifecycle. Approving a request
// also moves the wallet onto the provider allowlist, so the first
// approved funding unblocks payments in one operator action.
type Service struct {
	store         Store
	wallets       wallet.Store
	gate          *gate.Gate
	producer      Producer
	fundingSource string
	now           func() time.Time
	audit         *slog.Logger
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithServiceClock overrides the time source in tests.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithProducer wires the queue used to hand approved requests to the
// funding worker. Without a producer approvals are recorded but no
// on-chain transfer is scheduled.
func WithProducer(producer Producer) ServiceOption {
	return func(s *Service) {
		s.producer = producer
	}
}

// WithFundingSource sets the treasury address stamped on approved
// requests, so the approval response already names the account the
// funds will come from.
func WithFundingSource(address string) ServiceOption {
	return func(s *Service) {
		s.fundingSource = address
	}
}

func NewService(store Store, wallets wallet.Store, accessGate *gate.Gate, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		wallets: wallets,
		gate:    accessGate,
		now:     time.Now,
		audit:   logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create files a fund request for a registered wallet and puts the
// wallet's access record into pending review if it has none.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*FundRequest, error) {
	if !common.IsHexAddress(req.WalletAddress) {
		return nil, xerrors.New(xerrors.CodeInvalidRequest, "invalid wallet address")
	}
	address := common.HexToAddress(req.WalletAddress).Hex()

	w, err := s.wallets.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	if w.Deactivated() {
		return nil, wallet.ErrWalletDeactivated
	}

	amount, err := x402.ParseAmount(req.Amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidRequest, "amount must be positive")
	}

	if _, err := s.gate.Request(ctx, address); err != nil {
		return nil, err
	}

	now := s.now().Unix()
	record := &FundRequest{
		ID:            uuid.NewString(),
		WalletAddress: address,
		Amount:        amount,
		Reason:        strings.TrimSpace(req.Reason),
		State:         StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Insert(ctx, record); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist fund request")
	}

	s.audit.Info("fund request created",
		slog.String("request_id", record.ID),
		slog.String("wallet", address),
		slog.String("amount", x402.FormatAmount(amount)),
	)
	return record, nil
}

// Approve resolves a pending request, allowlists the wallet and hands
// the request to the funding worker. The treasury address is stamped
// here so a read before the broadcast already shows where the funds
// come from; only the transaction hash arrives later.
func (s *Service) Approve(ctx context.Context, id string) (*FundRequest, error) {
	record, err := s.store.Resolve(ctx, id, StateApproved, "", s.fundingSource, s.now().Unix())
	if err != nil {
		return nil, err
	}
	if _, err := s.gate.Approve(ctx, record.WalletAddress); err != nil {
		return nil, err
	}

	if s.producer != nil {
		if err := s.producer.Publish(ctx, record.ID); err != nil {
			// The approval is already durable. Surface the queue
			// failure so an operator can requeue the transfer.
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "enqueue approved fund request")
		}
	}

	s.audit.Info("fund request approved",
		slog.String("request_id", record.ID),
		slog.String("wallet", record.WalletAddress),
		slog.String("amount", x402.FormatAmount(record.Amount)),
	)
	return record, nil
}

// Deny resolves a pending request without funding. The wallet's access
// record is left untouched so a later request can still be approved.
func (s *Service) Deny(ctx context.Context, id, reason string) (*FundRequest, error) {
	record, err := s.store.Resolve(ctx, id, StateDenied, strings.TrimSpace(reason), "", s.now().Unix())
	if err != nil {
		return nil, err
	}

	s.audit.Info("fund request denied",
		slog.String("request_id", record.ID),
		slog.String("wallet", record.WalletAddress),
		slog.String("reason", record.DenialReason),
	)
	return record, nil
}

// Get fetches a single request.
func (s *Service) Get(ctx context.Context, id string) (*FundRequest, error) {
	return s.store.Get(ctx, id)
}

// List returns requests for a wallet, newest first.
func (s *Service) List(ctx context.Context, walletAddress string) ([]*FundRequest, error) {
	if walletAddress != "" {
		if !common.IsHexAddress(walletAddress) {
			return nil, xerrors.New(xerrors.CodeInvalidRequest, "invalid wallet address")
		}
		walletAddress = common.HexToAddress(walletAddress).Hex()
	}
	return s.store.List(ctx, walletAddress)
}

// AmountView renders the request amount as a decimal token string for
// API responses.
func AmountView(r *FundRequest) string {
	if r == nil || r.Amount == nil {
		return "0." + strings.Repeat("0", x402.TokenDecimals)
	}
	return x402.FormatAmount(r.Amount)
}
