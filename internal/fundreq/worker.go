package fundreq

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"prim-wallet/internal/chain"
	xerrors "prim-wallet/internal/errors"
	"prim-wallet/internal/observability/alerting"
	"prim-wallet/pkg/logger"
	"prim-wallet/pkg/x402"
)

// Worker consumes approved fund request ids and executes the treasury
// transfer for each one.
type Worker struct {
	store       Store
	consumer    Consumer
	broadcaster chain.Broadcaster
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	now         func() time.Time
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the debug logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = l
	}
}

// WithWorkerCount sets the number of consuming goroutines.
func WithWorkerCount(workers int) WorkerOption {
	return func(w *Worker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithAlertDispatcher wires operator alerting for broadcast failures.
func WithAlertDispatcher(dispatcher alerting.Dispatcher) WorkerOption {
	return func(w *Worker) {
		w.alerter = dispatcher
	}
}

// WithWorkerClock overrides the time source in tests.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

func NewWorker(store Store, consumer Consumer, broadcaster chain.Broadcaster, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:       store,
		consumer:    consumer,
		broadcaster: broadcaster,
		workerCount: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.workerCount <= 0 {
		w.workerCount = 1
	}
	return w
}

// Start blocks until the context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if w.consumer == nil {
		return xerrors.New(xerrors.CodeInitFailure, "funding worker has no consumer")
	}
	if w.broadcaster == nil {
		return xerrors.New(xerrors.CodeInitFailure, "funding worker has no broadcaster")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.handle)
}

func (w *Worker) handle(ctx context.Context, requestID string) error {
	record, err := w.store.Get(ctx, requestID)
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) {
			w.logDebug("skipping unknown fund request", slog.String("request_id", requestID))
			return nil
		}
		logger.L().Error("load fund request failed", slog.Any("error", err), slog.String("request_id", requestID))
		return err
	}
	if record.State != StateApproved {
		w.logDebug("skipping unapproved fund request",
			slog.String("request_id", requestID),
			slog.String("state", string(record.State)))
		return nil
	}
	if record.TxHash != "" {
		// Already broadcast. Redelivered ids must not double-spend the
		// treasury.
		w.logDebug("skipping funded request", slog.String("request_id", requestID))
		return nil
	}

	txHash, err := w.broadcaster.Transfer(ctx, common.HexToAddress(record.WalletAddress), record.Amount)
	if err != nil {
		wrapped := xerrors.Wrap(CodeFundingBroadcast, err, "broadcast funding transfer")
		logger.L().Error("funding transfer failed",
			slog.Any("error", wrapped),
			slog.String("request_id", record.ID),
			slog.String("wallet", record.WalletAddress),
		)
		w.emitAlert(ctx, record, wrapped)
		return wrapped
	}

	if err := w.store.RecordFunding(ctx, record.ID, txHash.Hex(), w.now().Unix()); err != nil {
		// The transfer is on chain but the hash is not durable. This
		// needs a human before anything retries the transfer.
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "record funding transaction",
			xerrors.WithAlert(true), xerrors.WithRetryable(false))
		logger.L().Error("funding settled but not recorded",
			slog.Any("error", wrapped),
			slog.String("request_id", record.ID),
			slog.String("tx_hash", txHash.Hex()),
		)
		w.emitAlert(ctx, record, wrapped)
		return nil
	}

	logger.Audit().Info("fund request settled",
		slog.String("request_id", record.ID),
		slog.String("wallet", record.WalletAddress),
		slog.String("amount", x402.FormatAmount(record.Amount)),
		slog.String("tx_hash", txHash.Hex()),
		slog.String("funding_address", record.FundingAddress),
	)
	return nil
}

func (w *Worker) logDebug(msg string, attrs ...slog.Attr) {
	if w.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	w.logger.Debug(msg, args...)
}

func (w *Worker) emitAlert(ctx context.Context, record *FundRequest, cause error) {
	if w == nil || w.alerter == nil || record == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	event := alerting.Event{
		Code:          code,
		Message:       cause.Error(),
		Severity:      xerrors.SeverityOf(cause),
		WalletAddress: record.WalletAddress,
		RequestID:     record.ID,
		Metadata: map[string]string{
			"amount": x402.FormatAmount(record.Amount),
		},
		OccurredAt: w.now(),
	}
	if err := w.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("alert delivery failed",
			slog.Any("error", err),
			slog.String("request_id", record.ID),
		)
	}
}
