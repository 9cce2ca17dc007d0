package mysql

import (
	"context"
	"database/sql"
	"errors"
	"math/big"

	xerrors "prim-wallet/internal/errors"
	"prim-wallet/internal/fundreq"
)

// FundRequestStore persists fund requests. Resolve is a conditional
// update on the pending state, so two operators racing on the same
// request cannot both resolve it.
type FundRequestStore struct {
	db *sql.DB
}

var _ fundreq.Store = (*FundRequestStore)(nil)

const fundRequestColumns = `id, wallet_address, amount, reason, state, denial_reason, tx_hash, funding_address, created_at, resolved_at, updated_at`

func (s *FundRequestStore) Insert(ctx context.Context, req *fundreq.FundRequest) error {
	amount := int64(0)
	if req.Amount != nil {
		amount = req.Amount.Int64()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fund_requests (`+fundRequestColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.WalletAddress, amount, req.Reason, string(req.State), req.DenialReason,
		req.TxHash, req.FundingAddress, req.CreatedAt, req.ResolvedAt, req.UpdatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert fund request")
	}
	return nil
}

func (s *FundRequestStore) Get(ctx context.Context, id string) (*fundreq.FundRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fundRequestColumns+` FROM fund_requests WHERE id = ?`, id)
	req, err := scanFundRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fundreq.ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load fund request")
	}
	return req, nil
}

func (s *FundRequestStore) Resolve(ctx context.Context, id string, state fundreq.State, denialReason, fundingAddress string, now int64) (*fundreq.FundRequest, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE fund_requests SET state = ?, denial_reason = ?, funding_address = ?, resolved_at = ?, updated_at = ?
         WHERE id = ? AND state = ?`,
		string(state), denialReason, fundingAddress, now, now, id, string(fundreq.StatePending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "resolve fund request")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "resolve fund request")
	}
	if affected == 0 {
		// Missing or already terminal; Get settles which.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fundreq.ErrResolved
	}
	return s.Get(ctx, id)
}

func (s *FundRequestStore) RecordFunding(ctx context.Context, id, txHash string, now int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE fund_requests SET tx_hash = ?, updated_at = ? WHERE id = ?`,
		txHash, now, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "record funding")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fundreq.ErrNotFound
	}
	return nil
}

func (s *FundRequestStore) List(ctx context.Context, walletAddress string) ([]*fundreq.FundRequest, error) {
	query := `SELECT ` + fundRequestColumns + ` FROM fund_requests ORDER BY created_at DESC, id DESC`
	args := []any{}
	if walletAddress != "" {
		query = `SELECT ` + fundRequestColumns + ` FROM fund_requests
                 WHERE wallet_address = ? ORDER BY created_at DESC, id DESC`
		args = append(args, walletAddress)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list fund requests")
	}
	defer rows.Close()

	var requests []*fundreq.FundRequest
	for rows.Next() {
		req, err := scanFundRequest(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan fund request")
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate fund requests")
	}
	return requests, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFundRequest(row rowScanner) (*fundreq.FundRequest, error) {
	var (
		req    fundreq.FundRequest
		amount int64
		state  string
	)
	err := row.Scan(&req.ID, &req.WalletAddress, &amount, &req.Reason, &state, &req.DenialReason,
		&req.TxHash, &req.FundingAddress, &req.CreatedAt, &req.ResolvedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	req.Amount = big.NewInt(amount)
	req.State = fundreq.State(state)
	return &req, nil
}
