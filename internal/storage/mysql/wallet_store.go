package mysql

import (
	"context"
	"database/sql"
	"errors"

	driver "github.com/go-sql-driver/mysql"

	xerrors "prim-wallet/internal/errors"
	"prim-wallet/internal/wallet"
)

const duplicateEntryErrno = 1062

// WalletStore persists the wallet catalogue.
type WalletStore struct {
	db *sql.DB
}

var _ wallet.Store = (*WalletStore)(nil)

func (s *WalletStore) Insert(ctx context.Context, w *wallet.Wallet) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (address, chain, label, encrypted_key, claim_token, deactivated_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.Address, w.Chain, w.Label, w.EncryptedKey, w.ClaimToken, w.DeactivatedAt, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		var mysqlErr *driver.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == duplicateEntryErrno {
			return wallet.ErrWalletExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert wallet")
	}
	return nil
}

func (s *WalletStore) Get(ctx context.Context, address string) (*wallet.Wallet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT address, chain, label, encrypted_key, claim_token, deactivated_at, created_at, updated_at
         FROM wallets WHERE address = ?`, address)

	var w wallet.Wallet
	err := row.Scan(&w.Address, &w.Chain, &w.Label, &w.EncryptedKey, &w.ClaimToken,
		&w.DeactivatedAt, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wallet.ErrWalletNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load wallet")
	}
	return &w, nil
}

func (s *WalletStore) Deactivate(ctx context.Context, address string, at int64) (*wallet.Wallet, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE wallets SET deactivated_at = ?, updated_at = ? WHERE address = ? AND deactivated_at = 0`,
		at, at, address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "deactivate wallet")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		// Either missing or already deactivated; Get settles which.
		return s.Get(ctx, address)
	}
	return s.Get(ctx, address)
}

func (s *WalletStore) List(ctx context.Context, limit int) ([]*wallet.Wallet, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, chain, label, encrypted_key, claim_token, deactivated_at, created_at, updated_at
         FROM wallets ORDER BY created_at DESC, address ASC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list wallets")
	}
	defer rows.Close()

	var wallets []*wallet.Wallet
	for rows.Next() {
		var w wallet.Wallet
		if err := rows.Scan(&w.Address, &w.Chain, &w.Label, &w.EncryptedKey, &w.ClaimToken,
			&w.DeactivatedAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan wallet")
		}
		wallets = append(wallets, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate wallets")
	}
	return wallets, nil
}
