package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"

	xerrors "prim-wallet/internal/errors"
	"prim-wallet/internal/policy"
	"prim-wallet/pkg/x402"
)

// PolicyStore persists spending policies. Reserve runs inside a single
// row transaction with SELECT ... FOR UPDATE, so two concurrent
// payments racing on the same remaining budget cannot jointly breach
// the daily cap: the second reservation sees the first one's debit and
// is refused.
type PolicyStore struct {
	db *sql.DB
}

var _ policy.Store = (*PolicyStore)(nil)

func (s *PolicyStore) Get(ctx context.Context, walletAddress string) (*policy.SpendingPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT wallet_address, max_per_tx, max_per_day, allowed_primitives, daily_spent, daily_reset_at, updated_at
         FROM spending_policies WHERE wallet_address = ?`, walletAddress)

	var (
		p          policy.SpendingPolicy
		maxPerTx   sql.NullInt64
		maxPerDay  sql.NullInt64
		allowlist  sql.NullString
		dailySpent int64
	)
	err := row.Scan(&p.WalletAddress, &maxPerTx, &maxPerDay, &allowlist, &dailySpent, &p.DailyResetAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrPolicyNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load spending policy")
	}

	if maxPerTx.Valid {
		p.MaxPerTx = big.NewInt(maxPerTx.Int64)
	}
	if maxPerDay.Valid {
		p.MaxPerDay = big.NewInt(maxPerDay.Int64)
	}
	if allowlist.Valid {
		p.AllowedPrimitives = decodeAllowlist(allowlist.String)
	}
	p.DailySpent = big.NewInt(dailySpent)
	return &p, nil
}

func (s *PolicyStore) Put(ctx context.Context, p *policy.SpendingPolicy) error {
	maxPerTx := nullableUnits(p.MaxPerTx)
	maxPerDay := nullableUnits(p.MaxPerDay)
	allowlist := encodeAllowlist(p.AllowedPrimitives)
	dailySpent := int64(0)
	if p.DailySpent != nil {
		dailySpent = p.DailySpent.Int64()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spending_policies (wallet_address, max_per_tx, max_per_day, allowed_primitives, daily_spent, daily_reset_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON DUPLICATE KEY UPDATE
            max_per_tx = VALUES(max_per_tx),
            max_per_day = VALUES(max_per_day),
            allowed_primitives = VALUES(allowed_primitives),
            daily_spent = VALUES(daily_spent),
            daily_reset_at = VALUES(daily_reset_at),
            updated_at = VALUES(updated_at)`,
		p.WalletAddress, maxPerTx, maxPerDay, allowlist, dailySpent, p.DailyResetAt, p.UpdatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "store spending policy")
	}
	return nil
}

func (s *PolicyStore) Reserve(ctx context.Context, walletAddress string, amount *big.Int, now int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin reserve transaction")
	}
	defer tx.Rollback()

	view, maxPerDay, err := lockPolicyRow(ctx, tx, walletAddress)
	if err != nil {
		return err
	}
	view.RollWindow(now)
	projected := new(big.Int).Add(view.DailySpent, amount)
	if maxPerDay.Valid && projected.Cmp(big.NewInt(maxPerDay.Int64)) > 0 {
		return xerrors.New(xerrors.CodeExceedsPolicy,
			fmt.Sprintf("daily cap %s exhausted", x402.FormatAmount(big.NewInt(maxPerDay.Int64))))
	}

	if err := writeCounter(ctx, tx, walletAddress, projected.Int64(), view.DailyResetAt, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit budget debit")
	}
	return nil
}

func (s *PolicyStore) Release(ctx context.Context, walletAddress string, amount *big.Int, now int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "begin release transaction")
	}
	defer tx.Rollback()

	view, _, err := lockPolicyRow(ctx, tx, walletAddress)
	if err != nil {
		return err
	}
	// A window roll since the reservation already reset the counter, so
	// the refund clamps at zero.
	view.RollWindow(now)
	remaining := new(big.Int).Sub(view.DailySpent, amount)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}

	if err := writeCounter(ctx, tx, walletAddress, remaining.Int64(), view.DailyResetAt, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "commit budget refund")
	}
	return nil
}

func lockPolicyRow(ctx context.Context, tx *sql.Tx, walletAddress string) (*policy.SpendingPolicy, sql.NullInt64, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT max_per_day, daily_spent, daily_reset_at FROM spending_policies
         WHERE wallet_address = ? FOR UPDATE`, walletAddress)

	var (
		maxPerDay  sql.NullInt64
		dailySpent int64
		resetAt    int64
	)
	err := row.Scan(&maxPerDay, &dailySpent, &resetAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, maxPerDay, policy.ErrPolicyNotFound
	}
	if err != nil {
		return nil, maxPerDay, xerrors.Wrap(xerrors.CodeStorageFailure, err, "lock spending policy")
	}
	return &policy.SpendingPolicy{
		DailySpent:   big.NewInt(dailySpent),
		DailyResetAt: resetAt,
	}, maxPerDay, nil
}

func writeCounter(ctx context.Context, tx *sql.Tx, walletAddress string, spent, resetAt, now int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE spending_policies SET daily_spent = ?, daily_reset_at = ?, updated_at = ?
         WHERE wallet_address = ?`,
		spent, resetAt, now, walletAddress); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "apply budget counter")
	}
	return nil
}

func nullableUnits(v *big.Int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v.Int64(), Valid: true}
}

// encodeAllowlist keeps the nil/non-nil distinction: NULL means every
// primitive is allowed, an empty string means none are.
func encodeAllowlist(values []string) sql.NullString {
	if values == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: strings.Join(values, ","), Valid: true}
}

func decodeAllowlist(encoded string) []string {
	if encoded == "" {
		return []string{}
	}
	parts := strings.Split(encoded, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
