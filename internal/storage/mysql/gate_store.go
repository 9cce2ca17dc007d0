package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	xerrors "prim-wallet/internal/errors"
	"prim-wallet/internal/gate"
)

// GateStore persists allowlist records.
type GateStore struct {
	db *sql.DB
}

var _ gate.Store = (*GateStore)(nil)

func (s *GateStore) Get(ctx context.Context, walletAddress string) (*gate.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT wallet_address, state, paused_scopes, updated_at
         FROM access_states WHERE wallet_address = ?`, walletAddress)

	var (
		record gate.Record
		state  string
		paused string
	)
	err := row.Scan(&record.WalletAddress, &state, &paused, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gate.ErrNoRecord
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load access record")
	}
	record.State = gate.State(state)
	record.PausedScopes = decodeScopes(paused)
	return &record, nil
}

func (s *GateStore) Put(ctx context.Context, r *gate.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_states (wallet_address, state, paused_scopes, updated_at)
         VALUES (?, ?, ?, ?)
         ON DUPLICATE KEY UPDATE
            state = VALUES(state),
            paused_scopes = VALUES(paused_scopes),
            updated_at = VALUES(updated_at)`,
		r.WalletAddress, string(r.State), encodeScopes(r.PausedScopes), r.UpdatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "store access record")
	}
	return nil
}

func encodeScopes(scopes []gate.Scope) string {
	if len(scopes) == 0 {
		return ""
	}
	parts := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		parts = append(parts, string(scope))
	}
	return strings.Join(parts, ",")
}

func decodeScopes(encoded string) []gate.Scope {
	if encoded == "" {
		return nil
	}
	parts := strings.Split(encoded, ",")
	scopes := make([]gate.Scope, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			scopes = append(scopes, gate.Scope(part))
		}
	}
	return scopes
}
