package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"prim-wallet/internal/auth"
	xerrors "prim-wallet/internal/errors"
)

// AdminStore backs the operator account catalogue with MySQL.
type AdminStore struct {
	db *sql.DB
}

var (
	_ auth.Store      = (*AdminStore)(nil)
	_ auth.SeedWriter = (*AdminStore)(nil)
)

func (s *AdminStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, disabled FROM admin_users WHERE username = ?`,
		strings.TrimSpace(username))
	var user auth.User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrInvalidCredentials
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load admin user")
	}
	return &user, nil
}

func (s *AdminStore) LoadSubject(ctx context.Context, userID int64) (*auth.Subject, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, roles, permissions, disabled FROM admin_users WHERE id = ?`,
		userID)
	var (
		subject     auth.Subject
		roles       string
		permissions string
	)
	err := row.Scan(&subject.ID, &subject.Username, &roles, &permissions, &subject.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrInvalidToken
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load admin subject")
	}
	subject.Roles = splitList(roles)
	subject.Permissions = splitList(permissions)
	return &subject, nil
}

// ApplySeed upserts a bootstrap account. Existing rows get their
// credentials, grants and disabled flag replaced.
func (s *AdminStore) ApplySeed(ctx context.Context, seed auth.Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed username cannot be empty")
	}
	hashed, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO admin_users (username, password_hash, roles, permissions, disabled)
         VALUES (?, ?, ?, ?, ?)
         ON DUPLICATE KEY UPDATE
           password_hash = VALUES(password_hash),
           roles         = VALUES(roles),
           permissions   = VALUES(permissions),
           disabled      = VALUES(disabled)`,
		username, hashed, joinList(seed.Roles), joinList(seed.Permissions), seed.Disabled)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "seed admin user")
	}
	return nil
}

func joinList(values []string) string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value != "" {
			cleaned = append(cleaned, value)
		}
	}
	return strings.Join(cleaned, ",")
}

func splitList(encoded string) []string {
	if encoded == "" {
		return nil
	}
	parts := strings.Split(encoded, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	return values
}
