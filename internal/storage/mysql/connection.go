package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// Config describes the MySQL connection.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Stores bundles every MySQL-backed store over one connection pool.
type Stores struct {
	db *sql.DB

	Wallets      *WalletStore
	Policies     *PolicyStore
	Gate         *GateStore
	FundRequests *FundRequestStore
	Admins       *AdminStore
}

// Open connects, runs pending migrations and builds the stores.
func Open(ctx context.Context, cfg Config) (*Stores, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	stores := &Stores{
		db:           db,
		Wallets:      &WalletStore{db: db},
		Policies:     &PolicyStore{db: db},
		Gate:         &GateStore{db: db},
		FundRequests: &FundRequestStore{db: db},
		Admins:       &AdminStore{db: db},
	}
	if err := stores.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return stores, nil
}

// Close releases the connection pool.
func (s *Stores) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("mysql dsn is empty")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}
