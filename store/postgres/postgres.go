// Package postgres provides the PostgreSQL-backed ledger.Store, using pgx
// through database/sql.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/warp/kilometers-engine/store/sqlstore"
)

const schema = `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		participates BOOLEAN NOT NULL DEFAULT FALSE,
		lifetime_earned NUMERIC NOT NULL DEFAULT 0,
		spendable_balance NUMERIC NOT NULL DEFAULT 0 CHECK (spendable_balance >= 0),
		last_accrual_at TIMESTAMPTZ,
		last_birthday_bonus_year TIMESTAMPTZ,
		referred_by TEXT,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		kind TEXT NOT NULL,
		points NUMERIC NOT NULL,
		credit BOOLEAN NOT NULL,
		sale_ref TEXT,
		promotion_ref TEXT,
		reference_entry_id TEXT,
		is_redemption BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at TIMESTAMPTZ,
		closed_for_expiration BOOLEAN NOT NULL DEFAULT FALSE,
		monetary_equivalent NUMERIC,
		multiplier NUMERIC NOT NULL DEFAULT 1,
		correction BOOLEAN NOT NULL DEFAULT FALSE,
		description TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_customer_seq
		ON entries(customer_id, seq);
	CREATE INDEX IF NOT EXISTS idx_entries_sale
		ON entries(sale_ref) WHERE sale_ref IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_expirable
		ON entries(customer_id, expires_at)
		WHERE closed_for_expiration = FALSE AND correction = FALSE AND credit = TRUE;
	CREATE INDEX IF NOT EXISTS idx_entries_kind_created
		ON entries(kind, created_at);

	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		as_of TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		resume_cursor TEXT,
		customers INTEGER NOT NULL DEFAULT 0,
		entries_closed INTEGER NOT NULL DEFAULT 0,
		points_expired NUMERIC NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_runs_status
		ON sweep_runs(status, started_at)
`

var Dialect = sqlstore.Dialect{
	Name:              "postgres",
	Schema:            schema,
	Numbered:          true,
	LockRows:          true,
	IsUniqueViolation: isUniqueViolation,
}

type Store struct {
	*sqlstore.Store
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func New(ctx context.Context, databaseURL string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s, err := sqlstore.New(ctx, db, Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: s}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
