/*
Package sqlite provides the SQLite-backed ledger.Store.

PURPOSE:
  Single-node deployments and integration tests. The SQL lives in
  store/sqlstore; this package supplies the schema and driver settings.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - readers don't block the writer
  - better crash recovery
  The pool is limited to one connection so ":memory:" databases are shared
  and every transaction sees the same file state.

USAGE:
  store, err := sqlite.New("./data/kilometers.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := kilometers.NewEngine(store, kilometers.DefaultPolicy(), logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - store/sqlstore: shared implementation
  - ledger/store: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/kilometers-engine/store/sqlstore"
)

const schema = `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		participates BOOLEAN NOT NULL DEFAULT FALSE,
		lifetime_earned TEXT NOT NULL DEFAULT '0',
		spendable_balance TEXT NOT NULL DEFAULT '0',
		last_accrual_at TIMESTAMP,
		last_birthday_bonus_year TIMESTAMP,
		referred_by TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- Entries (append-only ledger)
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		kind TEXT NOT NULL,
		points TEXT NOT NULL,
		credit BOOLEAN NOT NULL,
		sale_ref TEXT,
		promotion_ref TEXT,
		reference_entry_id TEXT,
		is_redemption BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at TIMESTAMP,
		closed_for_expiration BOOLEAN NOT NULL DEFAULT FALSE,
		monetary_equivalent TEXT,
		multiplier TEXT NOT NULL DEFAULT '1',
		correction BOOLEAN NOT NULL DEFAULT FALSE,
		description TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_at TIMESTAMP NOT NULL
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

	-- Expiration sweep progress
	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		as_of TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		resume_cursor TEXT,
		customers INTEGER NOT NULL DEFAULT 0,
		entries_closed INTEGER NOT NULL DEFAULT 0,
		points_expired TEXT NOT NULL DEFAULT '0',
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sweep_runs_status
		ON sweep_runs(status, started_at);
`

// Dialect is the SQLite flavour of the shared store.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	Schema:            schema,
	Serialize:         true,
	IsUniqueViolation: isUniqueConstraintError,
}

// Store is the SQLite ledger store.
type Store struct {
	*sqlstore.Store
}

// New opens (or creates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s, err := sqlstore.New(context.Background(), db, Dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{Store: s}, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
