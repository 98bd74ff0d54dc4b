/*
Package sqlstore implements ledger.Store on database/sql.

PURPOSE:
  One implementation shared by the SQLite and PostgreSQL stores. The
  differences between the two live in Dialect: placeholder style, column
  types, row locking and unique-violation detection.

APPEND-ONLY ENFORCEMENT:
  - entries only ever receive INSERT
  - the single UPDATE on entries sets closed_for_expiration
  - no DELETE statement exists for entries

KEY TABLES:
  customers:  loyalty fields plus the version used for compare-and-set
  entries:    the ledger, seq assigned by the database
  sweep_runs: progress of expiration sweeps

INDEXES:
  - idx_entries_customer_seq: per-customer replay (hot path)
  - idx_entries_sale: sale cancellation lookups
  - idx_entries_expirable: sweep candidate scan
  - idempotency_key UNIQUE: duplicate write rejection

CONCURRENCY:
  WithCustomers takes row locks (SELECT ... FOR UPDATE) in sorted id order
  when the dialect supports them. SQLite has a single writer, so the store
  serializes transactions with a mutex instead.

SEE ALSO:
  - ledger/store.go: interface definitions
  - store/sqlite, store/postgres: dialects and constructors
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/kilometers-engine/ledger"
)

// Dialect captures what differs between SQL engines.
type Dialect struct {
	Name string

	// Schema runs on every New. Statements are separated by ";" and must be idempotent.
	Schema string

	// Numbered placeholders ($1, $2) instead of "?".
	Numbered bool

	// LockRows appends FOR UPDATE to the customer lock query.
	LockRows bool

	// Serialize wraps every write transaction in a process-wide mutex.
	Serialize bool

	// IsUniqueViolation recognizes duplicate key errors.
	IsUniqueViolation func(error) bool
}

type Store struct {
	db *sql.DB
	d  Dialect
	mu sync.RWMutex
}

// New wraps an open database and migrates the schema.
func New(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	s := &Store{db: db, d: d}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate %s database: %w", d.Name, err)
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.d.Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// rebind rewrites "?" placeholders for dialects that number them.
func (s *Store) rebind(query string) string {
	if !s.d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) rlock() func() {
	if !s.d.Serialize {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *Store) lock() func() {
	if !s.d.Serialize {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// CUSTOMERS
// =============================================================================

const customerColumns = `id, participates, lifetime_earned, spendable_balance, last_accrual_at,
	last_birthday_bonus_year, referred_by, version, created_at, updated_at`

func (s *Store) RegisterCustomer(ctx context.Context, p ledger.Profile) (*ledger.Customer, error) {
	unlock := s.lock()
	defer unlock()

	now := time.Now().UTC()
	var referredBy sql.NullString
	if p.ReferredBy != nil {
		referredBy = nullString(string(*p.ReferredBy))
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO customers (id, participates, lifetime_earned, spendable_balance,
			referred_by, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participates = excluded.participates,
			referred_by = excluded.referred_by,
			updated_at = excluded.updated_at
	`), string(p.ID), p.Participates, decimal.Zero.String(), decimal.Zero.String(), referredBy, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to register customer: %w", err)
	}
	return getCustomer(ctx, s, s.db, p.ID)
}

func (s *Store) GetCustomer(ctx context.Context, id ledger.CustomerID) (*ledger.Customer, error) {
	unlock := s.rlock()
	defer unlock()
	return getCustomer(ctx, s, s.db, id)
}

func getCustomer(ctx context.Context, s *Store, q queryer, id ledger.CustomerID) (*ledger.Customer, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+customerColumns+` FROM customers WHERE id = ?`), string(id))
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) ListCustomers(ctx context.Context, opts ledger.ListOptions) ([]ledger.Customer, error) {
	unlock := s.rlock()
	defer unlock()

	query := `SELECT ` + customerColumns + ` FROM customers WHERE id > ?`
	args := []any{string(opts.After)}
	if opts.ParticipatingOnly {
		query += ` AND participates = ?`
		args = append(args, true)
	}
	query += ` ORDER BY id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var out []ledger.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row scanner) (*ledger.Customer, error) {
	var (
		c                      ledger.Customer
		id                     string
		lastAccrual, lastBonus sql.NullTime
		referredBy             sql.NullString
	)
	if err := row.Scan(&id, &c.Participates, &c.LifetimeEarned, &c.SpendableBalance,
		&lastAccrual, &lastBonus, &referredBy, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ID = ledger.CustomerID(id)
	if lastAccrual.Valid {
		t := lastAccrual.Time.UTC()
		c.LastAccrualAt = &t
	}
	if lastBonus.Valid {
		t := lastBonus.Time.UTC()
		c.LastBirthdayBonusYear = &t
	}
	if referredBy.Valid {
		ref := ledger.CustomerID(referredBy.String)
		c.ReferredBy = &ref
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// =============================================================================
// ENTRIES (read side)
// =============================================================================

const entryColumns = `seq, id, customer_id, kind, points, sale_ref, promotion_ref, reference_entry_id,
	is_redemption, expires_at, closed_for_expiration, monetary_equivalent, multiplier,
	correction, description, idempotency_key, metadata_json, created_at`

func (s *Store) Entries(ctx context.Context, id ledger.CustomerID) ([]ledger.Entry, error) {
	unlock := s.rlock()
	defer unlock()
	return queryEntries(ctx, s, s.db, `SELECT `+entryColumns+` FROM entries WHERE customer_id = ? ORDER BY seq`, string(id))
}

func (s *Store) SaleCustomers(ctx context.Context, sale ledger.SaleRef) ([]ledger.CustomerID, error) {
	unlock := s.rlock()
	defer unlock()
	return queryIDs(ctx, s.db, s.rebind(`SELECT DISTINCT customer_id FROM entries WHERE sale_ref = ? ORDER BY customer_id`), string(sale))
}

func (s *Store) ExpirableCustomers(ctx context.Context, asOf time.Time, after ledger.CustomerID, limit int) ([]ledger.CustomerID, error) {
	unlock := s.rlock()
	defer unlock()

	query := `
		SELECT DISTINCT customer_id FROM entries
		WHERE closed_for_expiration = ? AND correction = ? AND credit = ?
		  AND expires_at IS NOT NULL AND expires_at <= ?
		  AND customer_id > ?
		ORDER BY customer_id`
	args := []any{false, false, true, asOf.UTC(), string(after)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryIDs(ctx, s.db, s.rebind(query), args...)
}

// KindTotals sums in Go so both dialects keep exact decimal arithmetic.
func (s *Store) KindTotals(ctx context.Context, since time.Time) (map[ledger.EventKind]ledger.KindTotal, error) {
	unlock := s.rlock()
	defer unlock()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT kind, points FROM entries WHERE correction = ? AND created_at >= ?
	`), false, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query kind totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[ledger.EventKind]ledger.KindTotal)
	for rows.Next() {
		var (
			name   string
			points decimal.Decimal
		)
		if err := rows.Scan(&name, &points); err != nil {
			return nil, err
		}
		kind, err := ledger.ParseEventKind(name)
		if err != nil {
			return nil, err
		}
		t := totals[kind]
		t.Count++
		t.Points = t.Points.Add(points)
		totals[kind] = t
	}
	return totals, rows.Err()
}

func queryIDs(ctx context.Context, q queryer, query string, args ...any) ([]ledger.CustomerID, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query customer ids: %w", err)
	}
	defer rows.Close()

	var ids []ledger.CustomerID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, ledger.CustomerID(id))
	}
	return ids, rows.Err()
}

func queryEntries(ctx context.Context, s *Store, q queryer, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e                              ledger.Entry
		id, customer, kind             string
		sale, promotion, reference     sql.NullString
		expiresAt                      sql.NullTime
		monetary                       decimal.NullDecimal
		description, key, metadataJSON sql.NullString
	)
	err := rows.Scan(&e.Seq, &id, &customer, &kind, &e.Points, &sale, &promotion, &reference,
		&e.IsRedemption, &expiresAt, &e.ClosedForExpiration, &monetary, &e.Multiplier,
		&e.Correction, &description, &key, &metadataJSON, &e.CreatedAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.ID = ledger.EntryID(id)
	e.CustomerID = ledger.CustomerID(customer)
	if e.Kind, err = ledger.ParseEventKind(kind); err != nil {
		return e, err
	}
	e.Sale = ledger.SaleRef(sale.String)
	e.Promotion = ledger.PromotionRef(promotion.String)
	e.ReferenceEntryID = ledger.EntryID(reference.String)
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		e.ExpiresAt = &t
	}
	if monetary.Valid {
		v := monetary.Decimal
		e.MonetaryEquivalent = &v
	}
	e.Description = description.String
	e.IdempotencyKey = key.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return e, fmt.Errorf("entry %s metadata: %w", id, err)
		}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithCustomers executes fn within a database transaction holding the
// customers' locks.
func (s *Store) WithCustomers(ctx context.Context, ids []ledger.CustomerID, fn func(ledger.Tx) error) error {
	unlock := s.lock()
	defer unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	sorted := ledger.SortIDs(ids)
	locked := make(map[ledger.CustomerID]bool, len(sorted))
	for _, id := range sorted {
		if s.d.LockRows {
			var version int64
			err := sqlTx.QueryRowContext(ctx, s.rebind(`SELECT version FROM customers WHERE id = ? FOR UPDATE`), string(id)).Scan(&version)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to lock customer %s: %w", id, err)
			}
		}
		locked[id] = true
	}

	tx := &txStore{tx: sqlTx, parent: s, locked: locked}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

type txStore struct {
	tx     *sql.Tx
	parent *Store
	locked map[ledger.CustomerID]bool
}

func (ts *txStore) Customer(ctx context.Context, id ledger.CustomerID) (*ledger.Customer, error) {
	if !ts.locked[id] {
		return nil, ledger.ErrCustomerUnlocked
	}
	return getCustomer(ctx, ts.parent, ts.tx, id)
}

func (ts *txStore) SaveCustomer(ctx context.Context, c *ledger.Customer) error {
	if !ts.locked[c.ID] {
		return ledger.ErrCustomerUnlocked
	}

	var lastAccrual, lastBonus sql.NullTime
	if c.LastAccrualAt != nil {
		lastAccrual = sql.NullTime{Time: c.LastAccrualAt.UTC(), Valid: true}
	}
	if c.LastBirthdayBonusYear != nil {
		lastBonus = sql.NullTime{Time: c.LastBirthdayBonusYear.UTC(), Valid: true}
	}

	now := time.Now().UTC()
	res, err := ts.tx.ExecContext(ctx, ts.parent.rebind(`
		UPDATE customers SET
			lifetime_earned = ?,
			spendable_balance = ?,
			last_accrual_at = ?,
			last_birthday_bonus_year = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND version = ?
	`), c.LifetimeEarned.String(), c.SpendableBalance.String(), lastAccrual, lastBonus, now, string(c.ID), c.Version)
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrConcurrentModification
	}
	c.Version++
	c.UpdatedAt = now
	return nil
}

func (ts *txStore) Entries(ctx context.Context, id ledger.CustomerID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.parent, ts.tx, `SELECT `+entryColumns+` FROM entries WHERE customer_id = ? ORDER BY seq`, string(id))
}

func (ts *txStore) SaleEntries(ctx context.Context, sale ledger.SaleRef) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.parent, ts.tx, `SELECT `+entryColumns+` FROM entries WHERE sale_ref = ? ORDER BY seq`, string(sale))
}

func (ts *txStore) Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if !ts.locked[e.CustomerID] {
		return ledger.Entry{}, ledger.ErrCustomerUnlocked
	}

	var metadataJSON sql.NullString
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return ledger.Entry{}, fmt.Errorf("entry metadata: %w", err)
		}
		metadataJSON = nullString(string(raw))
	}
	var expiresAt sql.NullTime
	if e.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: e.ExpiresAt.UTC(), Valid: true}
	}
	var monetary sql.NullString
	if e.MonetaryEquivalent != nil {
		monetary = nullString(e.MonetaryEquivalent.String())
	}
	multiplier := e.Multiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}

	err := ts.tx.QueryRowContext(ctx, ts.parent.rebind(`
		INSERT INTO entries
		(id, customer_id, kind, points, credit, sale_ref, promotion_ref, reference_entry_id,
		 is_redemption, expires_at, closed_for_expiration, monetary_equivalent, multiplier,
		 correction, description, idempotency_key, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`),
		string(e.ID),
		string(e.CustomerID),
		e.Kind.String(),
		e.Points.String(),
		e.Points.IsPositive(),
		nullString(string(e.Sale)),
		nullString(string(e.Promotion)),
		nullString(string(e.ReferenceEntryID)),
		e.IsRedemption,
		expiresAt,
		e.ClosedForExpiration,
		monetary,
		multiplier.String(),
		e.Correction,
		nullString(e.Description),
		nullString(e.IdempotencyKey),
		metadataJSON,
		e.CreatedAt.UTC(),
	).Scan(&e.Seq)
	if err != nil {
		if ts.parent.d.IsUniqueViolation != nil && ts.parent.d.IsUniqueViolation(err) {
			return ledger.Entry{}, ledger.ErrDuplicateIdempotencyKey
		}
		return ledger.Entry{}, fmt.Errorf("failed to append entry: %w", err)
	}
	return e, nil
}

func (ts *txStore) CloseForExpiration(ctx context.Context, id ledger.EntryID) error {
	var owner string
	err := ts.tx.QueryRowContext(ctx, ts.parent.rebind(`SELECT customer_id FROM entries WHERE id = ?`), string(id)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrEntryNotFound
	}
	if err != nil {
		return err
	}
	if !ts.locked[ledger.CustomerID(owner)] {
		return ledger.ErrCustomerUnlocked
	}
	_, err = ts.tx.ExecContext(ctx, ts.parent.rebind(`UPDATE entries SET closed_for_expiration = ? WHERE id = ?`), true, string(id))
	return err
}

// =============================================================================
// SWEEP RUNS
// =============================================================================

func (s *Store) SaveSweepRun(ctx context.Context, r ledger.SweepRun) error {
	unlock := s.lock()
	defer unlock()

	var completedAt sql.NullTime
	if r.CompletedAt != nil {
		completedAt = sql.NullTime{Time: r.CompletedAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sweep_runs (id, as_of, status, resume_cursor, customers, entries_closed,
			points_expired, failed, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			resume_cursor = excluded.resume_cursor,
			customers = excluded.customers,
			entries_closed = excluded.entries_closed,
			points_expired = excluded.points_expired,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at
	`),
		r.ID, r.AsOf.UTC(), string(r.Status), string(r.Cursor), r.Customers, r.EntriesClosed,
		r.PointsExpired.String(), r.Failed, r.Error, r.StartedAt.UTC(), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save sweep run: %w", err)
	}
	return nil
}

func (s *Store) SweepRuns(ctx context.Context, status ledger.SweepStatus, limit int) ([]ledger.SweepRun, error) {
	unlock := s.rlock()
	defer unlock()

	query := `
		SELECT id, as_of, status, resume_cursor, customers, entries_closed, points_expired,
			failed, error, started_at, completed_at
		FROM sweep_runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sweep runs: %w", err)
	}
	defer rows.Close()

	var runs []ledger.SweepRun
	for rows.Next() {
		var (
			r              ledger.SweepRun
			runStatus      string
			cursor, errMsg sql.NullString
			completedAt    sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.AsOf, &runStatus, &cursor, &r.Customers, &r.EntriesClosed,
			&r.PointsExpired, &r.Failed, &errMsg, &r.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Status = ledger.SweepStatus(runStatus)
		r.Cursor = ledger.CustomerID(cursor.String)
		r.Error = errMsg.String
		r.AsOf = r.AsOf.UTC()
		r.StartedAt = r.StartedAt.UTC()
		if completedAt.Valid {
			t := completedAt.Time.UTC()
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		return stmt[:i]
	}
	return stmt
}
