/*
store.go - Persistence contracts for entries, customers and sweep runs

PURPOSE:
  Defines the interface between the kilometers engine and the database.
  Implementations: ledger/store (memory), store/sqlite, store/postgres.

APPEND-ONLY CONTRACT:
  - Tx.Append is the only way to add an entry
  - Tx.CloseForExpiration is the only mutation of an existing entry
  - NO Update() or Delete() of entries exists

PER-CUSTOMER SERIALIZATION:
  WithCustomers runs fn in a single transaction that holds the lock of every
  listed customer, acquired in sorted id order. Aggregate writes go through
  Tx.SaveCustomer which compares the version read inside the transaction and
  fails with ErrConcurrentModification if it moved.

SEE ALSO:
  - projection.go: how aggregates derive from entries
  - kilometers/engine.go: the only writer
*/
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Read side plus the transactional boundary
// =============================================================================

type Store interface {
	// WithCustomers executes fn within a transaction holding the listed customers' locks.
	// If fn returns error, the transaction is rolled back.
	WithCustomers(ctx context.Context, ids []CustomerID, fn func(Tx) error) error

	// RegisterCustomer creates or updates participation and referrer.
	// Balance fields are never touched.
	RegisterCustomer(ctx context.Context, p Profile) (*Customer, error)

	GetCustomer(ctx context.Context, id CustomerID) (*Customer, error)
	ListCustomers(ctx context.Context, opts ListOptions) ([]Customer, error)

	// Entries returns the customer's entries ordered by Seq.
	Entries(ctx context.Context, id CustomerID) ([]Entry, error)

	// SaleCustomers returns every customer holding entries linked to the sale.
	SaleCustomers(ctx context.Context, sale SaleRef) ([]CustomerID, error)

	// ExpirableCustomers returns customers with expirable entries at asOf,
	// ordered by id, strictly after the cursor.
	ExpirableCustomers(ctx context.Context, asOf time.Time, after CustomerID, limit int) ([]CustomerID, error)

	// KindTotals sums entries per kind created at or after since (zero = all time).
	KindTotals(ctx context.Context, since time.Time) (map[EventKind]KindTotal, error)

	SweepRunStore
}

// Tx is the view of the store inside WithCustomers.
type Tx interface {
	Customer(ctx context.Context, id CustomerID) (*Customer, error)

	// SaveCustomer writes the aggregate fields, checking c.Version against the
	// stored version and incrementing it.
	SaveCustomer(ctx context.Context, c *Customer) error

	// Entries includes entries appended earlier in the same transaction.
	Entries(ctx context.Context, id CustomerID) ([]Entry, error)
	SaleEntries(ctx context.Context, sale SaleRef) ([]Entry, error)

	// Append persists e and returns it with Seq assigned.
	Append(ctx context.Context, e Entry) (Entry, error)

	CloseForExpiration(ctx context.Context, id EntryID) error
}

type ListOptions struct {
	After             CustomerID
	Limit             int
	ParticipatingOnly bool
}

type KindTotal struct {
	Count  int
	Points decimal.Decimal
}

// SortIDs returns a sorted copy without duplicates. Stores lock in this order.
func SortIDs(ids []CustomerID) []CustomerID {
	seen := make(map[CustomerID]bool, len(ids))
	out := make([]CustomerID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// SWEEP RUNS - progress of expiration sweeps, used to resume
// =============================================================================

type SweepStatus string

const (
	SweepRunning   SweepStatus = "running"
	SweepCompleted SweepStatus = "completed"
	SweepFailed    SweepStatus = "failed"
)

type SweepRun struct {
	ID            string
	AsOf          time.Time
	Status        SweepStatus
	Cursor        CustomerID
	Customers     int
	EntriesClosed int
	PointsExpired decimal.Decimal
	Failed        int
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

type SweepRunStore interface {
	// SaveSweepRun inserts or replaces the run with the same ID.
	SaveSweepRun(ctx context.Context, run SweepRun) error

	// SweepRuns lists runs newest first; empty status means any.
	SweepRuns(ctx context.Context, status SweepStatus, limit int) ([]SweepRun, error)
}
