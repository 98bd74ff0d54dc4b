/*
Package storetest is the behavioural contract every ledger.Store must meet.

USAGE:
  func TestContract(t *testing.T) {
      storetest.Run(t, func(t *testing.T) ledger.Store {
          s, err := sqlite.New(":memory:")
          require.NoError(t, err)
          t.Cleanup(func() { s.Close() })
          return s
      })
  }

Each subtest gets a fresh store from open.
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kilometers-engine/ledger"
)

// Run executes the contract against stores returned by open.
func Run(t *testing.T, open func(t *testing.T) ledger.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"RegisterKeepsBalances", testRegisterKeepsBalances},
		{"UnknownCustomer", testUnknownCustomer},
		{"AppendAndSave", testAppendAndSave},
		{"EntryRoundTrip", testEntryRoundTrip},
		{"RollbackOnError", testRollbackOnError},
		{"StaleVersionRejected", testStaleVersionRejected},
		{"UnlockedCustomerRejected", testUnlockedCustomerRejected},
		{"DuplicateIdempotencyKey", testDuplicateIdempotencyKey},
		{"CloseForExpiration", testCloseForExpiration},
		{"SaleLookups", testSaleLookups},
		{"KindTotals", testKindTotals},
		{"ListCustomersPaging", testListCustomersPaging},
		{"SweepRuns", testSweepRuns},
		{"ConcurrentWritersSerialize", testConcurrentWritersSerialize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

var base = time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func register(t *testing.T, s ledger.Store, id ledger.CustomerID) *ledger.Customer {
	t.Helper()
	c, err := s.RegisterCustomer(context.Background(), ledger.Profile{ID: id, Participates: true})
	require.NoError(t, err)
	return c
}

func newEntry(customer ledger.CustomerID, kind ledger.EventKind, points string) ledger.Entry {
	return ledger.Entry{
		ID:         ledger.EntryID(uuid.NewString()),
		CustomerID: customer,
		Kind:       kind,
		Points:     d(points),
		Multiplier: decimal.NewFromInt(1),
		CreatedAt:  base,
	}
}

// credit appends e and moves the balance by its points in one transaction.
func credit(t *testing.T, s ledger.Store, e ledger.Entry) ledger.Entry {
	t.Helper()
	ctx := context.Background()
	var written ledger.Entry
	err := s.WithCustomers(ctx, []ledger.CustomerID{e.CustomerID}, func(tx ledger.Tx) error {
		c, err := tx.Customer(ctx, e.CustomerID)
		if err != nil {
			return err
		}
		written, err = tx.Append(ctx, e)
		if err != nil {
			return err
		}
		c.SpendableBalance = c.SpendableBalance.Add(e.Points)
		return tx.SaveCustomer(ctx, c)
	})
	require.NoError(t, err)
	return written
}

func ids(entries []ledger.Entry) []ledger.EntryID {
	out := make([]ledger.EntryID, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

// =============================================================================
// CONTRACT
// =============================================================================

func testRegisterKeepsBalances(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	c := register(t, s, "c-1")
	assert.True(t, c.SpendableBalance.IsZero())
	assert.True(t, c.LifetimeEarned.IsZero())
	assert.Nil(t, c.ReferredBy)

	credit(t, s, newEntry("c-1", ledger.KindPurchase, "100"))

	referrer := ledger.CustomerID("c-9")
	again, err := s.RegisterCustomer(ctx, ledger.Profile{ID: "c-1", Participates: false, ReferredBy: &referrer})
	require.NoError(t, err)

	assert.False(t, again.Participates)
	require.NotNil(t, again.ReferredBy)
	assert.Equal(t, referrer, *again.ReferredBy)
	assert.True(t, again.SpendableBalance.Equal(d("100")), "registration never touches balances")
}

func testUnknownCustomer(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.GetCustomer(ctx, "nobody")
	assert.ErrorIs(t, err, ledger.ErrCustomerNotFound)

	err = s.WithCustomers(ctx, []ledger.CustomerID{"nobody"}, func(tx ledger.Tx) error {
		_, err := tx.Customer(ctx, "nobody")
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrCustomerNotFound)
}

func testAppendAndSave(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	register(t, s, "c-1")

	first := credit(t, s, newEntry("c-1", ledger.KindPurchase, "100"))
	second := credit(t, s, newEntry("c-1", ledger.KindRedemption, "-30"))
	assert.Greater(t, second.Seq, first.Seq)

	c, err := s.GetCustomer(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.SpendableBalance.Equal(d("70")), "spendable: %s", c.SpendableBalance)
	assert.Equal(t, int64(2), c.Version)

	entries, err := s.Entries(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, []ledger.EntryID{first.ID, second.ID}, ids(entries))
}

func testEntryRoundTrip(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	register(t, s, "c-1")

	expires := base.AddDate(2, 0, 0)
	value := d("0.617")
	e := newEntry("c-1", ledger.KindPromotionBonus, "12.345")
	e.Sale = "s-1"
	e.Promotion = "p-1"
	e.ExpiresAt = &expires
	e.MonetaryEquivalent = &value
	e.Multiplier = d("1.5")
	e.Description = "Promotion p-1"
	e.IdempotencyKey = "key-1"
	e.Metadata = map[string]string{"channel": "store"}
	credit(t, s, e)

	entries, err := s.Entries(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]

	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, ledger.KindPromotionBonus, got.Kind)
	assert.True(t, got.Points.Equal(d("12.345")), "points: %s", got.Points)
	assert.Equal(t, ledger.SaleRef("s-1"), got.Sale)
	assert.Equal(t, ledger.PromotionRef("p-1"), got.Promotion)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))
	require.NotNil(t, got.MonetaryEquivalent)
	assert.True(t, got.MonetaryEquivalent.Equal(value))
	assert.True(t, got.Multiplier.Equal(d("1.5")))
	assert.Equal(t, "key-1", got.IdempotencyKey)
	assert.Equal(t, map[string]string{"channel": "store"}, got.Metadata)
	assert.True(t, got.CreatedAt.Equal(base))
	assert.False(t, got.ClosedForExpiration)
	assert.False(t, got.Correction)
}

func testRollbackOnError(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	register(t, s, "c-1")
	boom := errors.New("boom")

	err := s.WithCustomers(ctx, []ledger.CustomerID{"c-1"}, func(tx ledger.Tx) error {
		c, err := tx.Customer(ctx, "c-1")
		if err != nil {
			return err
		}
		if _, err := tx.Append(ctx, newEntry("c-1", ledger.KindPurchase, "100")); err != nil {
			return err
		}
		c.SpendableBalance = d("100")
		if err := tx.SaveCustomer(ctx, c); err != nil {
			return err
		}

		// the transaction sees its own writes
		inTx, err := tx.Entries(ctx, "c-1")
		if err != nil {
			return err
		}
		if len(inTx) != 1 {
			return fmt.Errorf("expected 1 staged entry, got %d", len(inTx))
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := s.Entries(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	c, err := s.GetCustomer(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.SpendableBalance.IsZero())
	assert.Equal(t, int64(0), c.Version)
}

func testStaleVersionRejected(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	register(t, s, "c-1")

	err := s.WithCustomers(ctx, []ledger.CustomerID{"c-1"}, func(tx ledger.Tx) error {
		c, err := tx.Customer(ctx, "c-1")
		if err != nil {
			return err
		}
		stale := *c
		c.SpendableBalance = d("5")
		if err := tx.SaveCustomer(ctx, c); err != nil {
			return err
		}
		stale.SpendableBalance = d("7")
		return tx.SaveCustomer(ctx, &stale)
	})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	c, err := s.GetCustomer(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.SpendableBalance.IsZero(), "failed transaction leaves nothing")
}

func testUnlockedCustomerRejected(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	register(t, s, "c-1")
	register(t, s, "c-2")

	err := s.WithCustomers(ctx, []ledger.CustomerID{"c-1"}, func(tx ledger.Tx) error {
		_, err := tx.Append(ctx, newEntry("c-2", ledger.KindPurchase, "1"))
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrCustomerUnlocked)

	err = s.WithCustomers(ctx, []ledger.CustomerID{"c-1"}, func(tx ledger.Tx) error {
		_, err := tx.Customer(ctx, "c-2")
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrCustomerUnlocked)
}

func testDuplicateIdempotencyKey(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	register(t, s, "c-1")

	e := newEntry("c-1", ledger.KindPurchase, "10")
	e.IdempotencyKey = "same"
	credit(t, s, e)

	dup := newEntry("c-1", ledger.KindPurchase, "10")
	dup.IdempotencyKey = "same"
	err := s.WithCustomers(ctx, []ledger.CustomerID{"c-1"}, func(tx ledger.Tx) error {
		_, err := tx.Append(ctx, dup)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	entries, err := s.Entries(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testCloseForExpiration(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	register(t, s, "c-1")
	register(t, s, "c-2")

	past := base.Add(-time.Hour)
	future := base.Add(time.Hour)

	due := newEntry("c-1", ledger.KindPurchase, "10")
	due.ExpiresAt = &past
	due = credit(t, s, due)

	notDue := newEntry("c-2", ledger.KindPurchase, "10")
	notDue.ExpiresAt = &future
	credit(t, s, notDue)

	candidates, err := s.ExpirableCustomers(ctx, base, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []ledger.CustomerID{"c-1"}, candidates)

	err = s.WithCustomers(ctx, []ledger.CustomerID{"c-1"}, func(tx ledger.Tx) error {
		if err := tx.CloseForExpiration(ctx, due.ID); err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, "c-1")
		if err != nil {
			return err
		}
		if !entries[0].ClosedForExpiration {
			return errors.New("close not visible inside the transaction")
		}
		return nil
	})
	require.NoError(t, err)

	entries, err := s.Entries(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, entries[0].ClosedForExpiration)

	candidates, err = s.ExpirableCustomers(ctx, base, "", 0)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	err = s.WithCustomers(ctx, []ledger.CustomerID{"c-1"}, func(tx ledger.Tx) error {
		return tx.CloseForExpiration(ctx, "missing")
	})
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func testSaleLookups(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	register(t, s, "c-1")
	register(t, s, "c-2")

	a := newEntry("c-2", ledger.KindPurchase, "10")
	a.Sale = "s-1"
	a = credit(t, s, a)
	b := newEntry("c-1", ledger.KindReferralBonus, "5")
	b.Sale = "s-1"
	b = credit(t, s, b)
	other := newEntry("c-1", ledger.KindPurchase, "1")
	other.Sale = "s-2"
	credit(t, s, other)

	customers, err := s.SaleCustomers(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, []ledger.CustomerID{"c-1", "c-2"}, customers)

	err = s.WithCustomers(ctx, customers, func(tx ledger.Tx) error {
		entries, err := tx.SaleEntries(ctx, "s-1")
		if err != nil {
			return err
		}
		assert.Equal(t, []ledger.EntryID{a.ID, b.ID}, ids(entries), "ordered by seq")
		return nil
	})
	require.NoError(t, err)

	none, err := s.SaleCustomers(ctx, "s-404")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testKindTotals(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	register(t, s, "c-1")

	old := newEntry("c-1", ledger.KindPurchase, "100")
	old.CreatedAt = base.AddDate(0, -2, 0)
	credit(t, s, old)
	credit(t, s, newEntry("c-1", ledger.KindPurchase, "50.5"))
	credit(t, s, newEntry("c-1", ledger.KindRedemption, "-20"))
	correction := newEntry("c-1", ledger.KindAdjustment, "-3")
	correction.Correction = true
	credit(t, s, correction)

	all, err := s.KindTotals(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, all[ledger.KindPurchase].Count)
	assert.True(t, all[ledger.KindPurchase].Points.Equal(d("150.5")))
	assert.True(t, all[ledger.KindRedemption].Points.Equal(d("-20")))
	_, hasAdjustment := all[ledger.KindAdjustment]
	assert.False(t, hasAdjustment, "corrections are excluded")

	recent, err := s.KindTotals(ctx, base.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, 1, recent[ledger.KindPurchase].Count)
	assert.True(t, recent[ledger.KindPurchase].Points.Equal(d("50.5")))
}

func testListCustomersPaging(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for _, id := range []ledger.CustomerID{"c-3", "c-1", "c-2"} {
		register(t, s, id)
	}
	_, err := s.RegisterCustomer(ctx, ledger.Profile{ID: "c-4", Participates: false})
	require.NoError(t, err)

	page, err := s.ListCustomers(ctx, ledger.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ledger.CustomerID("c-1"), page[0].ID)
	assert.Equal(t, ledger.CustomerID("c-2"), page[1].ID)

	rest, err := s.ListCustomers(ctx, ledger.ListOptions{After: "c-2"})
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	participating, err := s.ListCustomers(ctx, ledger.ListOptions{After: "c-2", ParticipatingOnly: true})
	require.NoError(t, err)
	require.Len(t, participating, 1)
	assert.Equal(t, ledger.CustomerID("c-3"), participating[0].ID)
}

func testSweepRuns(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	older := ledger.SweepRun{
		ID: "run-1", AsOf: base, Status: ledger.SweepCompleted,
		PointsExpired: d("10"), StartedAt: base,
	}
	newer := ledger.SweepRun{
		ID: "run-2", AsOf: base.Add(time.Hour), Status: ledger.SweepRunning,
		Cursor: "c-5", PointsExpired: decimal.Zero, StartedAt: base.Add(time.Hour),
	}
	require.NoError(t, s.SaveSweepRun(ctx, older))
	require.NoError(t, s.SaveSweepRun(ctx, newer))

	runs, err := s.SweepRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID, "newest first")
	assert.Equal(t, ledger.CustomerID("c-5"), runs[0].Cursor)

	completed := base.Add(2 * time.Hour)
	newer.Status = ledger.SweepCompleted
	newer.Cursor = ""
	newer.EntriesClosed = 3
	newer.PointsExpired = d("42.5")
	newer.CompletedAt = &completed
	require.NoError(t, s.SaveSweepRun(ctx, newer))

	running, err := s.SweepRuns(ctx, ledger.SweepRunning, 1)
	require.NoError(t, err)
	assert.Empty(t, running)

	done, err := s.SweepRuns(ctx, ledger.SweepCompleted, 1)
	require.NoError(t, err)
	require.Len(t, done, 1)
	got := done[0]
	assert.Equal(t, "run-2", got.ID)
	assert.Equal(t, 3, got.EntriesClosed)
	assert.True(t, got.PointsExpired.Equal(d("42.5")))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completed))
	assert.True(t, got.AsOf.Equal(base.Add(time.Hour)))
}

func testConcurrentWritersSerialize(t *testing.T, s ledger.Store) {
	// GIVEN: Many goroutines crediting the same customer
	// THEN: No update is lost and every transaction commits

	ctx := context.Background()
	register(t, s, "c-1")

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithCustomers(ctx, []ledger.CustomerID{"c-1"}, func(tx ledger.Tx) error {
				c, err := tx.Customer(ctx, "c-1")
				if err != nil {
					return err
				}
				if _, err := tx.Append(ctx, newEntry("c-1", ledger.KindPurchase, "1")); err != nil {
					return err
				}
				c.SpendableBalance = c.SpendableBalance.Add(d("1"))
				return tx.SaveCustomer(ctx, c)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	c, err := s.GetCustomer(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.SpendableBalance.Equal(decimal.NewFromInt(writers)), "spendable: %s", c.SpendableBalance)
	entries, err := s.Entries(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, entries, writers)
}
