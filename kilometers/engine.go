/*
Package kilometers implements the loyalty-points engine on top of the ledger.

PURPOSE:
  Every mutating operation appends entries and updates the customer
  aggregate inside one ledger.Store transaction that holds the customer's
  lock. Business-rule rejections leave nothing behind.

OPERATIONS:
  accrual.go:    Accrue, AccruePurchase, GrantReferralBonus, GrantBirthdayBonus
  redemption.go: Redeem, RedemptionLimit, Adjust
  reversal.go:   ReverseForCancelledSale, ReverseForModifiedSale
  expiration.go: Sweep, RunSweep
  audit.go:      ValidateCustomer, ReconcileCustomer, ValidateAll, ReconcileAll
  report.go:     MetricsSnapshot, CustomerSummary

IDEMPOTENCY:
  Sale-lifecycle callers retry. A write that matches an existing,
  uncompensated entry for the same sale and kind returns StatusDuplicate
  with the existing entry instead of writing again.

SEE ALSO:
  - ledger/projection.go: aggregates and lots
  - ledger/store.go: transactional boundary
*/
package kilometers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/kilometers-engine/ledger"
	"github.com/warp/kilometers-engine/observability"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store  ledger.Store
	Policy Policy
	Log    *zap.Logger

	// Now is the engine clock. Tests replace it.
	Now func() time.Time
}

// NewEngine creates an engine. A nil logger discards logs.
func NewEngine(store ledger.Store, policy Policy, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		Store:  store,
		Policy: policy,
		Log:    log,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// RESULTS
// =============================================================================

type Status string

const (
	StatusApplied          Status = "applied"
	StatusDuplicate        Status = "duplicate"
	StatusNotParticipating Status = "not_participating"
)

// Result is returned by single-entry operations.
type Result struct {
	Status   Status
	Entry    *ledger.Entry
	Customer ledger.Customer
}

// =============================================================================
// SHARED WRITE PATH
// =============================================================================

func (e *Engine) newEntry(customer ledger.CustomerID, kind ledger.EventKind, points decimal.Decimal, now time.Time) ledger.Entry {
	value := e.Policy.MonetaryValue(points)
	return ledger.Entry{
		ID:                 ledger.EntryID(uuid.NewString()),
		CustomerID:         customer,
		Kind:               kind,
		Points:             points,
		IsRedemption:       kind == ledger.KindRedemption,
		MonetaryEquivalent: &value,
		Multiplier:         decimal.NewFromInt(1),
		CreatedAt:          now,
	}
}

func (e *Engine) expiry(now time.Time) *time.Time {
	t := now.Add(e.Policy.Validity)
	return &t
}

// apply appends entry and moves the in-memory aggregate. The caller saves
// the customer once at the end of the transaction.
func (e *Engine) apply(ctx context.Context, tx ledger.Tx, c *ledger.Customer, entry ledger.Entry) (ledger.Entry, error) {
	written, err := tx.Append(ctx, entry)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("append %s for %s: %w", entry.Kind, entry.CustomerID, err)
	}

	if !entry.Correction {
		c.SpendableBalance = c.SpendableBalance.Add(entry.Points)
		if entry.Kind.AffectsLifetime() {
			c.LifetimeEarned = c.LifetimeEarned.Add(entry.Points)
		}
	}
	if entry.Kind.IsAccrual() {
		at := entry.CreatedAt
		c.LastAccrualAt = &at
	}
	return written, nil
}

// save persists the aggregate. Spendable may never go below zero.
func (e *Engine) save(ctx context.Context, tx ledger.Tx, c *ledger.Customer) error {
	if c.SpendableBalance.IsNegative() {
		return fmt.Errorf("customer %s spendable would become %s: %w",
			c.ID, c.SpendableBalance, ledger.ErrInsufficientBalance)
	}
	if err := tx.SaveCustomer(ctx, c); err != nil {
		return fmt.Errorf("save customer %s: %w", c.ID, err)
	}
	return nil
}

// outcome maps an operation error to a metrics label.
func outcome(err error) string {
	switch {
	case err == nil:
		return string(StatusApplied)
	case ledger.IsClientError(err):
		return "rejected"
	default:
		return "error"
	}
}

func (e *Engine) record(operation string, status Status, err error) {
	if err == nil && status != "" {
		observability.RecordOperation(operation, string(status))
		return
	}
	observability.RecordOperation(operation, outcome(err))
}

func recordEntries(entries ...ledger.Entry) {
	for _, entry := range entries {
		if entry.Correction {
			continue
		}
		observability.RecordEntry(entry.Kind.String(), entry.Points)
	}
}

// uncompensated returns the entries matching keep that no reversal targets yet.
func uncompensated(entries []ledger.Entry, keep func(ledger.Entry) bool) []ledger.Entry {
	done := ledger.Compensated(entries)
	var out []ledger.Entry
	for _, entry := range entries {
		if !done[entry.ID] && keep(entry) {
			out = append(out, entry)
		}
	}
	return out
}

func byIdempotencyKey(entries []ledger.Entry, key string) *ledger.Entry {
	if key == "" {
		return nil
	}
	for i := range entries {
		if entries[i].IdempotencyKey == key {
			return &entries[i]
		}
	}
	return nil
}
