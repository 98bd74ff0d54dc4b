package kilometers

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/kilometers-engine/ledger"
	"github.com/warp/kilometers-engine/observability"
)

// DriftReport compares the cached aggregates of one customer with the
// aggregates recomputed from the ledger.
type DriftReport struct {
	CustomerID    ledger.CustomerID
	Stored        ledger.Aggregates
	Expected      ledger.Aggregates
	SpendableDiff decimal.Decimal // stored - expected
	LifetimeDiff  decimal.Decimal
	Consistent    bool
}

// Err returns a *ledger.DriftError when the customer is inconsistent.
func (r DriftReport) Err() error {
	if r.Consistent {
		return nil
	}
	return &ledger.DriftError{
		CustomerID:    r.CustomerID,
		SpendableDiff: r.SpendableDiff,
		LifetimeDiff:  r.LifetimeDiff,
	}
}

func (e *Engine) drift(c *ledger.Customer, entries []ledger.Entry) DriftReport {
	expected := ledger.Project(entries)
	r := DriftReport{
		CustomerID:    c.ID,
		Stored:        ledger.Aggregates{Spendable: c.SpendableBalance, Lifetime: c.LifetimeEarned},
		Expected:      expected,
		SpendableDiff: c.SpendableBalance.Sub(expected.Spendable),
		LifetimeDiff:  c.LifetimeEarned.Sub(expected.Lifetime),
	}
	r.Consistent = r.SpendableDiff.Abs().LessThanOrEqual(e.Policy.Tolerance) &&
		r.LifetimeDiff.Abs().LessThanOrEqual(e.Policy.Tolerance)
	return r
}

// ValidateCustomer recomputes the aggregates of one customer. The read runs
// under the customer lock so the snapshot never straddles a write.
func (e *Engine) ValidateCustomer(ctx context.Context, id ledger.CustomerID) (*DriftReport, error) {
	var report DriftReport
	err := e.Store.WithCustomers(ctx, []ledger.CustomerID{id}, func(tx ledger.Tx) error {
		c, err := tx.Customer(ctx, id)
		if err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, id)
		if err != nil {
			return err
		}
		report = e.drift(c, entries)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !report.Consistent {
		observability.DriftDetected.Inc()
		e.Log.Warn("aggregate drift detected",
			zap.String("customer", string(id)),
			zap.String("spendable_diff", report.SpendableDiff.String()),
			zap.String("lifetime_diff", report.LifetimeDiff.String()))
	}
	return &report, nil
}

// ReconcileResult describes what ReconcileCustomer did.
type ReconcileResult struct {
	Report     DriftReport
	Reconciled bool
	Correction *ledger.Entry
}

// ReconcileCustomer overwrites the aggregates with the ledger projection.
// Without force nothing happens while the customer is within tolerance.
// The correction entry records the previous and new values and is excluded
// from later projections.
func (e *Engine) ReconcileCustomer(ctx context.Context, id ledger.CustomerID, force bool) (*ReconcileResult, error) {
	var res ReconcileResult
	err := e.Store.WithCustomers(ctx, []ledger.CustomerID{id}, func(tx ledger.Tx) error {
		res = ReconcileResult{}
		c, err := tx.Customer(ctx, id)
		if err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, id)
		if err != nil {
			return err
		}
		report := e.drift(c, entries)
		res.Report = report
		if report.Consistent && !force {
			return nil
		}

		delta := report.SpendableDiff.Neg()
		now := e.Now()
		correction := e.newEntry(id, ledger.KindAdjustment, delta, now)
		correction.Correction = true
		correction.Description = "Balance reconciliation"
		correction.Metadata = map[string]string{
			"previous_spendable": c.SpendableBalance.String(),
			"new_spendable":      report.Expected.Spendable.String(),
			"previous_lifetime":  c.LifetimeEarned.String(),
			"new_lifetime":       report.Expected.Lifetime.String(),
			"lifetime_delta":     report.LifetimeDiff.Neg().String(),
			"forced":             fmt.Sprintf("%t", force),
		}
		written, err := tx.Append(ctx, correction)
		if err != nil {
			return fmt.Errorf("append correction for %s: %w", id, err)
		}

		c.SpendableBalance = report.Expected.Spendable
		c.LifetimeEarned = report.Expected.Lifetime
		if err := e.save(ctx, tx, c); err != nil {
			return err
		}
		res.Reconciled = true
		res.Correction = &written
		return nil
	})
	if err != nil {
		e.record("reconcile", "", err)
		return nil, err
	}
	if res.Reconciled {
		observability.Reconciliations.Inc()
		observability.RecordOperation("reconcile", "reconciled")
		e.Log.Info("customer reconciled",
			zap.String("customer", string(id)),
			zap.String("spendable_diff", res.Report.SpendableDiff.String()),
			zap.String("lifetime_diff", res.Report.LifetimeDiff.String()),
			zap.Bool("forced", force))
	} else {
		observability.RecordOperation("reconcile", "consistent")
	}
	return &res, nil
}

// =============================================================================
// FULL AUDIT
// =============================================================================

// AuditSummary aggregates per-customer reports. Details only lists the
// inconsistent customers unless verbose was requested.
type AuditSummary struct {
	Total        int
	Consistent   int
	Inconsistent int
	Reconciled   int
	Details      []DriftReport
}

const auditPageSize = 500

// ValidateAll checks every participating customer.
func (e *Engine) ValidateAll(ctx context.Context, verbose bool) (*AuditSummary, error) {
	summary := &AuditSummary{}
	err := e.eachParticipant(ctx, func(id ledger.CustomerID) error {
		report, err := e.ValidateCustomer(ctx, id)
		if err != nil {
			return err
		}
		summary.add(*report, verbose)
		return nil
	})
	if err != nil {
		return summary, err
	}
	e.Log.Info("ledger validation finished",
		zap.Int("total", summary.Total),
		zap.Int("inconsistent", summary.Inconsistent))
	return summary, nil
}

// ReconcileAll reconciles every participating customer that drifted, or
// every participating customer when force is set.
func (e *Engine) ReconcileAll(ctx context.Context, force, verbose bool) (*AuditSummary, error) {
	summary := &AuditSummary{}
	err := e.eachParticipant(ctx, func(id ledger.CustomerID) error {
		res, err := e.ReconcileCustomer(ctx, id, force)
		if err != nil {
			return err
		}
		summary.add(res.Report, verbose)
		if res.Reconciled {
			summary.Reconciled++
		}
		return nil
	})
	return summary, err
}

func (s *AuditSummary) add(r DriftReport, verbose bool) {
	s.Total++
	if r.Consistent {
		s.Consistent++
	} else {
		s.Inconsistent++
	}
	if verbose || !r.Consistent {
		s.Details = append(s.Details, r)
	}
}

func (e *Engine) eachParticipant(ctx context.Context, fn func(ledger.CustomerID) error) error {
	var after ledger.CustomerID
	for {
		page, err := e.Store.ListCustomers(ctx, ledger.ListOptions{
			After:             after,
			Limit:             auditPageSize,
			ParticipatingOnly: true,
		})
		if err != nil {
			return fmt.Errorf("list customers: %w", err)
		}
		for _, c := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(c.ID); err != nil {
				return fmt.Errorf("customer %s: %w", c.ID, err)
			}
		}
		if len(page) < auditPageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}
