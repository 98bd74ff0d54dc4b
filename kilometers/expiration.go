package kilometers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/kilometers-engine/ledger"
	"github.com/warp/kilometers-engine/observability"
)

// SweepOptions bound one page of an expiration sweep.
type SweepOptions struct {
	AsOf        time.Time         // zero means now
	After       ledger.CustomerID // resume cursor, exclusive
	Limit       int               // customers per page, 0 = all
	Concurrency int               // parallel customer transactions, 0 = 4
}

// SweepReport is the outcome of one page.
type SweepReport struct {
	Customers     int
	EntriesClosed int
	PointsExpired decimal.Decimal
	Failed        []ledger.CustomerID
	NextCursor    ledger.CustomerID // empty when nothing is left after this page
}

// Sweep expires every due credit of one page of customers. Each customer is
// handled in its own transaction under the customer lock, so the sweep can
// race interactive operations and other sweeps. A failing customer is
// reported and skipped; the next run picks it up again.
func (e *Engine) Sweep(ctx context.Context, opts SweepOptions) (*SweepReport, error) {
	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = e.Now()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	ids, err := e.Store.ExpirableCustomers(ctx, asOf, opts.After, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("list expirable customers: %w", err)
	}

	report := &SweepReport{PointsExpired: decimal.Zero}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			closed, expired, err := e.expireCustomer(gctx, id, asOf)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				observability.SweepCustomerFailures.Inc()
				e.Log.Error("expiration failed",
					zap.String("customer", string(id)),
					zap.Error(err))
				report.Failed = append(report.Failed, id)
				return nil
			}
			report.Customers++
			report.EntriesClosed += closed
			report.PointsExpired = report.PointsExpired.Add(expired)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i] < report.Failed[j] })
	if opts.Limit > 0 && len(ids) == opts.Limit {
		report.NextCursor = ids[len(ids)-1]
	}
	return report, nil
}

// expireCustomer closes every due credit of one customer, oldest expiry first.
func (e *Engine) expireCustomer(ctx context.Context, id ledger.CustomerID, asOf time.Time) (int, decimal.Decimal, error) {
	closed := 0
	expired := decimal.Zero

	err := e.Store.WithCustomers(ctx, []ledger.CustomerID{id}, func(tx ledger.Tx) error {
		closed, expired = 0, decimal.Zero

		c, err := tx.Customer(ctx, id)
		if err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, id)
		if err != nil {
			return err
		}

		var due []ledger.Entry
		for _, en := range entries {
			if en.Expirable(asOf) {
				due = append(due, en)
			}
		}
		if len(due) == 0 {
			return nil
		}
		sort.SliceStable(due, func(i, j int) bool {
			if !due[i].ExpiresAt.Equal(*due[j].ExpiresAt) {
				return due[i].ExpiresAt.Before(*due[j].ExpiresAt)
			}
			return due[i].Seq < due[j].Seq
		})

		remaining := ledger.RemainingByEntry(entries)
		now := e.Now()
		var written []ledger.Entry
		for _, credit := range due {
			amount := decimal.Min(remaining[credit.ID], decimal.Max(c.SpendableBalance, decimal.Zero))
			if amount.IsPositive() {
				exp := e.newEntry(id, ledger.KindExpiration, amount.Neg(), now)
				exp.Sale = credit.Sale
				exp.ReferenceEntryID = credit.ID
				exp.Description = fmt.Sprintf("Expiration of %s from %s", credit.Kind, credit.CreatedAt.Format("2006-01-02"))
				w, err := e.apply(ctx, tx, c, exp)
				if err != nil {
					return err
				}
				written = append(written, w)
				expired = expired.Add(amount)
			}
			if err := tx.CloseForExpiration(ctx, credit.ID); err != nil {
				return fmt.Errorf("close %s: %w", credit.ID, err)
			}
			closed++
		}

		if len(written) > 0 {
			if err := e.save(ctx, tx, c); err != nil {
				return err
			}
		}
		recordEntries(written...)
		return nil
	})
	return closed, expired, err
}

// =============================================================================
// SWEEP RUNS - restartable, resumable full sweeps
// =============================================================================

// SweepConfig configures RunSweep.
type SweepConfig struct {
	BatchSize   int
	Concurrency int
}

// RunSweep sweeps every customer page by page and records progress as a
// SweepRun after each page. A run left in the running state (crash or
// cancellation) is resumed from its cursor and original as-of time.
func (e *Engine) RunSweep(ctx context.Context, cfg SweepConfig) (*ledger.SweepRun, error) {
	started := time.Now()
	run, err := e.resumableRun(ctx)
	if err != nil {
		return nil, err
	}

	log := e.Log.With(zap.String("run", run.ID), zap.Time("as_of", run.AsOf))
	if run.Cursor != "" {
		log.Info("resuming expiration sweep", zap.String("cursor", string(run.Cursor)))
	}

	for {
		report, err := e.Sweep(ctx, SweepOptions{
			AsOf:        run.AsOf,
			After:       run.Cursor,
			Limit:       cfg.BatchSize,
			Concurrency: cfg.Concurrency,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// leave the run resumable
				return run, err
			}
			run.Status = ledger.SweepFailed
			run.Error = err.Error()
			if saveErr := e.Store.SaveSweepRun(context.WithoutCancel(ctx), *run); saveErr != nil {
				log.Error("save sweep run", zap.Error(saveErr))
			}
			return run, err
		}

		run.Customers += report.Customers
		run.EntriesClosed += report.EntriesClosed
		run.PointsExpired = run.PointsExpired.Add(report.PointsExpired)
		run.Failed += len(report.Failed)
		run.Cursor = report.NextCursor

		if run.Cursor == "" {
			break
		}
		if err := e.Store.SaveSweepRun(ctx, *run); err != nil {
			return run, fmt.Errorf("save sweep progress: %w", err)
		}
	}

	completed := e.Now()
	run.Status = ledger.SweepCompleted
	run.CompletedAt = &completed
	if err := e.Store.SaveSweepRun(ctx, *run); err != nil {
		return run, fmt.Errorf("save sweep run: %w", err)
	}

	observability.ObserveSweep(started, run.EntriesClosed)
	log.Info("expiration sweep completed",
		zap.Int("customers", run.Customers),
		zap.Int("entries_closed", run.EntriesClosed),
		zap.String("points_expired", run.PointsExpired.String()),
		zap.Int("failed", run.Failed))
	return run, nil
}

func (e *Engine) resumableRun(ctx context.Context) (*ledger.SweepRun, error) {
	running, err := e.Store.SweepRuns(ctx, ledger.SweepRunning, 1)
	if err != nil {
		return nil, fmt.Errorf("load sweep runs: %w", err)
	}
	if len(running) > 0 {
		run := running[0]
		return &run, nil
	}

	now := e.Now()
	run := &ledger.SweepRun{
		ID:            uuid.NewString(),
		AsOf:          now,
		Status:        ledger.SweepRunning,
		PointsExpired: decimal.Zero,
		StartedAt:     now,
	}
	if err := e.Store.SaveSweepRun(ctx, *run); err != nil {
		return nil, fmt.Errorf("create sweep run: %w", err)
	}
	return run, nil
}
