package kilometers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/kilometers-engine/ledger"
)

// =============================================================================
// CANCELLED SALE
// =============================================================================

// ReversalSummary reports what a sale cancellation changed.
type ReversalSummary struct {
	Sale                    ledger.SaleRef
	TotalReversedCredits    decimal.Decimal
	TotalRedemptionRefunded decimal.Decimal
	ShortfallForgiven       decimal.Decimal
	Entries                 []ledger.Entry
}

// ReverseForCancelledSale compensates every credit and redemption linked to
// the sale, for every customer involved, in one transaction.
//
// Credits already closed by the sweep get their expired amount returned
// first so the reversal does not debit it twice. If the customer already
// spent the reversed points elsewhere, the balance is clamped at zero with
// an ADJUSTMENT for the shortfall; lifetime earned is still fully reduced.
func (e *Engine) ReverseForCancelledSale(ctx context.Context, sale ledger.SaleRef) (*ReversalSummary, error) {
	if sale == "" {
		return nil, ledger.ErrMissingSale
	}
	summary := &ReversalSummary{
		Sale:                    sale,
		TotalReversedCredits:    decimal.Zero,
		TotalRedemptionRefunded: decimal.Zero,
		ShortfallForgiven:       decimal.Zero,
	}

	customers, err := e.Store.SaleCustomers(ctx, sale)
	if err != nil {
		return nil, fmt.Errorf("find customers of sale %s: %w", sale, err)
	}
	if len(customers) == 0 {
		e.record("reverse_cancelled", StatusApplied, nil)
		return summary, nil
	}

	err = e.Store.WithCustomers(ctx, customers, func(tx ledger.Tx) error {
		*summary = ReversalSummary{
			Sale:                    sale,
			TotalReversedCredits:    decimal.Zero,
			TotalRedemptionRefunded: decimal.Zero,
			ShortfallForgiven:       decimal.Zero,
		}

		saleEntries, err := tx.SaleEntries(ctx, sale)
		if err != nil {
			return err
		}
		grouped := make(map[ledger.CustomerID][]ledger.Entry)
		for _, en := range saleEntries {
			grouped[en.CustomerID] = append(grouped[en.CustomerID], en)
		}
		locked := make(map[ledger.CustomerID]bool, len(customers))
		for _, id := range customers {
			locked[id] = true
		}

		ids := make([]ledger.CustomerID, 0, len(grouped))
		for id := range grouped {
			if !locked[id] {
				// an entry for a new customer landed between lookup and lock
				return fmt.Errorf("sale %s gained customer %s: %w", sale, id, ledger.ErrConcurrentModification)
			}
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		now := e.Now()
		for _, id := range ids {
			c, err := tx.Customer(ctx, id)
			if err != nil {
				return err
			}
			all, err := tx.Entries(ctx, id)
			if err != nil {
				return err
			}
			done := ledger.Compensated(all)
			before := len(summary.Entries)

			for _, original := range grouped[id] {
				if done[original.ID] || original.Kind != ledger.KindRedemption {
					continue
				}
				refund, err := e.refundRedemption(ctx, tx, c, original, now)
				if err != nil {
					return err
				}
				summary.TotalRedemptionRefunded = summary.TotalRedemptionRefunded.Add(refund.Points)
				summary.Entries = append(summary.Entries, refund)
			}
			for _, original := range grouped[id] {
				if done[original.ID] || original.Correction {
					continue
				}
				if original.Kind.IsAccrual() && original.Points.IsPositive() {
					written, err := e.reverseCredit(ctx, tx, c, all, original, now)
					if err != nil {
						return err
					}
					summary.TotalReversedCredits = summary.TotalReversedCredits.Add(original.Points)
					summary.Entries = append(summary.Entries, written...)
				}
			}

			forgiven, err := e.coverShortfall(ctx, tx, c, sale, now)
			if err != nil {
				return err
			}
			if forgiven != nil {
				summary.ShortfallForgiven = summary.ShortfallForgiven.Add(forgiven.Points)
				summary.Entries = append(summary.Entries, *forgiven)
			}
			if len(summary.Entries) == before {
				continue
			}
			if err := e.save(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
	e.record("reverse_cancelled", StatusApplied, err)
	if err != nil {
		return nil, err
	}

	recordEntries(summary.Entries...)
	e.Log.Info("sale reversed",
		zap.String("sale", string(sale)),
		zap.String("reversed_credits", summary.TotalReversedCredits.String()),
		zap.String("refunded", summary.TotalRedemptionRefunded.String()),
		zap.String("shortfall", summary.ShortfallForgiven.String()),
		zap.Int("entries", len(summary.Entries)))
	return summary, nil
}

// reverseCredit writes REVERSAL_OF_ACCRUAL for original. When the sweep
// already expired part of it, that part is returned to the lot first.
func (e *Engine) reverseCredit(ctx context.Context, tx ledger.Tx, c *ledger.Customer, all []ledger.Entry, original ledger.Entry, now time.Time) ([]ledger.Entry, error) {
	var written []ledger.Entry

	if original.ClosedForExpiration {
		expired := decimal.Zero
		for _, en := range all {
			if en.Kind == ledger.KindExpiration && en.ReferenceEntryID == original.ID {
				expired = expired.Add(en.Points.Neg())
			}
		}
		if expired.IsPositive() {
			back := e.newEntry(c.ID, ledger.KindAdjustment, expired, now)
			back.Sale = original.Sale
			back.ReferenceEntryID = original.ID
			back.Description = fmt.Sprintf("Expired points of %s returned before reversal", original.ID)
			back.Metadata = map[string]string{"voids_expiration_of": string(original.ID)}
			w, err := e.apply(ctx, tx, c, back)
			if err != nil {
				return nil, err
			}
			written = append(written, w)
		}
	}

	rev := e.newEntry(c.ID, ledger.KindReversalOfAccrual, original.Points.Neg(), now)
	rev.Sale = original.Sale
	rev.Promotion = original.Promotion
	rev.ReferenceEntryID = original.ID
	rev.Description = fmt.Sprintf("Reversal of %s %s", original.Kind, original.ID)
	w, err := e.apply(ctx, tx, c, rev)
	if err != nil {
		return nil, err
	}
	return append(written, w), nil
}

func (e *Engine) refundRedemption(ctx context.Context, tx ledger.Tx, c *ledger.Customer, original ledger.Entry, now time.Time) (ledger.Entry, error) {
	refund := e.newEntry(c.ID, ledger.KindReversalOfRedemption, original.Points.Abs(), now)
	refund.Sale = original.Sale
	refund.ReferenceEntryID = original.ID
	refund.ExpiresAt = e.expiry(now)
	refund.Description = fmt.Sprintf("Refund of redemption %s", original.ID)
	return e.apply(ctx, tx, c, refund)
}

// coverShortfall clamps a negative spendable balance at zero.
func (e *Engine) coverShortfall(ctx context.Context, tx ledger.Tx, c *ledger.Customer, sale ledger.SaleRef, now time.Time) (*ledger.Entry, error) {
	if !c.SpendableBalance.IsNegative() {
		return nil, nil
	}
	shortfall := c.SpendableBalance.Neg()
	adj := e.newEntry(c.ID, ledger.KindAdjustment, shortfall, now)
	adj.Sale = sale
	adj.Description = fmt.Sprintf("Reversed points already spent, %s forgiven", shortfall)
	adj.Metadata = map[string]string{"reason": "reversal_shortfall"}
	written, err := e.apply(ctx, tx, c, adj)
	if err != nil {
		return nil, err
	}
	e.Log.Warn("reversal exceeded spendable balance",
		zap.String("customer", string(c.ID)),
		zap.String("sale", string(sale)),
		zap.String("shortfall", shortfall.String()))
	return &written, nil
}

// =============================================================================
// MODIFIED SALE (promotion set changed)
// =============================================================================

// ModifiedSale describes an edit of the promotions applied to a sale.
type ModifiedSale struct {
	Sale     ledger.SaleRef
	Customer ledger.CustomerID
	Previous []ledger.PromotionResult
	Current  []ledger.PromotionResult
}

type PromotionChangeSummary struct {
	Sale     ledger.SaleRef
	Reversed decimal.Decimal
	Accrued  decimal.Decimal
	Entries  []ledger.Entry
}

// ReverseForModifiedSale brings the sale's PROMOTION_BONUS entries in line
// with the current promotion set: removed promotions are reversed, new ones
// accrued, changed amounts reversed and accrued again. The ledger decides
// what is currently applied; Previous is only cross-checked.
func (e *Engine) ReverseForModifiedSale(ctx context.Context, change ModifiedSale) (*PromotionChangeSummary, error) {
	if change.Sale == "" {
		return nil, ledger.ErrMissingSale
	}
	current := make(map[ledger.PromotionRef]decimal.Decimal)
	var order []ledger.PromotionRef
	for _, p := range change.Current {
		if !p.IsKilometers() {
			continue
		}
		if p.Promotion == "" {
			return nil, ledger.ErrMissingPromotion
		}
		if _, seen := current[p.Promotion]; !seen {
			order = append(order, p.Promotion)
		}
		current[p.Promotion] = p.BonusPoints
	}

	summary := &PromotionChangeSummary{Sale: change.Sale}
	err := e.Store.WithCustomers(ctx, []ledger.CustomerID{change.Customer}, func(tx ledger.Tx) error {
		*summary = PromotionChangeSummary{Sale: change.Sale, Reversed: decimal.Zero, Accrued: decimal.Zero}

		c, err := tx.Customer(ctx, change.Customer)
		if err != nil {
			return err
		}
		all, err := tx.Entries(ctx, c.ID)
		if err != nil {
			return err
		}

		applied := uncompensated(all, func(en ledger.Entry) bool {
			return en.Kind == ledger.KindPromotionBonus && en.Sale == change.Sale
		})
		e.crossCheck(change, applied)

		now := e.Now()
		kept := make(map[ledger.PromotionRef]bool)
		for _, en := range applied {
			want, ok := current[en.Promotion]
			if ok && want.Equal(en.Points) && !kept[en.Promotion] {
				kept[en.Promotion] = true
				continue
			}
			written, err := e.reverseCredit(ctx, tx, c, all, en, now)
			if err != nil {
				return err
			}
			summary.Reversed = summary.Reversed.Add(en.Points)
			summary.Entries = append(summary.Entries, written...)
		}

		for _, ref := range order {
			if kept[ref] {
				continue
			}
			if !c.Participates {
				continue
			}
			entry := e.newEntry(c.ID, ledger.KindPromotionBonus, current[ref], now)
			entry.Sale = change.Sale
			entry.Promotion = ref
			entry.ExpiresAt = e.expiry(now)
			entry.Description = fmt.Sprintf("Promotion %s on sale %s", ref, change.Sale)
			written, err := e.apply(ctx, tx, c, entry)
			if err != nil {
				return err
			}
			summary.Accrued = summary.Accrued.Add(written.Points)
			summary.Entries = append(summary.Entries, written)
		}

		forgiven, err := e.coverShortfall(ctx, tx, c, change.Sale, now)
		if err != nil {
			return err
		}
		if forgiven != nil {
			summary.Entries = append(summary.Entries, *forgiven)
		}
		if len(summary.Entries) == 0 {
			return nil
		}
		return e.save(ctx, tx, c)
	})
	e.record("reverse_modified", StatusApplied, err)
	if err != nil {
		return nil, err
	}
	recordEntries(summary.Entries...)
	return summary, nil
}

// crossCheck logs when the caller's view of the previous promotions differs
// from what the ledger holds.
func (e *Engine) crossCheck(change ModifiedSale, applied []ledger.Entry) {
	inLedger := make(map[ledger.PromotionRef]decimal.Decimal, len(applied))
	for _, en := range applied {
		inLedger[en.Promotion] = en.Points
	}
	for _, p := range change.Previous {
		if !p.IsKilometers() {
			continue
		}
		got, ok := inLedger[p.Promotion]
		if !ok || !got.Equal(p.BonusPoints) {
			e.Log.Warn("previous promotion not matching ledger",
				zap.String("sale", string(change.Sale)),
				zap.String("promotion", string(p.Promotion)),
				zap.String("expected", p.BonusPoints.String()),
				zap.String("ledger", got.String()))
		}
	}
}
