/*
projection.go - Aggregates and lots derived from ledger entries

PURPOSE:
  The ledger is the source of truth. This file computes what the cached
  Customer totals should be, and how much of every credit is still unspent.

AGGREGATES:
  Spendable = sum of points over every entry except auditor corrections.
  A credit closed by the sweep is always paired with an EXPIRATION entry of
  the same remaining amount, so it nets out.

  Lifetime = sum of points over accrual kinds plus REVERSAL_OF_ACCRUAL
  entries (net ever earned).

LOTS:
  Every positive entry opens a lot. Lots are consumed in expiry order
  (soonest first, never-expiring last, then by Seq):

    - targeted debits (EXPIRATION, REVERSAL_OF_ACCRUAL) take from their
      ReferenceEntryID lot first, then FIFO
    - untargeted debits (REDEMPTION, negative ADJUSTMENT) take FIFO
    - a debit larger than all lots leaves a deficit that later credits repay
  - a credit whose ReferenceEntryID is a lot refills that lot instead of
    opening a new one

  The remaining amount of a lot is what the expiration sweep may debit.

EXAMPLE:
  +100 (expires Jan), +100 (expires Jun), REDEMPTION -100
  Jan lot remaining 0, Jun lot remaining 100. Sweeping January expires nothing.
*/
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Aggregates are the two cached totals kept on Customer.
type Aggregates struct {
	Spendable decimal.Decimal
	Lifetime  decimal.Decimal
}

// Project recomputes the aggregates from entries.
func Project(entries []Entry) Aggregates {
	agg := Aggregates{Spendable: decimal.Zero, Lifetime: decimal.Zero}
	for _, e := range entries {
		if e.Correction {
			continue
		}
		agg.Spendable = agg.Spendable.Add(e.Points)
		if e.Kind.AffectsLifetime() {
			agg.Lifetime = agg.Lifetime.Add(e.Points)
		}
	}
	return agg
}

// Lot is the unspent part of one credit.
type Lot struct {
	EntryID   EntryID
	Seq       int64
	ExpiresAt *time.Time
	Original  decimal.Decimal
	Remaining decimal.Decimal
}

// Lots replays entries in Seq order and returns the lots in consumption
// order together with any unrepaid deficit.
func Lots(entries []Entry) ([]Lot, decimal.Decimal) {
	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	var lots []*Lot
	byID := make(map[EntryID]*Lot)
	deficit := decimal.Zero

	for _, e := range ordered {
		if e.Correction || e.Points.IsZero() {
			continue
		}

		if e.Points.IsPositive() {
			amount := e.Points
			if deficit.IsPositive() {
				repay := decimal.Min(deficit, amount)
				deficit = deficit.Sub(repay)
				amount = amount.Sub(repay)
			}
			if target, ok := byID[e.ReferenceEntryID]; ok && e.ReferenceEntryID != "" {
				// refill: the credit restores points previously taken from its target
				target.Remaining = target.Remaining.Add(amount)
				continue
			}
			l := &Lot{EntryID: e.ID, Seq: e.Seq, ExpiresAt: e.ExpiresAt, Original: e.Points, Remaining: amount}
			lots = insertLot(lots, l)
			byID[e.ID] = l
			continue
		}

		need := e.Points.Neg()
		if target, ok := byID[e.ReferenceEntryID]; ok && e.ReferenceEntryID != "" {
			take := decimal.Min(target.Remaining, need)
			target.Remaining = target.Remaining.Sub(take)
			need = need.Sub(take)
		}
		for _, l := range lots {
			if !need.IsPositive() {
				break
			}
			if !l.Remaining.IsPositive() {
				continue
			}
			take := decimal.Min(l.Remaining, need)
			l.Remaining = l.Remaining.Sub(take)
			need = need.Sub(take)
		}
		if need.IsPositive() {
			deficit = deficit.Add(need)
		}
	}

	out := make([]Lot, len(lots))
	for i, l := range lots {
		out[i] = *l
	}
	return out, deficit
}

// RemainingByEntry maps every credit entry to its unspent amount.
func RemainingByEntry(entries []Entry) map[EntryID]decimal.Decimal {
	lots, _ := Lots(entries)
	out := make(map[EntryID]decimal.Decimal, len(lots))
	for _, l := range lots {
		out[l.EntryID] = l.Remaining
	}
	return out
}

// NextExpiration returns the soonest lot that still has points and an expiry.
func NextExpiration(entries []Entry) (*Lot, bool) {
	lots, _ := Lots(entries)
	for _, l := range lots {
		if l.ExpiresAt != nil && l.Remaining.IsPositive() {
			lot := l
			return &lot, true
		}
	}
	return nil, false
}

// Compensated returns the ids of entries already targeted by a reversal.
func Compensated(entries []Entry) map[EntryID]bool {
	out := make(map[EntryID]bool)
	for _, e := range entries {
		switch e.Kind {
		case KindReversalOfAccrual, KindReversalOfRedemption:
			if e.ReferenceEntryID != "" {
				out[e.ReferenceEntryID] = true
			}
		}
	}
	return out
}

// lotBefore orders lots by expiry (nil last), then Seq.
func lotBefore(a, b *Lot) bool {
	switch {
	case a.ExpiresAt == nil && b.ExpiresAt == nil:
		return a.Seq < b.Seq
	case a.ExpiresAt == nil:
		return false
	case b.ExpiresAt == nil:
		return true
	case !a.ExpiresAt.Equal(*b.ExpiresAt):
		return a.ExpiresAt.Before(*b.ExpiresAt)
	default:
		return a.Seq < b.Seq
	}
}

func insertLot(lots []*Lot, l *Lot) []*Lot {
	i := sort.Search(len(lots), func(i int) bool { return lotBefore(l, lots[i]) })
	lots = append(lots, nil)
	copy(lots[i+1:], lots[i:])
	lots[i] = l
	return lots
}
