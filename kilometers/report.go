package kilometers

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/kilometers-engine/ledger"
)

// ProgramMetrics is the dashboard view of the whole program.
type ProgramMetrics struct {
	TotalCustomers  int
	TotalLifetime   decimal.Decimal
	TotalSpendable  decimal.Decimal
	TotalRedeemed   decimal.Decimal // net of refunds
	TotalExpired    decimal.Decimal
	SpendableValue  decimal.Decimal // monetary liability of the spendable balance
	AverageLifetime decimal.Decimal

	Activity30d   Activity
	Promotions90d PromotionActivity

	GeneratedAt time.Time
}

type Activity struct {
	Movements int
	Accrued   decimal.Decimal
	Redeemed  decimal.Decimal
}

type PromotionActivity struct {
	Count  int
	Points decimal.Decimal
}

// MetricsSnapshot computes program-wide totals. Customer aggregates feed the
// balances, the ledger feeds the movement figures.
func (e *Engine) MetricsSnapshot(ctx context.Context) (*ProgramMetrics, error) {
	now := e.Now()
	m := &ProgramMetrics{
		TotalLifetime:   decimal.Zero,
		TotalSpendable:  decimal.Zero,
		AverageLifetime: decimal.Zero,
		GeneratedAt:     now,
	}

	var after ledger.CustomerID
	for {
		page, err := e.Store.ListCustomers(ctx, ledger.ListOptions{After: after, Limit: auditPageSize, ParticipatingOnly: true})
		if err != nil {
			return nil, fmt.Errorf("list customers: %w", err)
		}
		for _, c := range page {
			m.TotalCustomers++
			m.TotalLifetime = m.TotalLifetime.Add(c.LifetimeEarned)
			m.TotalSpendable = m.TotalSpendable.Add(c.SpendableBalance)
		}
		if len(page) < auditPageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	m.SpendableValue = e.Policy.MonetaryValue(m.TotalSpendable).Round(2)
	if m.TotalCustomers > 0 {
		m.AverageLifetime = m.TotalLifetime.Div(decimal.NewFromInt(int64(m.TotalCustomers))).Round(2)
	}

	all, err := e.Store.KindTotals(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("kind totals: %w", err)
	}
	m.TotalRedeemed = points(all, ledger.KindRedemption).Neg().Sub(points(all, ledger.KindReversalOfRedemption))
	m.TotalExpired = points(all, ledger.KindExpiration).Neg()

	recent, err := e.Store.KindTotals(ctx, now.AddDate(0, 0, -30))
	if err != nil {
		return nil, fmt.Errorf("kind totals: %w", err)
	}
	m.Activity30d = Activity{Accrued: decimal.Zero, Redeemed: decimal.Zero}
	for kind, t := range recent {
		m.Activity30d.Movements += t.Count
		if kind.IsAccrual() {
			m.Activity30d.Accrued = m.Activity30d.Accrued.Add(t.Points)
		}
	}
	m.Activity30d.Redeemed = points(recent, ledger.KindRedemption).Neg()

	promo, err := e.Store.KindTotals(ctx, now.AddDate(0, 0, -90))
	if err != nil {
		return nil, fmt.Errorf("kind totals: %w", err)
	}
	m.Promotions90d = PromotionActivity{
		Count:  promo[ledger.KindPromotionBonus].Count + promo[ledger.KindCampaignBonus].Count,
		Points: points(promo, ledger.KindPromotionBonus).Add(points(promo, ledger.KindCampaignBonus)),
	}
	return m, nil
}

func points(totals map[ledger.EventKind]ledger.KindTotal, kind ledger.EventKind) decimal.Decimal {
	t, ok := totals[kind]
	if !ok {
		return decimal.Zero
	}
	return t.Points
}

// CustomerSummary is the cashier view of one customer.
type CustomerSummary struct {
	Customer       ledger.Customer
	SpendableValue decimal.Decimal
	NextExpiration *ledger.Lot
	Recent         []ledger.Entry // newest first
}

const recentEntries = 10

func (e *Engine) CustomerSummary(ctx context.Context, id ledger.CustomerID) (*CustomerSummary, error) {
	c, err := e.Store.GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := e.Store.Entries(ctx, id)
	if err != nil {
		return nil, err
	}

	s := &CustomerSummary{
		Customer:       *c,
		SpendableValue: e.Policy.MonetaryValue(c.SpendableBalance).Round(2),
	}
	if lot, ok := ledger.NextExpiration(entries); ok {
		s.NextExpiration = lot
	}
	for i := len(entries) - 1; i >= 0 && len(s.Recent) < recentEntries; i-- {
		s.Recent = append(s.Recent, entries[i])
	}
	return s, nil
}
