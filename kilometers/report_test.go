package kilometers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kilometers-engine/ledger"
)

func TestMetricsSnapshot(t *testing.T) {
	// GIVEN: c-1 earned 1000 + 200 (promotion) and redeemed 100 in the last
	//        30 days, c-2 earned 500 sixty days ago, c-3 does not participate
	// WHEN: Metrics are computed
	// THEN: Balances cover all participants, activity only the recent window

	e, _, clk := newTestEngine(t)
	ctx := context.Background()
	registerCustomer(t, e, "c-1")
	registerCustomer(t, e, "c-2")
	_, err := e.Store.RegisterCustomer(ctx, ledger.Profile{ID: "c-3"})
	require.NoError(t, err)

	clk.Set(t0.Add(-60 * day))
	accrue(t, e, "c-2", ledger.KindPurchase, "500", "s-old")

	clk.Set(t0)
	accrue(t, e, "c-1", ledger.KindPurchase, "1000", "s-1")
	accrue(t, e, "c-1", ledger.KindPromotionBonus, "200", "s-1")
	redeem(t, e, "c-1", "100", "s-2", "1000")

	m, err := e.MetricsSnapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, m.TotalCustomers)
	assert.True(t, m.TotalLifetime.Equal(km("1700")), m.TotalLifetime.String())
	assert.True(t, m.TotalSpendable.Equal(km("1600")), m.TotalSpendable.String())
	assert.True(t, m.TotalRedeemed.Equal(km("100")), m.TotalRedeemed.String())
	assert.True(t, m.TotalExpired.IsZero())
	assert.True(t, m.SpendableValue.Equal(km("80")), m.SpendableValue.String())
	assert.True(t, m.AverageLifetime.Equal(km("850")), m.AverageLifetime.String())

	assert.Equal(t, 3, m.Activity30d.Movements)
	assert.True(t, m.Activity30d.Accrued.Equal(km("1200")))
	assert.True(t, m.Activity30d.Redeemed.Equal(km("100")))

	assert.Equal(t, 1, m.Promotions90d.Count)
	assert.True(t, m.Promotions90d.Points.Equal(km("200")))
	assert.Equal(t, t0, m.GeneratedAt)
}

func TestMetricsSnapshot_RefundedRedemptionNotCounted(t *testing.T) {
	e, _, _ := newTestEngine(t)
	registerCustomer(t, e, "c-1")
	accrue(t, e, "c-1", ledger.KindPurchase, "1000", "s-1")
	redeem(t, e, "c-1", "100", "s-2", "1000")

	_, err := e.ReverseForCancelledSale(context.Background(), "s-2")
	require.NoError(t, err)

	m, err := e.MetricsSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, m.TotalRedeemed.IsZero(), m.TotalRedeemed.String())
	assert.True(t, m.TotalSpendable.Equal(km("1000")))
}

func TestMetricsSnapshot_Empty(t *testing.T) {
	e, _, _ := newTestEngine(t)

	m, err := e.MetricsSnapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, m.TotalCustomers)
	assert.True(t, m.AverageLifetime.IsZero())
	assert.Equal(t, 0, m.Activity30d.Movements)
}

func TestCustomerSummary(t *testing.T) {
	e, _, _ := newTestEngine(t)
	registerCustomer(t, e, "c-1")
	purchase := accrue(t, e, "c-1", ledger.KindPurchase, "1000", "s-1")
	promo := accrue(t, e, "c-1", ledger.KindPromotionBonus, "200", "s-1")
	redemption := redeem(t, e, "c-1", "100", "s-2", "1000")

	s, err := e.CustomerSummary(context.Background(), "c-1")
	require.NoError(t, err)

	assert.True(t, s.SpendableValue.Equal(km("55")), s.SpendableValue.String())
	require.Len(t, s.Recent, 3)
	assert.Equal(t, []ledger.EntryID{redemption.ID, promo.ID, purchase.ID},
		[]ledger.EntryID{s.Recent[0].ID, s.Recent[1].ID, s.Recent[2].ID})

	require.NotNil(t, s.NextExpiration)
	assert.Equal(t, purchase.ID, s.NextExpiration.EntryID)
	assert.True(t, s.NextExpiration.Remaining.Equal(km("900")))
	assert.Equal(t, t0.Add(730*day), *s.NextExpiration.ExpiresAt)

	_, err = e.CustomerSummary(context.Background(), "ghost")
	assert.ErrorIs(t, err, ledger.ErrCustomerNotFound)
}
