package kilometers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kilometers-engine/kilometers"
	"github.com/warp/kilometers-engine/ledger"
)

// =============================================================================
// CANCELLED SALE
// =============================================================================

func TestReverseCancelledSale_RestoresPreSaleState(t *testing.T) {
	// GIVEN: 1000 points from an older sale, then on sale S:
	//   - PURCHASE 500
	//   - PROMOTION_BONUS 200
	//   - REDEMPTION 100
	// WHEN: S is cancelled
	// THEN: Balance and lifetime return to the pre-sale values, three new
	//       entries reference S, the original entries are untouched

	e, _, _ := newTestEngine(t)
	registerCustomer(t, e, "c-1")
	accrue(t, e, "c-1", ledger.KindPurchase, "1000", "s-old")

	purchase := accrue(t, e, "c-1", ledger.KindPurchase, "500", "S")
	promo := accrue(t, e, "c-1", ledger.KindPromotionBonus, "200", "S")
	redemption := redeem(t, e, "c-1", "100", "S", "1400")
	before := entries(t, e, "c-1")
	assertBalance(t, e, "c-1", "1600", "1700")

	summary, err := e.ReverseForCancelledSale(context.Background(), "S")
	require.NoError(t, err)

	assert.True(t, summary.TotalReversedCredits.Equal(km("700")))
	assert.True(t, summary.TotalRedemptionRefunded.Equal(km("100")))
	assert.True(t, summary.ShortfallForgiven.IsZero())
	require.Len(t, summary.Entries, 3)

	refs := map[ledger.EntryID]ledger.EventKind{}
	for _, en := range summary.Entries {
		assert.Equal(t, ledger.SaleRef("S"), en.Sale)
		refs[en.ReferenceEntryID] = en.Kind
	}
	assert.Equal(t, map[ledger.EntryID]ledger.EventKind{
		purchase.ID:   ledger.KindReversalOfAccrual,
		promo.ID:      ledger.KindReversalOfAccrual,
		redemption.ID: ledger.KindReversalOfRedemption,
	}, refs)

	assertBalance(t, e, "c-1", "1000", "1000")
	after := entries(t, e, "c-1")
	require.Len(t, after, len(before)+3)
	assert.Equal(t, before, after[:len(before)], "original entries are never mutated")
	assertConsistent(t, e, "c-1")
}

func TestReverseCancelledSale_Idempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	registerCustomer(t, e, "c-1")
	accrue(t, e, "c-1", ledger.KindPurchase, "500", "S")
	ctx := context.Background()

	_, err := e.ReverseForCancelledSale(ctx, "S")
	require.NoError(t, err)
	again, err := e.ReverseForCancelledSale(ctx, "S")
	require.NoError(t, err)

	assert.Empty(t, again.Entries)
	assert.True(t, again.TotalReversedCredits.IsZero())
	assert.Len(t, entries(t, e, "c-1"), 2)
	assertBalance(t, e, "c-1", "0", "0")
}

func TestReverseCancelledSale_UnknownSaleIsNoop(t *testing.T) {
	e, _, _ := newTestEngine(t)

	summary, err := e.ReverseForCancelledSale(context.Background(), "never-existed")
	require.NoError(t, err)

	assert.Empty(t, summary.Entries)
	assert.True(t, summary.TotalReversedCredits.IsZero())
	assert.True(t, summary.TotalRedemptionRefunded.IsZero())

	_, err = e.ReverseForCancelledSale(context.Background(), "")
	assert.ErrorIs(t, err, ledger.ErrMissingSale)
}

func TestReverseCancelledSale_PointsAlreadySpentElsewhere(t *testing.T) {
	// GIVEN: 1000 earned on sale A, 200 redeemed on unrelated sale B
	// WHEN: A is cancelled
	// THEN: Spendable is clamped at 0 with a 200-point ADJUSTMENT,
	//       lifetime drops by the full 1000

	e, _, _ := newTestEngine(t)
	registerCustomer(t, e, "c-1")
	accrue(t, e, "c-1", ledger.KindPurchase, "1000", "A")
	assertBalance(t, e, "c-1", "1000", "1000")
	redeem(t, e, "c-1", "200", "B", "5000")
	assertBalance(t, e, "c-1", "800", "1000")

	summary, err := e.ReverseForCancelledSale(context.Background(), "A")
	require.NoError(t, err)

	assert.True(t, summary.TotalReversedCredits.Equal(km("1000")))
	assert.True(t, summary.ShortfallForgiven.Equal(km("200")))
	assert.Equal(t, []ledger.EventKind{ledger.KindReversalOfAccrual, ledger.KindAdjustment}, kinds(summary.Entries))
	assert.Equal(t, "reversal_shortfall", summary.Entries[1].Metadata["reason"])

	assertBalance(t, e, "c-1", "0", "0")
	assertConsistent(t, e, "c-1")
}

func TestReverseCancelledSale_AlreadyExpiredCredit(t *testing.T) {
	// GIVEN: A credit on S that the sweep already expired
	// WHEN: S is cancelled
	// THEN: The expiration is voided first, then the credit reversed;
	//       nothing is debited twice

	e, _, clk := newTestEngine(t)
	registerCustomer(t, e, "c-1")
	credit := accrue(t, e, "c-1", ledger.KindPurchase, "100", "S")
	accrue(t, e, "c-1", ledger.KindPurchase, "40", "other")

	clk.Advance(731 * day)
	report, err := e.Sweep(context.Background(), kilometers.SweepOptions{})
	require.NoError(t, err)
	require.True(t, report.PointsExpired.Equal(km("140")))
	assertBalance(t, e, "c-1", "0", "140")

	summary, err := e.ReverseForCancelledSale(context.Background(), "S")
	require.NoError(t, err)

	require.Equal(t, []ledger.EventKind{ledger.KindAdjustment, ledger.KindReversalOfAccrual}, kinds(summary.Entries))
	assert.Equal(t, credit.ID, summary.Entries[0].ReferenceEntryID)
	assert.True(t, summary.Entries[0].Points.Equal(km("100")))
	assert.True(t, summary.ShortfallForgiven.IsZero())

	assertBalance(t, e, "c-1", "0", "40")
	assertConsistent(t, e, "c-1")
}

func TestReverseCancelledSale_SeveralCustomers(t *testing.T) {
	// GIVEN: Sale S credited the buyer and the referrer
	// WHEN: S is cancelled
	// THEN: Both customers are reversed in the same transaction

	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	registerCustomer(t, e, "referrer")
	referrer := ledger.CustomerID("referrer")
	_, err := e.Store.RegisterCustomer(ctx, ledger.Profile{ID: "buyer", Participates: true, ReferredBy: &referrer})
	require.NoError(t, err)

	accrue(t, e, "buyer", ledger.KindPurchase, "300", "S")
	_, err = e.GrantReferralBonus(ctx, "buyer", "S")
	require.NoError(t, err)

	summary, err := e.ReverseForCancelledSale(ctx, "S")
	require.NoError(t, err)

	assert.True(t, summary.TotalReversedCredits.Equal(km("2300")))
	assertBalance(t, e, "buyer", "0", "0")
	assertBalance(t, e, "referrer", "0", "0")
}

// =============================================================================
// MODIFIED SALE
// =============================================================================

func promos(pairs ...string) []ledger.PromotionResult {
	var out []ledger.PromotionResult
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, ledger.PromotionResult{
			Promotion:   ledger.PromotionRef(pairs[i]),
			BonusPoints: km(pairs[i+1]),
		})
	}
	return out
}

func TestReverseModifiedSale_AddChangeRemove(t *testing.T) {
	e, _, _ := newTestEngine(t)
	registerCustomer(t, e, "c-1")
	ctx := context.Background()

	// WHEN: Two promotions first applied
	summary, err := e.ReverseForModifiedSale(ctx, kilometers.ModifiedSale{
		Sale: "S", Customer: "c-1", Current: promos("p-1", "100", "p-2", "50"),
	})
	require.NoError(t, err)
	assert.True(t, summary.Accrued.Equal(km("150")))
	assert.True(t, summary.Reversed.IsZero())
	assertBalance(t, e, "c-1", "150", "150")

	// WHEN: p-2 changes to 80 and a discount-only promotion is added
	current := append(promos("p-1", "100", "p-2", "80"),
		ledger.PromotionResult{Promotion: "p-3", DiscountAmount: km("10")})
	summary, err = e.ReverseForModifiedSale(ctx, kilometers.ModifiedSale{
		Sale: "S", Customer: "c-1", Previous: promos("p-1", "100", "p-2", "50"), Current: current,
	})
	require.NoError(t, err)

	// THEN: Old p-2 reversed, new p-2 accrued, p-1 and p-3 untouched
	assert.True(t, summary.Reversed.Equal(km("50")))
	assert.True(t, summary.Accrued.Equal(km("80")))
	assert.Equal(t, []ledger.EventKind{ledger.KindReversalOfAccrual, ledger.KindPromotionBonus}, kinds(summary.Entries))
	assert.Equal(t, ledger.PromotionRef("p-2"), summary.Entries[1].Promotion)
	assertBalance(t, e, "c-1", "180", "180")

	// WHEN: The same edit is submitted again
	summary, err = e.ReverseForModifiedSale(ctx, kilometers.ModifiedSale{
		Sale: "S", Customer: "c-1", Current: current,
	})
	require.NoError(t, err)
	assert.Empty(t, summary.Entries, "retry changes nothing")

	// WHEN: Every promotion is removed
	summary, err = e.ReverseForModifiedSale(ctx, kilometers.ModifiedSale{Sale: "S", Customer: "c-1"})
	require.NoError(t, err)
	assert.True(t, summary.Reversed.Equal(km("180")))
	assertBalance(t, e, "c-1", "0", "0")
	assertConsistent(t, e, "c-1")
}

func TestReverseModifiedSale_LeavesPurchaseAlone(t *testing.T) {
	e, _, _ := newTestEngine(t)
	registerCustomer(t, e, "c-1")
	accrue(t, e, "c-1", ledger.KindPurchase, "500", "S")

	_, err := e.ReverseForModifiedSale(context.Background(), kilometers.ModifiedSale{
		Sale: "S", Customer: "c-1", Current: promos("p-1", "100"),
	})
	require.NoError(t, err)
	_, err = e.ReverseForModifiedSale(context.Background(), kilometers.ModifiedSale{Sale: "S", Customer: "c-1"})
	require.NoError(t, err)

	assertBalance(t, e, "c-1", "500", "500")
}

func TestReverseModifiedSale_MissingPromotionRef(t *testing.T) {
	e, _, _ := newTestEngine(t)
	registerCustomer(t, e, "c-1")

	_, err := e.ReverseForModifiedSale(context.Background(), kilometers.ModifiedSale{
		Sale: "S", Customer: "c-1", Current: promos("", "10"),
	})
	assert.ErrorIs(t, err, ledger.ErrMissingPromotion)
}
