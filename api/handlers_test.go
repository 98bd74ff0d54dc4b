/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Customer registration and summary
- Accrual, purchase and redemption endpoints, including error mapping
- Sale cancellation and promotion changes
- Admin sweep, validation and metrics
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kilometers-engine/kilometers"
	"github.com/warp/kilometers-engine/ledger"
	"github.com/warp/kilometers-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestRouter(t *testing.T) (*chi.Mux, *kilometers.Engine) {
	t.Helper()
	engine := kilometers.NewEngine(store.NewMemory(), kilometers.DefaultPolicy(), nil)
	h := NewHandler(engine, kilometers.SweepConfig{BatchSize: 10}, nil)
	return NewRouter(h, nil), engine
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func register(t *testing.T, r http.Handler, id string) {
	t.Helper()
	rec := do(t, r, http.MethodPost, "/api/customers", RegisterCustomerRequest{ID: id, Participates: true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func TestRegisterAndGetCustomer(t *testing.T) {
	r, _ := newTestRouter(t)
	register(t, r, "c-1")

	rec := do(t, r, http.MethodGet, "/api/customers/c-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	summary := decode[CustomerSummaryDTO](t, rec)
	assert.Equal(t, "c-1", summary.Customer.ID)
	assert.True(t, summary.Customer.Participates)
	assert.True(t, summary.Customer.SpendableBalance.IsZero())
	assert.Nil(t, summary.NextExpiration)

	rec = do(t, r, http.MethodPost, "/api/customers", RegisterCustomerRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/customers/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccrue(t *testing.T) {
	// GIVEN: A participating customer
	// WHEN: Posting a promotion bonus twice
	// THEN: 201 with the entry, then 200 duplicate

	r, _ := newTestRouter(t)
	register(t, r, "c-1")
	body := AccrualRequest{Points: dec("150"), Kind: "PROMOTION_BONUS", Sale: "s-1", Promotion: "p-1"}

	rec := do(t, r, http.MethodPost, "/api/customers/c-1/accruals", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[ResultDTO](t, rec)
	assert.Equal(t, kilometers.StatusApplied, res.Status)
	require.NotNil(t, res.Entry)
	assert.Equal(t, ledger.KindPromotionBonus, res.Entry.Kind)
	assert.True(t, res.Customer.SpendableBalance.Equal(dec("150")))

	rec = do(t, r, http.MethodPost, "/api/customers/c-1/accruals", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, kilometers.StatusDuplicate, decode[ResultDTO](t, rec).Status)
}

func TestAccrue_Errors(t *testing.T) {
	r, _ := newTestRouter(t)
	register(t, r, "c-1")

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown kind", "/api/customers/c-1/accruals", AccrualRequest{Points: dec("1"), Kind: "CASHBACK"}, http.StatusBadRequest},
		{"debit kind", "/api/customers/c-1/accruals", AccrualRequest{Points: dec("1"), Kind: "REDEMPTION"}, http.StatusBadRequest},
		{"negative points", "/api/customers/c-1/accruals", AccrualRequest{Points: dec("-1"), Kind: "PURCHASE"}, http.StatusBadRequest},
		{"unknown customer", "/api/customers/ghost/accruals", AccrualRequest{Points: dec("1"), Kind: "PURCHASE"}, http.StatusNotFound},
		{"malformed body", "/api/customers/c-1/accruals", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestPurchaseAndRedemption(t *testing.T) {
	// GIVEN: 500 points from a 1000.00 purchase
	// WHEN: Redeeming on a 100.00 sale
	// THEN: 200 points (10.00) pass, 300 points exceed the 10% cap with 422

	r, _ := newTestRouter(t)
	register(t, r, "c-1")

	rec := do(t, r, http.MethodPost, "/api/customers/c-1/purchases", PurchaseRequest{Sale: "s-1", Total: dec("1000")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, decode[ResultDTO](t, rec).Customer.SpendableBalance.Equal(dec("500")))

	rec = do(t, r, http.MethodGet, "/api/customers/c-1/redemption-limit?sale_total=100", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	limit := decode[RedemptionLimitDTO](t, rec)
	assert.True(t, limit.MaxPoints.Equal(dec("200")), limit.MaxPoints.String())
	assert.True(t, limit.MaxValue.Equal(dec("10")), limit.MaxValue.String())

	rec = do(t, r, http.MethodPost, "/api/customers/c-1/redemptions",
		RedemptionRequest{Points: dec("300"), SaleTotal: dec("100"), Sale: "s-2"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = do(t, r, http.MethodPost, "/api/customers/c-1/redemptions",
		RedemptionRequest{Points: dec("200"), SaleTotal: dec("100"), Sale: "s-2"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[ResultDTO](t, rec)
	assert.True(t, res.Entry.IsRedemption)
	require.NotNil(t, res.Entry.MonetaryEquivalent)
	assert.True(t, res.Entry.MonetaryEquivalent.Equal(dec("-10")))
	assert.True(t, res.Customer.SpendableBalance.Equal(dec("300")))

	rec = do(t, r, http.MethodGet, "/api/customers/c-1/redemption-limit?sale_total=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdjustment(t *testing.T) {
	r, _ := newTestRouter(t)
	register(t, r, "c-1")

	rec := do(t, r, http.MethodPost, "/api/customers/c-1/adjustments", AdjustmentRequest{Points: dec("25")})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = do(t, r, http.MethodPost, "/api/customers/c-1/adjustments", AdjustmentRequest{Points: dec("-25"), Reason: "fix"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "cannot overdraw")

	rec = do(t, r, http.MethodPost, "/api/customers/c-1/adjustments", AdjustmentRequest{Points: dec("25"), Reason: "goodwill"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, r, http.MethodGet, "/api/customers/c-1/entries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]EntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindAdjustment, entries[0].Kind)
	assert.Equal(t, "goodwill", entries[0].Description)
}

// =============================================================================
// SALES
// =============================================================================

func TestCancelSale(t *testing.T) {
	r, _ := newTestRouter(t)
	register(t, r, "c-1")
	do(t, r, http.MethodPost, "/api/customers/c-1/purchases", PurchaseRequest{Sale: "s-1", Total: dec("1000")})
	do(t, r, http.MethodPost, "/api/customers/c-1/redemptions",
		RedemptionRequest{Points: dec("100"), SaleTotal: dec("1000"), Sale: "s-1"})

	rec := do(t, r, http.MethodPost, "/api/sales/s-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	summary := decode[ReversalSummaryDTO](t, rec)
	assert.Equal(t, "s-1", summary.Sale)
	assert.True(t, summary.TotalReversedCredits.Equal(dec("500")))
	assert.True(t, summary.TotalRedemptionRefunded.Equal(dec("100")))
	assert.Len(t, summary.Entries, 2)

	customer := decode[CustomerSummaryDTO](t, do(t, r, http.MethodGet, "/api/customers/c-1", nil))
	assert.True(t, customer.Customer.SpendableBalance.IsZero())
	assert.True(t, customer.Customer.LifetimeEarned.IsZero())

	rec = do(t, r, http.MethodPost, "/api/sales/s-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ReversalSummaryDTO](t, rec).Entries)
}

func TestReferralBonus(t *testing.T) {
	r, _ := newTestRouter(t)
	register(t, r, "referrer")
	referrer := "referrer"
	rec := do(t, r, http.MethodPost, "/api/customers",
		RegisterCustomerRequest{ID: "buyer", Participates: true, ReferredBy: &referrer})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/sales/s-1/referral-bonus", ReferralBonusRequest{Buyer: "buyer"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[ResultDTO](t, rec)
	assert.Equal(t, "referrer", res.Customer.ID)
	assert.True(t, res.Customer.SpendableBalance.Equal(dec("2000")))

	rec = do(t, r, http.MethodPost, "/api/sales/s-1/referral-bonus", ReferralBonusRequest{Buyer: "referrer"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "referrer has no referrer")
}

func TestModifySalePromotions(t *testing.T) {
	r, _ := newTestRouter(t)
	register(t, r, "c-1")

	rec := do(t, r, http.MethodPost, "/api/sales/s-1/promotions", ModifySaleRequest{
		Customer: "c-1",
		Current:  []PromotionDTO{{Promotion: "p-1", BonusPoints: dec("40")}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[PromotionChangeDTO](t, rec).Accrued.Equal(dec("40")))

	rec = do(t, r, http.MethodPost, "/api/sales/s-1/promotions", ModifySaleRequest{Customer: "c-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[PromotionChangeDTO](t, rec).Reversed.Equal(dec("40")))

	rec = do(t, r, http.MethodPost, "/api/sales/s-1/promotions", ModifySaleRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestTriggerSweepAndListRuns(t *testing.T) {
	r, _ := newTestRouter(t)
	register(t, r, "c-1")

	rec := do(t, r, http.MethodPost, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[SweepRunDTO](t, rec)
	assert.Equal(t, ledger.SweepCompleted, run.Status)
	assert.Equal(t, 0, run.EntriesClosed)

	rec = do(t, r, http.MethodGet, "/api/admin/sweep/runs?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]SweepRunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	rec = do(t, r, http.MethodGet, "/api/admin/sweep/runs?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateAndReconcile(t *testing.T) {
	r, engine := newTestRouter(t)
	register(t, r, "c-1")
	do(t, r, http.MethodPost, "/api/customers/c-1/purchases", PurchaseRequest{Sale: "s-1", Total: dec("200")})

	ctx := context.Background()
	err := engine.Store.WithCustomers(ctx, []ledger.CustomerID{"c-1"}, func(tx ledger.Tx) error {
		c, err := tx.Customer(ctx, "c-1")
		if err != nil {
			return err
		}
		c.SpendableBalance = dec("150")
		return tx.SaveCustomer(ctx, c)
	})
	require.NoError(t, err)

	rec := do(t, r, http.MethodGet, "/api/admin/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decode[AuditSummaryDTO](t, rec)
	assert.Equal(t, 1, audit.Inconsistent)
	require.Len(t, audit.Details, 1)
	assert.True(t, audit.Details[0].SpendableDiff.Equal(dec("50")))

	rec = do(t, r, http.MethodPost, "/api/admin/customers/c-1/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reconciled := decode[ReconcileDTO](t, rec)
	assert.True(t, reconciled.Reconciled)
	require.NotNil(t, reconciled.Correction)
	assert.True(t, reconciled.Correction.Correction)

	rec = do(t, r, http.MethodGet, "/api/admin/customers/c-1/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[DriftReportDTO](t, rec).Consistent)
}

func TestMetricsEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)
	register(t, r, "c-1")
	do(t, r, http.MethodPost, "/api/customers/c-1/purchases", PurchaseRequest{Sale: "s-1", Total: dec("400")})

	rec := do(t, r, http.MethodGet, "/api/admin/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[MetricsDTO](t, rec)
	assert.Equal(t, 1, m.TotalCustomers)
	assert.True(t, m.TotalSpendable.Equal(dec("200")))
	assert.True(t, m.SpendableValue.Equal(dec("10")))

	rec = do(t, r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "kilometers_ledger_operations_total"))

	rec = do(t, r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ledger.ErrCustomerNotFound, http.StatusNotFound},
		{ledger.ErrConcurrentModification, http.StatusConflict},
		{&ledger.InsufficientBalanceError{CustomerID: "c-1", Available: dec("1"), Requested: dec("2")}, http.StatusUnprocessableEntity},
		{ledger.ErrBonusCapExceeded, http.StatusUnprocessableEntity},
		{ledger.ErrInvalidPoints, http.StatusBadRequest},
		{ledger.ErrMissingSale, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
