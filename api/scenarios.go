/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the ledger with realistic customers and movements so the
	back-office and the admin endpoints have something to show. Every
	scenario goes through the engine, never around it.

AVAILABLE SCENARIOS:

	new-customer:    One purchase and the birthday bonus
	cancelled-sale:  Purchase, promotion and redemption on a sale that is then cancelled
	expiring-points: Credits about to expire and one already due for the sweep
	referral:        A referred buyer and the referrer's bonus

HOW SCENARIOS WORK:
 1. Register the scenario customers (demo-* ids)
 2. Replay the movements with fixed sale references
 3. Backdated movements run on a copy of the engine with a shifted clock

Loading twice leaves the balances where they were: accruals on a live sale
come back as duplicates, a cancelled sale nets out again, and a bonus that
was already granted is skipped.

USAGE VIA API:

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "cancelled-sale"}

NOTE:

	Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Engine-backed handlers
  - kilometers/: The operations each scenario replays
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/kilometers-engine/kilometers"
	"github.com/warp/kilometers-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// Scenario describes a demo data set.
type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	load        func(ctx context.Context, e *kilometers.Engine) ([]ledger.CustomerID, error)
}

var scenarios = []Scenario{
	{
		ID:          "new-customer",
		Name:        "New Customer",
		Description: "A first purchase of 1000.00 (500 km) and the yearly birthday bonus",
		load:        loadNewCustomerScenario,
	},
	{
		ID:          "cancelled-sale",
		Name:        "Cancelled Sale",
		Description: "Purchase, promotion bonus and redemption on one sale, then the sale is cancelled",
		load:        loadCancelledSaleScenario,
	},
	{
		ID:          "expiring-points",
		Name:        "Expiring Points",
		Description: "A credit expiring tomorrow, a recent credit, and one already past its validity",
		load:        loadExpiringPointsScenario,
	},
	{
		ID:          "referral",
		Name:        "Referral",
		Description: "A referred customer's first purchase credits the referrer",
		load:        loadReferralScenario,
	},
}

func findScenario(id string) (Scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type ScenarioLoadedDTO struct {
	Scenario  Scenario      `json:"scenario"`
	Customers []CustomerDTO `json:"customers"`
}

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	scenario, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ids, err := scenario.load(r.Context(), h.Engine)
	if err != nil {
		h.fail(w, "Failed to load scenario", err)
		return
	}

	resp := ScenarioLoadedDTO{Scenario: scenario}
	for _, id := range ids {
		c, err := h.Engine.Store.GetCustomer(r.Context(), id)
		if err != nil {
			h.fail(w, "Failed to read scenario customer", err)
			return
		}
		resp.Customers = append(resp.Customers, toCustomerDTO(*c))
	}
	h.Log.Info("scenario loaded", zap.String("scenario", scenario.ID), zap.Int("customers", len(ids)))
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// LOADERS
// =============================================================================

func loadNewCustomerScenario(ctx context.Context, e *kilometers.Engine) ([]ledger.CustomerID, error) {
	const ana = ledger.CustomerID("demo-ana")
	if err := registerDemo(ctx, e, ana, nil); err != nil {
		return nil, err
	}
	if _, err := e.AccruePurchase(ctx, ana, "demo-s-1", decimal.NewFromInt(1000), decimal.Zero); err != nil {
		return nil, err
	}
	if _, err := e.GrantBirthdayBonus(ctx, ana); skipGranted(err) != nil {
		return nil, err
	}
	return []ledger.CustomerID{ana}, nil
}

func loadCancelledSaleScenario(ctx context.Context, e *kilometers.Engine) ([]ledger.CustomerID, error) {
	const bruno = ledger.CustomerID("demo-bruno")
	if err := registerDemo(ctx, e, bruno, nil); err != nil {
		return nil, err
	}

	// a sale that stays
	if _, err := e.AccruePurchase(ctx, bruno, "demo-s-10", decimal.NewFromInt(200), decimal.Zero); err != nil {
		return nil, err
	}

	// a sale that gets cancelled
	if _, err := e.AccruePurchase(ctx, bruno, "demo-s-11", decimal.NewFromInt(2000), decimal.Zero); err != nil {
		return nil, err
	}
	if _, err := e.Accrue(ctx, kilometers.AccrualRequest{
		Customer:    bruno,
		Points:      decimal.NewFromInt(200),
		Kind:        ledger.KindPromotionBonus,
		Sale:        "demo-s-11",
		Promotion:   "demo-double-weekend",
		Description: "Double kilometers weekend",
	}); err != nil {
		return nil, err
	}
	if _, err := e.Redeem(ctx, kilometers.RedemptionRequest{
		Customer:  bruno,
		Points:    decimal.NewFromInt(100),
		SaleTotal: decimal.NewFromInt(2000),
		Sale:      "demo-s-11",
	}); err != nil {
		return nil, err
	}
	if _, err := e.ReverseForCancelledSale(ctx, "demo-s-11"); err != nil {
		return nil, err
	}
	return []ledger.CustomerID{bruno}, nil
}

func loadExpiringPointsScenario(ctx context.Context, e *kilometers.Engine) ([]ledger.CustomerID, error) {
	const carla = ledger.CustomerID("demo-carla")
	if err := registerDemo(ctx, e, carla, nil); err != nil {
		return nil, err
	}

	now := e.Now()
	validity := e.Policy.Validity

	expiringTomorrow := at(e, now.Add(-validity+24*time.Hour))
	if _, err := expiringTomorrow.AccruePurchase(ctx, carla, "demo-s-20", decimal.NewFromInt(400), decimal.Zero); err != nil {
		return nil, err
	}

	alreadyDue := at(e, now.Add(-validity-7*24*time.Hour))
	if _, err := alreadyDue.AccruePurchase(ctx, carla, "demo-s-21", decimal.NewFromInt(100), decimal.Zero); err != nil {
		return nil, err
	}

	if _, err := e.AccruePurchase(ctx, carla, "demo-s-22", decimal.NewFromInt(300), decimal.Zero); err != nil {
		return nil, err
	}
	return []ledger.CustomerID{carla}, nil
}

func loadReferralScenario(ctx context.Context, e *kilometers.Engine) ([]ledger.CustomerID, error) {
	const (
		diego = ledger.CustomerID("demo-diego")
		elena = ledger.CustomerID("demo-elena")
	)
	if err := registerDemo(ctx, e, diego, nil); err != nil {
		return nil, err
	}
	referrer := diego
	if err := registerDemo(ctx, e, elena, &referrer); err != nil {
		return nil, err
	}

	if _, err := e.AccruePurchase(ctx, elena, "demo-s-30", decimal.NewFromInt(600), decimal.Zero); err != nil {
		return nil, err
	}
	if _, err := e.GrantReferralBonus(ctx, elena, "demo-s-30"); skipGranted(err) != nil {
		return nil, err
	}
	return []ledger.CustomerID{diego, elena}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func registerDemo(ctx context.Context, e *kilometers.Engine, id ledger.CustomerID, referredBy *ledger.CustomerID) error {
	_, err := e.Store.RegisterCustomer(ctx, ledger.Profile{ID: id, Participates: true, ReferredBy: referredBy})
	if err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	return nil
}

// at returns a copy of the engine whose clock is frozen at t.
func at(e *kilometers.Engine, t time.Time) *kilometers.Engine {
	shifted := *e
	shifted.Now = func() time.Time { return t }
	return &shifted
}

// skipGranted treats a bonus granted by an earlier load as success.
func skipGranted(err error) error {
	if errors.Is(err, ledger.ErrBonusCapExceeded) {
		return nil
	}
	return err
}
