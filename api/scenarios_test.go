/*
scenarios_test.go - Tests for demo scenario loading

Tests for:
- Every scenario loads through the HTTP endpoint
- Balances after each scenario
- Loading twice does not move balances
- The expiring-points scenario feeds the sweep
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kilometers-engine/kilometers"
	"github.com/warp/kilometers-engine/ledger"
)

func loadScenario(t *testing.T, r http.Handler, id string) ScenarioLoadedDTO {
	t.Helper()
	rec := do(t, r, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[ScenarioLoadedDTO](t, rec)
}

func balances(loaded ScenarioLoadedDTO) map[string][2]string {
	out := make(map[string][2]string)
	for _, c := range loaded.Customers {
		out[c.ID] = [2]string{c.SpendableBalance.String(), c.LifetimeEarned.String()}
	}
	return out
}

func TestListScenarios(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := do(t, r, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := decode[[]Scenario](t, rec)
	require.Len(t, list, len(scenarios))
	for _, s := range list {
		assert.NotEmpty(t, s.ID)
		assert.NotEmpty(t, s.Description)
	}
}

func TestLoadScenario_Balances(t *testing.T) {
	tests := []struct {
		scenario string
		want     map[string][2]string // spendable, lifetime
	}{
		{"new-customer", map[string][2]string{"demo-ana": {"1500", "1500"}}},
		{"cancelled-sale", map[string][2]string{"demo-bruno": {"100", "100"}}},
		{"expiring-points", map[string][2]string{"demo-carla": {"400", "400"}}},
		{"referral", map[string][2]string{"demo-diego": {"2000", "2000"}, "demo-elena": {"300", "300"}}},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			r, engine := newTestRouter(t)

			// WHEN: Loading the scenario twice
			first := loadScenario(t, r, tt.scenario)
			second := loadScenario(t, r, tt.scenario)

			// THEN: Same balances both times, ledger consistent
			assert.Equal(t, tt.want, balances(first))
			assert.Equal(t, tt.want, balances(second))

			summary, err := engine.ValidateAll(context.Background(), false)
			require.NoError(t, err)
			assert.Equal(t, 0, summary.Inconsistent)
		})
	}
}

func TestLoadScenario_ExpiringPointsFeedsSweep(t *testing.T) {
	// GIVEN: The expiring-points scenario
	// WHEN: The sweep runs
	// THEN: Only the credit already past its validity expires

	r, engine := newTestRouter(t)
	loadScenario(t, r, "expiring-points")

	run, err := engine.RunSweep(context.Background(), kilometers.SweepConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, run.EntriesClosed)
	assert.Equal(t, "50", run.PointsExpired.String())

	c, err := engine.Store.GetCustomer(context.Background(), "demo-carla")
	require.NoError(t, err)
	assert.Equal(t, "350", c.SpendableBalance.String())

	summary, err := engine.CustomerSummary(context.Background(), "demo-carla")
	require.NoError(t, err)
	require.NotNil(t, summary.NextExpiration)
	assert.Equal(t, "200", summary.NextExpiration.Remaining.String())
}

func TestLoadScenario_CancelledSaleLeavesTrail(t *testing.T) {
	r, engine := newTestRouter(t)
	loadScenario(t, r, "cancelled-sale")

	entries, err := engine.Store.Entries(context.Background(), "demo-bruno")
	require.NoError(t, err)

	var reversals int
	for _, e := range entries {
		if e.Kind == ledger.KindReversalOfAccrual || e.Kind == ledger.KindReversalOfRedemption {
			assert.Equal(t, ledger.SaleRef("demo-s-11"), e.Sale)
			reversals++
		}
	}
	assert.Equal(t, 3, reversals)
}

func TestLoadScenario_Errors(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := do(t, r, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/scenarios/load", "garbage")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
