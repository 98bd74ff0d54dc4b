package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kilometers-engine/kilometers"
	"github.com/warp/kilometers-engine/ledger"
)

func sampleMetrics() *kilometers.ProgramMetrics {
	d := decimal.RequireFromString
	return &kilometers.ProgramMetrics{
		TotalCustomers:  2,
		TotalLifetime:   d("1700"),
		TotalSpendable:  d("1600"),
		TotalRedeemed:   d("100"),
		TotalExpired:    decimal.Zero,
		SpendableValue:  d("80"),
		AverageLifetime: d("850"),
		Activity30d:     kilometers.Activity{Movements: 3, Accrued: d("1200"), Redeemed: d("100")},
		Promotions90d:   kilometers.PromotionActivity{Count: 1, Points: d("200")},
		GeneratedAt:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestWriteMetrics_Formats(t *testing.T) {
	m := sampleMetrics()

	var simple bytes.Buffer
	require.NoError(t, writeMetrics(&simple, m, "simple"))
	assert.Contains(t, simple.String(), "1600.00 (value 80.00)")
	assert.NotContains(t, simple.String(), "Last 30 days")

	var detailed bytes.Buffer
	require.NoError(t, writeMetrics(&detailed, m, "detailed"))
	assert.Contains(t, detailed.String(), "Last 30 days")
	assert.Contains(t, detailed.String(), "Bonuses granted:  1")
	assert.Contains(t, detailed.String(), "2026-03-10 12:00:00 UTC")

	var raw bytes.Buffer
	require.NoError(t, writeMetrics(&raw, m, "json"))
	var decoded kilometers.ProgramMetrics
	require.NoError(t, json.Unmarshal(raw.Bytes(), &decoded))
	assert.Equal(t, 2, decoded.TotalCustomers)
	assert.True(t, decoded.TotalSpendable.Equal(m.TotalSpendable))
}

func TestPrintReports(t *testing.T) {
	d := decimal.RequireFromString
	reports := []kilometers.DriftReport{
		{
			CustomerID: "c-1",
			Stored:     ledger.Aggregates{Spendable: d("100"), Lifetime: d("100")},
			Expected:   ledger.Aggregates{Spendable: d("100"), Lifetime: d("100")},
			Consistent: true,
		},
		{
			CustomerID:    "c-2",
			Stored:        ledger.Aggregates{Spendable: d("60"), Lifetime: d("50")},
			Expected:      ledger.Aggregates{Spendable: d("50"), Lifetime: d("50")},
			SpendableDiff: d("10"),
			LifetimeDiff:  decimal.Zero,
		},
	}

	var out bytes.Buffer
	printReports(&out, reports)

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "CUSTOMER")
	assert.Contains(t, string(lines[1]), "ok")
	assert.Contains(t, string(lines[2]), "DRIFT 10 / 0")
}

func TestExecute_SweepAndValidateOnSQLite(t *testing.T) {
	// GIVEN: A fresh SQLite ledger selected through KM_* variables
	// WHEN: Running sweep, then validate
	// THEN: Both succeed on the empty program

	dir := t.TempDir()
	t.Setenv("KM_STORE_DRIVER", "sqlite")
	t.Setenv("KM_SQLITE_PATH", filepath.Join(dir, "data", "km.db"))
	common := []string{
		"--config", filepath.Join(dir, "missing.toml"),
		"--env-file", filepath.Join(dir, "missing.env"),
		"--log-level", "error",
	}

	rootCmd.SetArgs(append([]string{"sweep"}, common...))
	require.NoError(t, Execute())

	rootCmd.SetArgs(append([]string{"validate", "--fix=false", "--force=false"}, common...))
	require.NoError(t, Execute())

	assert.FileExists(t, filepath.Join(dir, "data", "km.db"))
}

func TestExecute_ValidateForceRequiresFix(t *testing.T) {
	rootCmd.SetArgs([]string{"validate", "--force", "--fix=false"})
	err := Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force requires --fix")

	rootCmd.SetArgs([]string{"metrics", "--format", "xml"})
	assert.Error(t, Execute())
}
