package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warp/kilometers-engine/ledger"
	"github.com/warp/kilometers-engine/ledger/storetest"
	"github.com/warp/kilometers-engine/store/postgres"
)

// Set KM_TEST_POSTGRES_DSN to a throwaway database to run these.
func TestPostgres_Contract(t *testing.T) {
	dsn := os.Getenv("KM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KM_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) ledger.Store {
		ctx := context.Background()
		s, err := postgres.New(ctx, dsn, postgres.PoolConfig{MaxOpenConns: 8})
		require.NoError(t, err)
		_, err = s.DB().ExecContext(ctx, `TRUNCATE entries, customers, sweep_runs RESTART IDENTITY`)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
