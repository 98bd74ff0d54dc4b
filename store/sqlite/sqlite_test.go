package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kilometers-engine/ledger"
	"github.com/warp/kilometers-engine/ledger/storetest"
	"github.com/warp/kilometers-engine/store/sqlite"
)

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLite_ReopenKeepsLedger(t *testing.T) {
	// GIVEN: A file database with one customer
	// WHEN: Reopening it (migration runs again)
	// THEN: Data survives and the schema migration is idempotent

	path := filepath.Join(t.TempDir(), "kilometers.db")
	ctx := context.Background()

	s, err := sqlite.New(path)
	require.NoError(t, err)
	_, err = s.RegisterCustomer(ctx, ledger.Profile{ID: "c-1", Participates: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	c, err := s.GetCustomer(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.Participates)
}
