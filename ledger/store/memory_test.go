package store_test

import (
	"testing"

	"github.com/warp/kilometers-engine/ledger"
	"github.com/warp/kilometers-engine/ledger/store"
	"github.com/warp/kilometers-engine/ledger/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return store.NewMemory()
	})
}
