package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	harvesttesting "github.com/malbeclabs/harvest/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func newPostgresBackend(t *testing.T) *PostgresBackend {
	t.Helper()
	if sharedPG == nil {
		t.Skip("postgres container not available")
	}
	pool := harvesttesting.NewPool(t, sharedPG)
	b, err := NewPostgresBackend(pool, fmt.Sprintf("test-%s", uuid.NewString()))
	require.NoError(t, err)
	return b
}

func TestHarvest_StateStore_Postgres(t *testing.T) {
	t.Parallel()

	t.Run("missing row reads as empty", func(t *testing.T) {
		t.Parallel()
		b := newPostgresBackend(t)
		raw, err := b.Read(t.Context())
		require.NoError(t, err)
		require.Nil(t, raw)
	})

	t.Run("store round trip", func(t *testing.T) {
		t.Parallel()
		store := newTestStore(t, newPostgresBackend(t))

		_, err := store.MergeLedger(t.Context(), ledger.Patch{PaidToHolders: 75, PaidToTreasury: 25, DistributionCount: 1})
		require.NoError(t, err)
		ts := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, store.AppendCycleResult(t.Context(), cycleAt(ts, 121, ledger.CycleStateDistributed)))
		require.NoError(t, store.MergeCarryOver(t.Context(), map[string]uint64{"holder": 9}))

		l, err := store.LoadLedger(t.Context())
		require.NoError(t, err)
		require.Equal(t, uint64(75), l.PaidToHolders)
		require.Equal(t, uint64(1), l.DistributionCount)

		e, err := store.Epoch(t.Context(), "2026-02-01")
		require.NoError(t, err)
		require.Len(t, e.Cycles, 1)
		require.Equal(t, 121, e.Cycles[0].Slot)

		carry, err := store.LoadCarryOver(t.Context())
		require.NoError(t, err)
		require.Equal(t, map[string]uint64{"holder": 9}, carry)
	})

	t.Run("concurrent writers sharing the row serialize", func(t *testing.T) {
		t.Parallel()
		b := newPostgresBackend(t)
		storeA := newTestStore(t, b)

		sibling, err := NewPostgresBackend(harvesttesting.NewPool(t, sharedPG), b.key)
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := range 10 {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := storeA.MergeLedger(context.Background(), ledger.Patch{Harvested: 1})
				errs <- err
			}()
			go func() {
				defer wg.Done()
				errs <- sibling.Update(context.Background(), func(current []byte) ([]byte, error) {
					doc := map[string]json.RawMessage{}
					if err := json.Unmarshal(current, &doc); err != nil {
						return nil, err
					}
					doc["sibling"] = json.RawMessage(fmt.Sprintf("%d", i))
					return json.Marshal(doc)
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		l, err := storeA.LoadLedger(t.Context())
		require.NoError(t, err)
		require.Equal(t, uint64(10), l.Harvested)

		raw, err := b.Read(t.Context())
		require.NoError(t, err)
		require.Contains(t, string(raw), `"sibling"`)
	})
}
