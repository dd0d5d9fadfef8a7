package archive

import (
	"testing"
	"time"

	clickhousetesting "github.com/malbeclabs/harvest/harvester/pkg/clickhouse/testing"
	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	harvesttesting "github.com/malbeclabs/harvest/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	if sharedDB == nil {
		t.Skip("clickhouse container not available")
	}
	log := harvesttesting.NewLogger()
	client, cfg := clickhousetesting.NewTestClient(t, sharedDB)
	require.NoError(t, RunMigrations(t.Context(), log, cfg))

	a, err := New(Config{Logger: log, Client: client})
	require.NoError(t, err)
	return a
}

func distributedCycle(runID string, slot int, at time.Time) ledger.Cycle {
	return ledger.Cycle{
		Epoch:     at.UTC().Format("2006-01-02"),
		Slot:      slot,
		Timestamp: at,
		State:     ledger.CycleStateDistributed,
		RunID:     runID,
		Result: &ledger.CycleResult{
			Harvested:     1_000_000,
			Batches:       2,
			Settlement:    2_000_000_000,
			ToHolders:     1_500_000_000,
			ToTreasury:    500_000_000,
			HoldersPaid:   2,
			SettlementRef: "sig-1",
		},
	}
}

func TestHarvest_Archive_Rows(t *testing.T) {
	t.Parallel()

	t.Run("distributed cycle keeps its result", func(t *testing.T) {
		t.Parallel()
		at := time.Date(2026, 10, 17, 0, 7, 0, 0, time.UTC)
		c := distributedCycle("run-1", 1, at)

		r, err := toRow(c)
		require.NoError(t, err)
		require.True(t, r.HasResult)
		require.Equal(t, uint32(1), r.Slot)
		require.Equal(t, time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC), r.Epoch)
		require.Equal(t, c, r.cycle())
	})

	t.Run("failed cycle has no result", func(t *testing.T) {
		t.Parallel()
		c := ledger.Cycle{
			Epoch:     "2026-10-17",
			Slot:      4,
			Timestamp: time.Date(2026, 10, 17, 0, 22, 0, 0, time.UTC),
			State:     ledger.CycleStateFailed,
			RunID:     "run-2",
			Error:     "swap: venue unavailable",
		}
		r, err := toRow(c)
		require.NoError(t, err)
		require.False(t, r.HasResult)
		require.Equal(t, c, r.cycle())
	})

	t.Run("bad epoch is rejected", func(t *testing.T) {
		t.Parallel()
		_, err := toRow(ledger.Cycle{Epoch: "17/10/2026"})
		require.Error(t, err)
	})

	t.Run("negative slot is rejected", func(t *testing.T) {
		t.Parallel()
		_, err := toRow(ledger.Cycle{Epoch: "2026-10-17", Slot: -1})
		require.Error(t, err)
	})
}

func TestHarvest_Archive_ClickHouse(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("skipping clickhouse integration test in short mode")
	}

	t.Run("recent cycles are newest first", func(t *testing.T) {
		t.Parallel()
		a := newTestArchive(t)
		base := time.Date(2026, 10, 17, 0, 7, 0, 0, time.UTC)

		first := distributedCycle("run-1", 1, base)
		second := ledger.Cycle{
			Epoch:     "2026-10-17",
			Slot:      2,
			Timestamp: base.Add(5 * time.Minute),
			State:     ledger.CycleStateRolledOver,
			RunID:     "run-2",
			Result:    &ledger.CycleResult{Harvested: 10},
		}
		require.NoError(t, a.WriteCycle(t.Context(), first))
		require.NoError(t, a.WriteCycle(t.Context(), second))

		cycles, err := a.RecentCycles(t.Context(), 10)
		require.NoError(t, err)
		require.Len(t, cycles, 2)
		require.Equal(t, second, cycles[0])
		require.Equal(t, first, cycles[1])

		limited, err := a.RecentCycles(t.Context(), 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		require.Equal(t, "run-2", limited[0].RunID)
	})

	t.Run("rewriting a run replaces it", func(t *testing.T) {
		t.Parallel()
		a := newTestArchive(t)
		at := time.Date(2026, 10, 17, 1, 0, 0, 0, time.UTC)

		c := distributedCycle("run-9", 12, at)
		require.NoError(t, a.WriteCycle(t.Context(), c))
		c.Timestamp = at.Add(time.Second)
		c.Result.HoldersPaid = 3
		require.NoError(t, a.WriteCycle(t.Context(), c))

		cycles, err := a.RecentCycles(t.Context(), 0)
		require.NoError(t, err)
		require.Len(t, cycles, 1)
		require.Equal(t, 3, cycles[0].Result.HoldersPaid)
	})
}
