package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHarvest_Ledger_Fingerprint(t *testing.T) {
	t.Parallel()

	t.Run("ignores settlement reference and timestamps", func(t *testing.T) {
		t.Parallel()
		a := Ledger{PaidToHolders: 750, PaidToTreasury: 250, DistributionCount: 3, LastSettlementRef: "sigA", UpdatedAt: time.Unix(1, 0)}
		b := Ledger{PaidToHolders: 750, PaidToTreasury: 250, DistributionCount: 3, LastSettlementRef: "sigB", UpdatedAt: time.Unix(2, 0)}
		require.Equal(t, a.Fingerprint(), b.Fingerprint())
	})

	t.Run("changes when any cumulative total changes", func(t *testing.T) {
		t.Parallel()
		base := Ledger{PaidToHolders: 750, PaidToTreasury: 250, DistributionCount: 3}
		variants := []Ledger{
			{PaidToHolders: 751, PaidToTreasury: 250, DistributionCount: 3},
			{PaidToHolders: 750, PaidToTreasury: 251, DistributionCount: 3},
			{PaidToHolders: 750, PaidToTreasury: 250, DistributionCount: 4},
		}
		for _, v := range variants {
			require.NotEqual(t, base.Fingerprint(), v.Fingerprint())
		}
	})

	t.Run("fields are delimited", func(t *testing.T) {
		t.Parallel()
		require.NotEqual(t, Fingerprint(1, 23, 4), Fingerprint(12, 3, 4))
	})

	t.Run("is hex sha256", func(t *testing.T) {
		t.Parallel()
		require.Len(t, Fingerprint(0, 0, 0), 64)
	})
}

func TestHarvest_Ledger_PatchApply(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	base := Ledger{
		Harvested:             100,
		PaidToHolders:         75,
		PaidToTreasury:        25,
		DistributionCount:     1,
		LastSettlementRef:     "first",
		LastDistributionEpoch: "2026-04-30",
		LastDistributionSlot:  7,
	}

	t.Run("numeric fields are additive", func(t *testing.T) {
		t.Parallel()
		got := Patch{Harvested: 10, PaidToHolders: 6, PaidToTreasury: 4, DistributionCount: 1}.Apply(base, now)
		require.Equal(t, uint64(110), got.Harvested)
		require.Equal(t, uint64(81), got.PaidToHolders)
		require.Equal(t, uint64(29), got.PaidToTreasury)
		require.Equal(t, uint64(2), got.DistributionCount)
		require.Equal(t, "first", got.LastSettlementRef)
		require.Equal(t, 7, got.LastDistributionSlot)
		require.Equal(t, now, got.UpdatedAt)
	})

	t.Run("setters overwrite only when present", func(t *testing.T) {
		t.Parallel()
		got := Patch{LastSettlementRef: Ptr("second"), LastDistributionSlot: Ptr(9)}.Apply(base, now)
		require.Equal(t, "second", got.LastSettlementRef)
		require.Equal(t, 9, got.LastDistributionSlot)
		require.Equal(t, "2026-04-30", got.LastDistributionEpoch)
		require.Equal(t, uint64(75), got.PaidToHolders)
	})

	t.Run("zero patch", func(t *testing.T) {
		t.Parallel()
		require.True(t, Patch{}.IsZero())
		require.False(t, Patch{LastDistributionOutcome: Ptr(OutcomeComplete)}.IsZero())
	})
}

func TestHarvest_Ledger_EpochOrdinal(t *testing.T) {
	t.Parallel()

	dates := []string{"2026-01-03", "2026-01-01", "2026-01-02"}

	t.Run("oldest epoch is first", func(t *testing.T) {
		t.Parallel()
		for want, date := range []string{"2026-01-01", "2026-01-02", "2026-01-03"} {
			got, ok := EpochOrdinal(dates, date, 0)
			require.True(t, ok)
			require.Equal(t, want+1, got)
		}
	})

	t.Run("invariant under input order", func(t *testing.T) {
		t.Parallel()
		reversed := []string{"2026-01-01", "2026-01-02", "2026-01-03"}
		newestFirst := []string{"2026-01-03", "2026-01-02", "2026-01-01"}
		for _, date := range dates {
			a, _ := EpochOrdinal(reversed, date, 0)
			b, _ := EpochOrdinal(newestFirst, date, 0)
			c, _ := EpochOrdinal(dates, date, 0)
			require.Equal(t, a, b)
			require.Equal(t, a, c)
		}
	})

	t.Run("does not reorder caller slice", func(t *testing.T) {
		t.Parallel()
		in := []string{"2026-01-03", "2026-01-01"}
		_, _ = EpochOrdinal(in, "2026-01-01", 0)
		require.Equal(t, []string{"2026-01-03", "2026-01-01"}, in)
	})

	t.Run("offset by evicted epochs", func(t *testing.T) {
		t.Parallel()
		got, ok := EpochOrdinal(dates, "2026-01-01", 12)
		require.True(t, ok)
		require.Equal(t, 13, got)
	})

	t.Run("strictly increasing with date", func(t *testing.T) {
		t.Parallel()
		var prev int
		for _, date := range []string{"2026-01-01", "2026-01-02", "2026-01-03"} {
			got, _ := EpochOrdinal(dates, date, 0)
			require.Greater(t, got, prev)
			prev = got
		}
	})

	t.Run("unknown epoch", func(t *testing.T) {
		t.Parallel()
		_, ok := EpochOrdinal(dates, "2025-12-31", 0)
		require.False(t, ok)
	})
}
