package swap

import (
	"context"
	"errors"
	"testing"

	harvesttesting "github.com/malbeclabs/harvest/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type mockVenue struct {
	quoteFunc func(ctx context.Context, amountIn uint64, pool string) (uint64, error)
	swapFunc  func(ctx context.Context, amountIn uint64, pool string, minOut uint64) (*VenueReceipt, error)
}

func (m *mockVenue) Quote(ctx context.Context, amountIn uint64, pool string) (uint64, error) {
	if m.quoteFunc != nil {
		return m.quoteFunc(ctx, amountIn, pool)
	}
	return amountIn * 2, nil
}

func (m *mockVenue) Swap(ctx context.Context, amountIn uint64, pool string, minOut uint64) (*VenueReceipt, error) {
	if m.swapFunc != nil {
		return m.swapFunc(ctx, amountIn, pool, minOut)
	}
	return &VenueReceipt{OutAmount: amountIn * 2, Ref: "sig"}, nil
}

// mockSettlement returns successive balances.
type mockSettlement struct {
	balances []uint64
	err      error
	// errFrom fails every read from that call number on (1-based).
	errFrom int
	calls   int
}

func (m *mockSettlement) SettlementBalance(ctx context.Context) (uint64, error) {
	if m.err != nil && (m.errFrom == 0 || m.calls+1 >= m.errFrom) {
		m.calls++
		return 0, m.err
	}
	b := m.balances[min(m.calls, len(m.balances)-1)]
	m.calls++
	return b, nil
}

func newTestExecutor(t *testing.T, venue Venue, settlement SettlementAccount) *Executor {
	t.Helper()
	e, err := New(Config{
		Logger:      harvesttesting.NewLogger(),
		Venue:       venue,
		Settlement:  settlement,
		Pool:        "pool",
		SlippageBps: 100,
	})
	require.NoError(t, err)
	return e
}

func TestHarvest_Swap_MinOut(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint64(990), MinOut(1000, 100))
	require.Equal(t, uint64(1000), MinOut(1000, 0))
	require.Equal(t, uint64(0), MinOut(1000, 10_000))
	require.Equal(t, uint64(16_602_069_666_338_596_453), MinOut(^uint64(0), 1000))
}

func TestHarvest_Swap_Executor(t *testing.T) {
	t.Parallel()

	t.Run("settlement is the balance delta, not the balance", func(t *testing.T) {
		t.Parallel()
		// The settlement account already holds 5 SOL of unrelated funds.
		settlement := &mockSettlement{balances: []uint64{5_000_000_000, 5_250_000_000}}
		var gotMinOut uint64
		venue := &mockVenue{
			quoteFunc: func(context.Context, uint64, string) (uint64, error) { return 260_000_000, nil },
			swapFunc: func(_ context.Context, _ uint64, pool string, minOut uint64) (*VenueReceipt, error) {
				require.Equal(t, "pool", pool)
				gotMinOut = minOut
				return &VenueReceipt{OutAmount: 999_999_999_999, Ref: "sig1"}, nil
			},
		}
		e := newTestExecutor(t, venue, settlement)

		res, err := e.Swap(t.Context(), 50_000)
		require.NoError(t, err)
		require.Equal(t, uint64(250_000_000), res.Settlement)
		require.Equal(t, uint64(257_400_000), gotMinOut)
		require.Equal(t, "sig1", res.Ref)
	})

	t.Run("delta below min out still proceeds", func(t *testing.T) {
		t.Parallel()
		settlement := &mockSettlement{balances: []uint64{100, 150}}
		e := newTestExecutor(t, &mockVenue{}, settlement)

		res, err := e.Swap(t.Context(), 1_000)
		require.NoError(t, err)
		require.Equal(t, uint64(50), res.Settlement)
	})

	t.Run("no growth is insufficient output", func(t *testing.T) {
		t.Parallel()
		for _, balances := range [][]uint64{{100, 100}, {100, 40}} {
			e := newTestExecutor(t, &mockVenue{}, &mockSettlement{balances: balances})
			_, err := e.Swap(t.Context(), 1_000)
			require.ErrorIs(t, err, ErrInsufficientOutput)
		}
	})

	t.Run("zero amount is rejected before touching the venue", func(t *testing.T) {
		t.Parallel()
		venue := &mockVenue{quoteFunc: func(context.Context, uint64, string) (uint64, error) {
			t.Fatal("venue should not be called")
			return 0, nil
		}}
		e := newTestExecutor(t, venue, &mockSettlement{balances: []uint64{0}})
		_, err := e.Swap(t.Context(), 0)
		require.ErrorIs(t, err, ErrInsufficientOutput)
	})

	t.Run("zero quote is insufficient output", func(t *testing.T) {
		t.Parallel()
		venue := &mockVenue{quoteFunc: func(context.Context, uint64, string) (uint64, error) { return 0, nil }}
		e := newTestExecutor(t, venue, &mockSettlement{balances: []uint64{0}})
		_, err := e.Swap(t.Context(), 10)
		require.ErrorIs(t, err, ErrInsufficientOutput)
	})

	t.Run("slippage errors keep their class", func(t *testing.T) {
		t.Parallel()
		venue := &mockVenue{swapFunc: func(context.Context, uint64, string, uint64) (*VenueReceipt, error) {
			return nil, ErrSlippageExceeded
		}}
		e := newTestExecutor(t, venue, &mockSettlement{balances: []uint64{0}})
		_, err := e.Swap(t.Context(), 10)
		require.ErrorIs(t, err, ErrSlippageExceeded)
		require.NotErrorIs(t, err, ErrVenueUnavailable)
	})

	t.Run("other venue errors are unavailability", func(t *testing.T) {
		t.Parallel()
		venue := &mockVenue{quoteFunc: func(context.Context, uint64, string) (uint64, error) {
			return 0, errors.New("connection refused")
		}}
		e := newTestExecutor(t, venue, &mockSettlement{balances: []uint64{0}})
		_, err := e.Swap(t.Context(), 10)
		require.ErrorIs(t, err, ErrVenueUnavailable)
	})

	t.Run("unreadable settlement balance", func(t *testing.T) {
		t.Parallel()
		e := newTestExecutor(t, &mockVenue{}, &mockSettlement{err: errors.New("rpc down")})
		_, err := e.Swap(t.Context(), 10)
		require.ErrorIs(t, err, ErrVenueUnavailable)
	})

	t.Run("unreadable balance after the swap returns the reported output", func(t *testing.T) {
		t.Parallel()
		settlement := &mockSettlement{balances: []uint64{5_000}, err: errors.New("rpc down"), errFrom: 2}
		venue := &mockVenue{swapFunc: func(context.Context, uint64, string, uint64) (*VenueReceipt, error) {
			return &VenueReceipt{OutAmount: 1_900, Ref: "sig-unmeasured"}, nil
		}}
		e := newTestExecutor(t, venue, settlement)

		res, err := e.Swap(t.Context(), 1_000)
		require.ErrorIs(t, err, ErrSettlementUnmeasured)
		require.NotErrorIs(t, err, ErrVenueUnavailable)
		require.NotNil(t, res)
		require.True(t, res.Unmeasured)
		require.Equal(t, uint64(1_900), res.Settlement)
		require.Equal(t, "sig-unmeasured", res.Ref)
		require.Equal(t, 2, settlement.calls)
	})
}

func TestHarvest_Swap_Config(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Logger:     harvesttesting.NewLogger(),
			Venue:      &mockVenue{},
			Settlement: &mockSettlement{balances: []uint64{0}},
			Pool:       "pool",
		}
	}

	cfg := base()
	cfg.SettlementAddress = "wallet"
	cfg.OperatingAddress = "wallet"
	_, err := New(cfg)
	require.ErrorContains(t, err, "must differ")

	cfg = base()
	cfg.SlippageBps = 10_000
	_, err = New(cfg)
	require.Error(t, err)

	cfg = base()
	cfg.Pool = ""
	_, err = New(cfg)
	require.Error(t, err)

	_, err = New(base())
	require.NoError(t, err)
}
