package harvest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	harvesttesting "github.com/malbeclabs/harvest/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

// mockFeeLedger models withheld fees that move into a pool on Collect.
type mockFeeLedger struct {
	mu       sync.Mutex
	withheld uint64
	pooled   uint64
	limits   []uint64

	withheldErr error
	collectFunc func(call int, limit uint64) (uint64, error)
}

func (m *mockFeeLedger) WithheldBalance(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.withheld, m.withheldErr
}

func (m *mockFeeLedger) PooledBalance(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pooled, nil
}

func (m *mockFeeLedger) Collect(ctx context.Context, limit uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = append(m.limits, limit)
	var err error
	if m.collectFunc != nil {
		// A failing call may still report what its earlier chunks moved.
		limit, err = m.collectFunc(len(m.limits), limit)
	}
	moved := min(limit, m.withheld)
	m.withheld -= moved
	m.pooled += moved
	return moved, err
}

func newTestPipeline(t *testing.T, fl FeeLedger, clock clockwork.Clock, delay time.Duration) *Pipeline {
	t.Helper()
	p, err := New(Config{
		Logger:           harvesttesting.NewLogger(),
		Clock:            clock,
		FeeLedger:        fl,
		MinThreshold:     20_000,
		MaxSingleHarvest: 12_000,
		BatchDelay:       delay,
	})
	require.NoError(t, err)
	return p
}

func TestHarvest_Pipeline_Plan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		withheld, cap uint64
		batches       int
		perBatch      uint64
	}{
		{0, 12_000, 0, 0},
		{11_999, 12_000, 1, 11_999},
		{12_000, 12_000, 1, 12_000},
		{12_001, 12_000, 2, 6_001},
		{50_000, 12_000, 5, 10_000},
		{50_001, 10_000, 6, 8_334},
	}
	for _, tt := range tests {
		batches, perBatch := Plan(tt.withheld, tt.cap)
		require.Equal(t, tt.batches, batches, "withheld=%d cap=%d", tt.withheld, tt.cap)
		require.Equal(t, tt.perBatch, perBatch, "withheld=%d cap=%d", tt.withheld, tt.cap)
		if batches > 0 {
			require.LessOrEqual(t, perBatch, tt.cap)
			require.GreaterOrEqual(t, uint64(batches)*perBatch, tt.withheld)
		}
	}
}

func TestHarvest_Pipeline_Harvest(t *testing.T) {
	t.Parallel()

	t.Run("below threshold leaves fees in place", func(t *testing.T) {
		t.Parallel()
		fl := &mockFeeLedger{withheld: 10_000, pooled: 5_000}
		p := newTestPipeline(t, fl, clockwork.NewFakeClock(), 0)

		res, err := p.Harvest(t.Context())
		require.ErrorIs(t, err, ErrBelowThreshold)
		require.Nil(t, res)
		require.Empty(t, fl.limits)
		require.Equal(t, uint64(10_000), fl.withheld)
	})

	t.Run("single collection under the cap", func(t *testing.T) {
		t.Parallel()
		fl := &mockFeeLedger{withheld: 9_000, pooled: 15_000}
		p := newTestPipeline(t, fl, clockwork.NewFakeClock(), 0)

		res, err := p.Harvest(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, res.Batches)
		require.Equal(t, uint64(9_000), res.Collected)
		require.Equal(t, uint64(24_000), res.Pooled)
		require.False(t, res.Partial)
	})

	t.Run("splits large balances into ceil batches", func(t *testing.T) {
		t.Parallel()
		fl := &mockFeeLedger{withheld: 50_000}
		p := newTestPipeline(t, fl, clockwork.NewFakeClock(), 0)

		res, err := p.Harvest(t.Context())
		require.NoError(t, err)
		require.Equal(t, 5, res.Batches)
		require.Equal(t, uint64(50_000), res.Collected)
		require.Equal(t, uint64(50_000), res.Pooled)
		require.Equal(t, []uint64{10_000, 10_000, 10_000, 10_000, 10_000}, fl.limits)
	})

	t.Run("partial failure keeps completed batches", func(t *testing.T) {
		t.Parallel()
		fl := &mockFeeLedger{withheld: 50_000, collectFunc: func(call int, limit uint64) (uint64, error) {
			if call == 3 {
				return 0, errors.New("transaction too large")
			}
			return limit, nil
		}}
		p := newTestPipeline(t, fl, clockwork.NewFakeClock(), 0)

		res, err := p.Harvest(t.Context())
		require.NoError(t, err)
		require.True(t, res.Partial)
		require.Equal(t, 3, res.Batches)
		require.Equal(t, uint64(20_000), res.Collected)
		require.Equal(t, uint64(30_000), fl.withheld)
	})

	t.Run("failed batch reports the chunks it already moved", func(t *testing.T) {
		t.Parallel()
		fl := &mockFeeLedger{withheld: 50_000, pooled: 1_000, collectFunc: func(call int, limit uint64) (uint64, error) {
			if call == 2 {
				return 4_000, errors.New("chunk 2 of 3 failed")
			}
			return limit, nil
		}}
		p := newTestPipeline(t, fl, clockwork.NewFakeClock(), 0)

		res, err := p.Harvest(t.Context())
		require.NoError(t, err)
		require.True(t, res.Partial)
		require.Equal(t, 2, res.Batches)
		require.Equal(t, uint64(14_000), res.Collected)
		require.Equal(t, uint64(15_000), res.Pooled)
		require.Equal(t, fl.pooled, res.Pooled)
		require.Equal(t, uint64(36_000), fl.withheld)
	})

	t.Run("first batch failing after moving a chunk is partial", func(t *testing.T) {
		t.Parallel()
		fl := &mockFeeLedger{withheld: 30_000, collectFunc: func(int, uint64) (uint64, error) {
			return 2_500, errors.New("chunk 2 of 2 failed")
		}}
		p := newTestPipeline(t, fl, clockwork.NewFakeClock(), 0)

		res, err := p.Harvest(t.Context())
		require.NoError(t, err)
		require.True(t, res.Partial)
		require.Equal(t, uint64(2_500), res.Collected)
		require.Equal(t, uint64(2_500), res.Pooled)
	})

	t.Run("failure with nothing collected is a collection error", func(t *testing.T) {
		t.Parallel()
		fl := &mockFeeLedger{withheld: 30_000, collectFunc: func(int, uint64) (uint64, error) {
			return 0, errors.New("rpc unavailable")
		}}
		p := newTestPipeline(t, fl, clockwork.NewFakeClock(), 0)

		_, err := p.Harvest(t.Context())
		require.ErrorIs(t, err, ErrCollection)
		require.Equal(t, uint64(30_000), fl.withheld)
	})

	t.Run("read failure is a collection error", func(t *testing.T) {
		t.Parallel()
		fl := &mockFeeLedger{withheldErr: errors.New("rpc unavailable")}
		p := newTestPipeline(t, fl, clockwork.NewFakeClock(), 0)

		_, err := p.Harvest(t.Context())
		require.ErrorIs(t, err, ErrCollection)
	})

	t.Run("second harvest of an empty balance is a no-op", func(t *testing.T) {
		t.Parallel()
		fl := &mockFeeLedger{withheld: 25_000}
		p := newTestPipeline(t, fl, clockwork.NewFakeClock(), 0)

		res, err := p.Harvest(t.Context())
		require.NoError(t, err)
		require.Equal(t, uint64(25_000), res.Collected)

		fl.pooled = 0 // swapped away
		_, err = p.Harvest(t.Context())
		require.ErrorIs(t, err, ErrBelowThreshold)
	})

	t.Run("batches wait for the delay on the clock", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		fl := &mockFeeLedger{withheld: 36_000}
		p := newTestPipeline(t, fl, clock, time.Minute)

		type out struct {
			res *Result
			err error
		}
		done := make(chan out, 1)
		go func() {
			res, err := p.Harvest(context.Background())
			done <- out{res, err}
		}()

		for range 2 {
			require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
			clock.Advance(time.Minute)
		}
		got := <-done
		require.NoError(t, got.err)
		require.Equal(t, 3, got.res.Batches)
		require.Equal(t, uint64(36_000), got.res.Collected)
	})

	t.Run("cancel during delay keeps what was collected", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		fl := &mockFeeLedger{withheld: 36_000}
		p := newTestPipeline(t, fl, clock, time.Hour)

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan *Result, 1)
		go func() {
			res, err := p.Harvest(ctx)
			require.NoError(t, err)
			done <- res
		}()
		require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
		cancel()

		res := <-done
		require.True(t, res.Partial)
		require.Equal(t, uint64(12_000), res.Collected)
	})
}

func TestHarvest_Pipeline_Config(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Logger: harvesttesting.NewLogger(), FeeLedger: &mockFeeLedger{}, MaxSingleHarvest: 1})
	require.Error(t, err)
	_, err = New(Config{Logger: harvesttesting.NewLogger(), FeeLedger: &mockFeeLedger{}, MinThreshold: 1})
	require.Error(t, err)
	_, err = New(Config{Logger: harvesttesting.NewLogger(), MinThreshold: 1, MaxSingleHarvest: 1})
	require.Error(t, err)
}
