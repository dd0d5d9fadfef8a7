package dedup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	harvesttesting "github.com/malbeclabs/harvest/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type mockSource struct {
	mu   sync.Mutex
	snap Snapshot
	err  error
}

func (m *mockSource) set(l ledger.Ledger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = Snapshot{Ledger: l, Fingerprint: l.Fingerprint()}
}

func (m *mockSource) Ledger(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, m.err
}

type mockChannel struct {
	name string

	mu   sync.Mutex
	sent []Notification
	fail error
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Notify(ctx context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, n)
	return nil
}

func (m *mockChannel) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func distributedLedger(holders, treasury, count uint64) ledger.Ledger {
	return ledger.Ledger{
		Harvested:               1_000,
		PaidToHolders:           holders,
		PaidToTreasury:          treasury,
		DistributionCount:       count,
		LastSettlementRef:       "sig",
		LastDistributionEpoch:   "2026-10-17",
		LastDistributionSlot:    2,
		LastDistributionOutcome: ledger.OutcomeComplete,
	}
}

func newGuard(t *testing.T, path string, source LedgerSource, channels ...Channel) *Guard {
	t.Helper()
	store, err := NewFileStore(path)
	require.NoError(t, err)
	g, err := New(Config{
		Logger:   harvesttesting.NewLogger(),
		Clock:    clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 0, 10, 0, 0, time.UTC)),
		Source:   source,
		Store:    store,
		Channels: channels,
	})
	require.NoError(t, err)
	return g
}

func TestHarvest_Dedup_Poll(t *testing.T) {
	t.Parallel()

	t.Run("notifies once per fingerprint", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "fingerprints.json")
		src := &mockSource{}
		src.set(distributedLedger(1_500_000_000, 500_000_000, 1))
		ch := &mockChannel{name: "slack"}
		g := newGuard(t, path, src, ch)

		sent, err := g.Poll(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, sent)

		sent, err = g.Poll(t.Context())
		require.NoError(t, err)
		require.Zero(t, sent)
		require.Equal(t, 1, ch.count())
		require.Equal(t, uint64(1_500_000_000), ch.sent[0].PaidToHolders)
		require.Equal(t, "2026-10-17", ch.sent[0].Epoch)
	})

	t.Run("restart does not re-notify", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "fingerprints.json")
		src := &mockSource{}
		src.set(distributedLedger(10, 5, 1))

		first := &mockChannel{name: "slack"}
		_, err := newGuard(t, path, src, first).Poll(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, first.count())

		restarted := &mockChannel{name: "slack"}
		sent, err := newGuard(t, path, src, restarted).Poll(t.Context())
		require.NoError(t, err)
		require.Zero(t, sent)
		require.Zero(t, restarted.count())
	})

	t.Run("split settlement with the same totals is one event", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "fingerprints.json")
		src := &mockSource{}
		l := distributedLedger(10, 5, 1)
		src.set(l)
		ch := &mockChannel{name: "slack"}
		g := newGuard(t, path, src, ch)

		_, err := g.Poll(t.Context())
		require.NoError(t, err)

		l.LastSettlementRef = "sig-2"
		src.set(l)
		sent, err := g.Poll(t.Context())
		require.NoError(t, err)
		require.Zero(t, sent)
	})

	t.Run("new distribution notifies again", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "fingerprints.json")
		src := &mockSource{}
		src.set(distributedLedger(10, 5, 1))
		ch := &mockChannel{name: "slack"}
		g := newGuard(t, path, src, ch)

		_, err := g.Poll(t.Context())
		require.NoError(t, err)
		src.set(distributedLedger(25, 10, 2))
		sent, err := g.Poll(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, sent)
		require.Equal(t, uint64(2), ch.sent[1].DistributionCount)
	})

	t.Run("no distribution yet", func(t *testing.T) {
		t.Parallel()
		src := &mockSource{}
		src.set(ledger.Ledger{Harvested: 50})
		ch := &mockChannel{name: "slack"}
		g := newGuard(t, filepath.Join(t.TempDir(), "fp.json"), src, ch)

		sent, err := g.Poll(t.Context())
		require.NoError(t, err)
		require.Zero(t, sent)
		require.Zero(t, ch.count())
	})

	t.Run("partial distribution waits for settlement", func(t *testing.T) {
		t.Parallel()
		src := &mockSource{}
		partial := distributedLedger(10, 0, 1)
		partial.LastDistributionOutcome = ledger.OutcomePartial
		src.set(partial)
		ch := &mockChannel{name: "slack"}
		g := newGuard(t, filepath.Join(t.TempDir(), "fp.json"), src, ch)

		sent, err := g.Poll(t.Context())
		require.NoError(t, err)
		require.Zero(t, sent)

		src.set(distributedLedger(20, 10, 2))
		sent, err = g.Poll(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, sent)
		require.Equal(t, 1, ch.count())
	})

	t.Run("failed channel is retried, healthy channel is not", func(t *testing.T) {
		t.Parallel()
		src := &mockSource{}
		src.set(distributedLedger(10, 5, 1))
		slack := &mockChannel{name: "slack"}
		webhook := &mockChannel{name: "webhook", fail: errors.New("503 service unavailable")}
		g := newGuard(t, filepath.Join(t.TempDir(), "fp.json"), src, slack, webhook)

		sent, err := g.Poll(t.Context())
		require.Error(t, err)
		require.Equal(t, 1, sent)

		webhook.mu.Lock()
		webhook.fail = nil
		webhook.mu.Unlock()

		sent, err = g.Poll(t.Context())
		require.NoError(t, err)
		require.Equal(t, 1, sent)
		require.Equal(t, 1, slack.count())
		require.Equal(t, 1, webhook.count())
	})

	t.Run("source error", func(t *testing.T) {
		t.Parallel()
		src := &mockSource{err: errors.New("connection refused")}
		ch := &mockChannel{name: "slack"}
		g := newGuard(t, filepath.Join(t.TempDir(), "fp.json"), src, ch)

		_, err := g.Poll(t.Context())
		require.Error(t, err)
		require.Zero(t, ch.count())
	})

	t.Run("served fingerprint is not trusted", func(t *testing.T) {
		t.Parallel()
		src := &mockSource{}
		l := distributedLedger(10, 5, 1)
		src.snap = Snapshot{Ledger: l, Fingerprint: "stale"}
		ch := &mockChannel{name: "slack"}
		g := newGuard(t, filepath.Join(t.TempDir(), "fp.json"), src, ch)

		_, err := g.Poll(t.Context())
		require.NoError(t, err)
		require.Equal(t, l.Fingerprint(), ch.sent[0].Fingerprint)
	})
}

func TestHarvest_Dedup_Config(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(filepath.Join(t.TempDir(), "fp.json"))
	require.NoError(t, err)
	_, err = New(Config{
		Logger:   harvesttesting.NewLogger(),
		Source:   &mockSource{},
		Store:    store,
		Channels: []Channel{&mockChannel{name: "a"}, &mockChannel{name: "a"}},
	})
	require.ErrorContains(t, err, "duplicate channel")

	_, err = New(Config{Logger: harvesttesting.NewLogger(), Source: &mockSource{}, Store: store})
	require.Error(t, err)
}

func TestHarvest_Dedup_Start(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 0, 10, 0, 0, time.UTC))
	store, err := NewFileStore(filepath.Join(t.TempDir(), "fp.json"))
	require.NoError(t, err)
	src := &mockSource{}
	src.set(distributedLedger(10, 5, 1))
	ch := &mockChannel{name: "slack"}
	g, err := New(Config{
		Logger:       harvesttesting.NewLogger(),
		Clock:        clock,
		Source:       src,
		Store:        store,
		Channels:     []Channel{ch},
		PollInterval: time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.Start(ctx)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Equal(t, 1, ch.count())

	src.set(distributedLedger(20, 10, 2))
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return ch.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("guard did not stop")
	}
}
