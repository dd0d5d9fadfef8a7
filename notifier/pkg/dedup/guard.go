package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	"github.com/malbeclabs/harvest/notifier/pkg/metrics"
)

const (
	DefaultPollInterval  = time.Minute
	DefaultNotifyTimeout = 30 * time.Second
	DefaultStoreTimeout  = 10 * time.Second
)

// Notification describes one distribution event.
type Notification struct {
	Fingerprint       string
	DistributionCount uint64
	PaidToHolders     uint64
	PaidToTreasury    uint64
	Harvested         uint64
	SettlementRef     string
	Epoch             string
	Slot              int
}

type Channel interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Source   LedgerSource
	Store    FingerprintStore
	Channels []Channel

	PollInterval  time.Duration
	NotifyTimeout time.Duration
	StoreTimeout  time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("ledger source is required")
	}
	if cfg.Store == nil {
		return errors.New("fingerprint store is required")
	}
	if len(cfg.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	seen := make(map[string]bool, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		if seen[ch.Name()] {
			return fmt.Errorf("duplicate channel name %q", ch.Name())
		}
		seen[ch.Name()] = true
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultNotifyTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	return nil
}

// Guard notifies each channel at most once per distinct ledger fingerprint.
// The last fingerprint per channel lives in the Store, so a restart does not
// re-announce a distribution that was already delivered.
type Guard struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Guard{log: cfg.Logger, cfg: cfg}, nil
}

// Start polls immediately and then every PollInterval, blocking until ctx
// is done.
func (g *Guard) Start(ctx context.Context) {
	g.log.Info("dedup: starting poll loop", "interval", g.cfg.PollInterval, "channels", len(g.cfg.Channels))
	for {
		if _, err := g.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.log.Error("dedup: poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			g.log.Info("dedup: stopped")
			return
		case <-g.cfg.Clock.After(g.cfg.PollInterval):
		}
	}
}

// Poll reads the ledger once and notifies every channel whose stored
// fingerprint differs. It returns the number of notifications delivered.
// A channel that fails keeps its old fingerprint and is retried next poll.
func (g *Guard) Poll(ctx context.Context) (sent int, err error) {
	defer func() {
		metrics.PollsTotal.WithLabelValues(metrics.Status(err)).Inc()
	}()

	snap, err := g.cfg.Source.Ledger(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger: %w", err)
	}
	l := snap.Ledger
	metrics.LastDistributionCount.Set(float64(l.DistributionCount))

	if l.DistributionCount == 0 {
		metrics.SuppressedTotal.WithLabelValues("no_distribution").Inc()
		return 0, nil
	}
	// Holders are paid but the treasury transfer is owed; wait for the
	// distribution that settles it so the event is announced once.
	if l.LastDistributionOutcome == ledger.OutcomePartial {
		metrics.SuppressedTotal.WithLabelValues("partial").Inc()
		g.log.Debug("dedup: last distribution partial, waiting", "distribution_count", l.DistributionCount)
		return 0, nil
	}

	fingerprint := l.Fingerprint()
	if snap.Fingerprint != "" && snap.Fingerprint != fingerprint {
		g.log.Warn("dedup: served fingerprint does not match ledger totals, using local",
			"served", snap.Fingerprint, "local", fingerprint)
	}
	n := Notification{
		Fingerprint:       fingerprint,
		DistributionCount: l.DistributionCount,
		PaidToHolders:     l.PaidToHolders,
		PaidToTreasury:    l.PaidToTreasury,
		Harvested:         l.Harvested,
		SettlementRef:     l.LastSettlementRef,
		Epoch:             l.LastDistributionEpoch,
		Slot:              l.LastDistributionSlot,
	}

	var errs []error
	for _, ch := range g.cfg.Channels {
		delivered, err := g.notifyChannel(ctx, ch, n)
		if err != nil {
			errs = append(errs, err)
		}
		if delivered {
			sent++
		}
	}
	if sent == 0 && len(errs) == 0 {
		metrics.SuppressedTotal.WithLabelValues("unchanged").Inc()
	}
	return sent, errors.Join(errs...)
}

func (g *Guard) notifyChannel(ctx context.Context, ch Channel, n Notification) (bool, error) {
	log := g.log.With("channel", ch.Name(), "fingerprint", n.Fingerprint, "distribution_count", n.DistributionCount)

	loadCtx, cancel := context.WithTimeout(ctx, g.cfg.StoreTimeout)
	mark, err := g.cfg.Store.Load(loadCtx, ch.Name())
	cancel()
	if err != nil {
		// Without a baseline the channel cannot be deduplicated; skip it.
		return false, fmt.Errorf("failed to load fingerprint for %s: %w", ch.Name(), err)
	}
	if mark.Fingerprint == n.Fingerprint {
		return false, nil
	}

	notifyCtx, cancel := context.WithTimeout(ctx, g.cfg.NotifyTimeout)
	err = ch.Notify(notifyCtx, n)
	cancel()
	metrics.NotificationsTotal.WithLabelValues(ch.Name(), metrics.Status(err)).Inc()
	if err != nil {
		log.Warn("dedup: notification failed, will retry next poll", "error", err)
		return false, fmt.Errorf("failed to notify %s: %w", ch.Name(), err)
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.StoreTimeout)
	defer cancel()
	if err := g.cfg.Store.Save(saveCtx, ch.Name(), Mark{
		Fingerprint:       n.Fingerprint,
		DistributionCount: n.DistributionCount,
		NotifiedAt:        g.cfg.Clock.Now().UTC(),
	}); err != nil {
		log.Error("dedup: notified but failed to persist fingerprint", "error", err)
		return true, err
	}
	log.Info("dedup: distribution notified")
	return true, nil
}
