package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/harvest/harvester/pkg/distribution"
	"github.com/malbeclabs/harvest/harvester/pkg/epoch"
	"github.com/malbeclabs/harvest/harvester/pkg/harvest"
	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	"github.com/malbeclabs/harvest/harvester/pkg/metrics"
	"github.com/malbeclabs/harvest/harvester/pkg/swap"
)

var ErrCycleInProgress = errors.New("cycle already in progress")

const DefaultInterval = 5 * time.Minute

// State of the scheduler between and during cycles.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

type Harvester interface {
	Harvest(ctx context.Context) (*harvest.Result, error)
}

type Swapper interface {
	Swap(ctx context.Context, amountIn uint64) (*swap.Result, error)
}

type Distributor interface {
	Distribute(ctx context.Context, in distribution.Input) (*distribution.Result, error)
	Defer(ctx context.Context, in distribution.Input) (*distribution.Result, error)
}

type Store interface {
	AppendCycleResult(ctx context.Context, c ledger.Cycle) error
	LastCycle(ctx context.Context) (ledger.Cycle, error)
}

// Archive receives every completed cycle. Failures are logged only.
type Archive interface {
	WriteCycle(ctx context.Context, c ledger.Cycle) error
}

// Reporter is told about failed cycles.
type Reporter interface {
	ReportCycleFailure(ctx context.Context, c ledger.Cycle, err error)
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Epochs      *epoch.Clock
	Harvester   Harvester
	Swapper     Swapper
	Distributor Distributor
	Store       Store

	Archive  Archive
	Reporter Reporter

	// Interval is the delay between the end of one cycle and the start of
	// the next.
	Interval     time.Duration
	StoreTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Harvester == nil || cfg.Swapper == nil || cfg.Distributor == nil {
		return errors.New("harvester, swapper and distributor are required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Epochs == nil {
		epochs, err := epoch.NewClock(epoch.Config{Clock: cfg.Clock})
		if err != nil {
			return fmt.Errorf("failed to create epoch clock: %w", err)
		}
		cfg.Epochs = epochs
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	return nil
}

// Scheduler runs harvest, swap and distribution in sequence, one cycle at
// a time. The single-flight guard is in-process only.
type Scheduler struct {
	log *slog.Logger
	cfg Config

	running atomic.Bool
	last    atomic.Pointer[ledger.Cycle]

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg, readyCh: make(chan struct{})}, nil
}

func (s *Scheduler) State() State {
	if s.running.Load() {
		return StateRunning
	}
	return StateIdle
}

// Ready reports whether at least one cycle has completed since start.
func (s *Scheduler) Ready() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

// LastCycle returns the most recent cycle, from memory when this process
// has completed one and from the store otherwise.
func (s *Scheduler) LastCycle(ctx context.Context) (ledger.Cycle, error) {
	if c := s.last.Load(); c != nil {
		return *c, nil
	}
	return s.cfg.Store.LastCycle(ctx)
}

// Start runs a cycle immediately and then one every Interval after the
// previous cycle finished, until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		s.log.Info("scheduler: starting cycle loop", "interval", s.cfg.Interval)
		for {
			s.tick(ctx)
			select {
			case <-ctx.Done():
				s.log.Info("scheduler: stopped")
				return
			case <-s.cfg.Clock.After(s.cfg.Interval):
			}
		}
	}()
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunCycle(ctx); err != nil {
		if errors.Is(err, ErrCycleInProgress) || errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("scheduler: cycle failed", "error", err)
	}
}

// Trigger starts a cycle in the background. It returns ErrCycleInProgress
// when a cycle is already running.
func (s *Scheduler) Trigger(ctx context.Context) (string, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SchedulerSkipsTotal.Inc()
		s.log.Debug("scheduler: manual trigger while running, skipping")
		return "", ErrCycleInProgress
	}
	runID := uuid.NewString()
	go func() {
		defer s.running.Store(false)
		if _, err := s.run(ctx, runID); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("scheduler: triggered cycle failed", "run_id", runID, "error", err)
		}
	}()
	return runID, nil
}

// RunCycle executes one cycle and records it. A call while another cycle
// is running is a no-op returning ErrCycleInProgress. The returned error
// is the cause of a Failed cycle.
func (s *Scheduler) RunCycle(ctx context.Context) (ledger.Cycle, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SchedulerSkipsTotal.Inc()
		s.log.Debug("scheduler: tick while running, skipping")
		return ledger.Cycle{}, ErrCycleInProgress
	}
	defer s.running.Store(false)
	return s.run(ctx, uuid.NewString())
}

func (s *Scheduler) run(ctx context.Context, runID string) (ledger.Cycle, error) {
	start := s.cfg.Clock.Now()
	log := s.log.With("run_id", runID)
	log.Debug("scheduler: cycle started")

	state, result, err := s.execute(ctx, log)

	completed := s.cfg.Epochs.Now()
	epochDate, slot := s.cfg.Epochs.Label(completed)
	cycle := ledger.Cycle{
		Epoch:     epochDate,
		Slot:      slot,
		Timestamp: completed,
		State:     state,
		RunID:     runID,
		Result:    result,
	}
	if err != nil {
		cycle.Error = err.Error()
	}

	s.record(ctx, log, cycle, err)

	duration := s.cfg.Clock.Since(start)
	metrics.CyclesTotal.WithLabelValues(string(state)).Inc()
	metrics.CycleDuration.Observe(duration.Seconds())

	attrs := []any{"epoch", epochDate, "slot", slot, "state", state, "duration", duration.String()}
	switch state {
	case ledger.CycleStateFailed:
		log.Error("scheduler: cycle completed", append(attrs, "error", err)...)
	default:
		log.Info("scheduler: cycle completed", attrs...)
	}
	return cycle, err
}

// execute runs the three stages. A panic in any of them fails the cycle.
func (s *Scheduler) execute(ctx context.Context, log *slog.Logger) (state ledger.CycleState, result *ledger.CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CyclePanicsTotal.Inc()
			log.Error("scheduler: cycle panicked", "panic", r)
			state = ledger.CycleStateFailed
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()

	harvested, err := s.cfg.Harvester.Harvest(ctx)
	if errors.Is(err, harvest.ErrBelowThreshold) {
		return ledger.CycleStateRolledOver, nil, nil
	}
	if err != nil {
		return ledger.CycleStateFailed, nil, fmt.Errorf("failed to harvest: %w", err)
	}
	result = &ledger.CycleResult{Harvested: harvested.Collected, Batches: harvested.Batches}

	epochDate, slot := s.cfg.Epochs.Label(s.cfg.Epochs.Now())
	swapped, err := s.cfg.Swapper.Swap(ctx, harvested.Pooled)
	if errors.Is(err, swap.ErrSettlementUnmeasured) && swapped != nil {
		return ledger.CycleStateFailed, result, s.deferUnmeasured(ctx, log, result, swapped, epochDate, slot, err)
	}
	if err != nil {
		return ledger.CycleStateFailed, result, fmt.Errorf("failed to swap: %w", err)
	}
	result.Settlement = swapped.Settlement
	result.SettlementRef = swapped.Ref

	distributed, err := s.cfg.Distributor.Distribute(ctx, distribution.Input{
		Settlement:    swapped.Settlement,
		Harvested:     swapped.AmountIn,
		SettlementRef: swapped.Ref,
		Epoch:         epochDate,
		Slot:          slot,
	})
	if distributed != nil {
		result.ToHolders = distributed.ToHolders
		result.ToTreasury = distributed.ToTreasury
		result.HoldersPaid = distributed.HoldersPaid
		result.CarriedOver = distributed.CarriedOver
	}
	if err != nil {
		return ledger.CycleStateFailed, result, fmt.Errorf("failed to distribute: %w", err)
	}
	return ledger.CycleStateDistributed, result, nil
}

// deferUnmeasured parks the venue-reported proceeds of a swap whose
// settlement could not be measured, so the next distribution pays them.
func (s *Scheduler) deferUnmeasured(ctx context.Context, log *slog.Logger, result *ledger.CycleResult,
	swapped *swap.Result, epochDate string, slot int, cause error) error {
	result.Settlement = swapped.Settlement
	result.SettlementRef = swapped.Ref
	if swapped.Settlement == 0 {
		log.Error("scheduler: swap proceeds unmeasured and unreported, reconcile the settlement account",
			"ref", swapped.Ref, "amount_in", swapped.AmountIn)
		return fmt.Errorf("failed to swap: %w", cause)
	}
	deferred, err := s.cfg.Distributor.Defer(ctx, distribution.Input{
		Settlement:    swapped.Settlement,
		Harvested:     swapped.AmountIn,
		SettlementRef: swapped.Ref,
		Epoch:         epochDate,
		Slot:          slot,
	})
	if err != nil {
		return errors.Join(fmt.Errorf("failed to swap: %w", cause), fmt.Errorf("failed to defer settlement: %w", err))
	}
	result.CarriedOver = deferred.CarriedOver
	return fmt.Errorf("failed to swap: %w", cause)
}

func (s *Scheduler) record(ctx context.Context, log *slog.Logger, cycle ledger.Cycle, cause error) {
	s.last.Store(&cycle)
	s.readyOnce.Do(func() { close(s.readyCh) })

	// Recording must survive a cancelled cycle context.
	bg := context.WithoutCancel(ctx)

	storeCtx, cancel := context.WithTimeout(bg, s.cfg.StoreTimeout)
	if err := s.cfg.Store.AppendCycleResult(storeCtx, cycle); err != nil {
		log.Error("scheduler: failed to append cycle result", "error", err)
	}
	cancel()

	if s.cfg.Archive != nil {
		archiveCtx, cancel := context.WithTimeout(bg, s.cfg.StoreTimeout)
		if err := s.cfg.Archive.WriteCycle(archiveCtx, cycle); err != nil {
			log.Warn("scheduler: failed to archive cycle", "error", err)
		}
		cancel()
	}

	if cycle.State == ledger.CycleStateFailed && s.cfg.Reporter != nil && !errors.Is(cause, context.Canceled) {
		s.cfg.Reporter.ReportCycleFailure(bg, cycle, cause)
	}
}
