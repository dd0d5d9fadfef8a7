package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/harvest/harvester/pkg/epoch"
	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	"github.com/malbeclabs/harvest/harvester/pkg/metrics"
)

var (
	// ErrStoreUnavailable wraps backend failures. The store degrades to
	// memory rather than surfacing it from its public operations.
	ErrStoreUnavailable = errors.New("state store unavailable")
	ErrNotFound         = errors.New("not found")
	ErrInvalidCycle     = errors.New("invalid cycle")
)

const (
	DefaultRetainEpochs = 30
	DefaultCallTimeout  = 10 * time.Second
)

type Config struct {
	Logger  *slog.Logger
	Backend Backend
	Clock   clockwork.Clock

	// SlotsPerDay caps the number of cycles kept per epoch.
	SlotsPerDay int

	// RetainEpochs is the number of most recent epochs kept.
	RetainEpochs int

	// CallTimeout bounds each backend call.
	CallTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SlotsPerDay == 0 {
		cfg.SlotsPerDay = epoch.SlotsPerDay(epoch.DefaultSlotDuration)
	}
	if cfg.SlotsPerDay < 0 {
		return errors.New("slots per day must be positive")
	}
	if cfg.RetainEpochs == 0 {
		cfg.RetainEpochs = DefaultRetainEpochs
	}
	if cfg.RetainEpochs < 0 {
		return errors.New("retain epochs must be positive")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return nil
}

// Store is the merge-only view over the persisted state document. Every
// write re-reads the document inside the backend's Update and changes only
// the fields it owns.
type Store struct {
	log *slog.Logger
	cfg Config

	mu       sync.Mutex
	lastGood []byte
	fallback *MemoryBackend
	degraded atomic.Bool
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Degraded reports whether the store is serving from memory after a backend
// failure. It stays degraded until the process restarts.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// BackendName returns the name of the backend currently serving reads.
func (s *Store) BackendName() string {
	if s.Degraded() {
		return s.fallback.Name()
	}
	return s.cfg.Backend.Name()
}

func (s *Store) backend() Backend {
	if s.degraded.Load() {
		return s.fallback
	}
	return s.cfg.Backend
}

// degrade switches to the memory fallback seeded with the last document
// seen from the primary backend. Caller holds s.mu.
func (s *Store) degrade(op string, err error) {
	if s.degraded.Load() {
		return
	}
	s.log.Error("statestore: backend failed, continuing in memory-only mode",
		"backend", s.cfg.Backend.Name(), "operation", op, "error", err)
	s.fallback = NewMemoryBackend(s.lastGood)
	s.degraded.Store(true)
	metrics.StoreDegraded.Set(1)
}

func (s *Store) read(ctx context.Context) (document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.readLocked(ctx)
	if err != nil {
		return nil, err
	}
	return decodeDocument(s.log, raw), nil
}

func (s *Store) readLocked(ctx context.Context) ([]byte, error) {
	b := s.backend()
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	raw, err := b.Read(callCtx)
	metrics.StoreOperationsTotal.WithLabelValues(b.Name(), "read", metrics.Status(err)).Inc()
	if err == nil {
		if !s.degraded.Load() {
			s.lastGood = clone(raw)
		}
		return raw, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s.degraded.Load() {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.degrade("read", err)
	return s.fallback.Read(ctx)
}

// update applies mutate to the decoded document inside a backend Update.
func (s *Store) update(ctx context.Context, op string, mutate func(doc document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var mutateErr error
	apply := func(current []byte) ([]byte, error) {
		doc := decodeDocument(s.log, current)
		if err := mutate(doc); err != nil {
			mutateErr = err
			return nil, err
		}
		return doc.encode()
	}

	b := s.backend()
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	var written []byte
	err := b.Update(callCtx, func(current []byte) ([]byte, error) {
		next, err := apply(current)
		written = next
		return next, err
	})
	metrics.StoreOperationsTotal.WithLabelValues(b.Name(), op, metrics.Status(err)).Inc()
	if err == nil {
		if !s.degraded.Load() {
			s.lastGood = clone(written)
		}
		return nil
	}
	if mutateErr != nil {
		return mutateErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.degraded.Load() {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	s.degrade(op, err)
	return s.fallback.Update(ctx, apply)
}

// LoadLedger returns the cumulative ledger. Missing or malformed fields come
// back as their zero values.
func (s *Store) LoadLedger(ctx context.Context) (ledger.Ledger, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return ledger.Ledger{}, err
	}
	return ledgerFromFields(s.log, doc.object(s.log, sectionCumulative)), nil
}

// MergeLedger applies patch to the persisted ledger and returns the result.
func (s *Store) MergeLedger(ctx context.Context, patch ledger.Patch) (ledger.Ledger, error) {
	var merged ledger.Ledger
	err := s.update(ctx, "merge_ledger", func(doc document) error {
		fields := doc.object(s.log, sectionCumulative)
		merged = patch.Apply(ledgerFromFields(s.log, fields), s.cfg.Clock.Now())
		if err := ledgerIntoFields(fields, merged); err != nil {
			return err
		}
		return doc.setObject(sectionCumulative, fields)
	})
	if err != nil {
		return ledger.Ledger{}, fmt.Errorf("failed to merge ledger: %w", err)
	}
	return merged, nil
}

// AppendCycleResult appends c to its epoch, creating the epoch if needed.
// The epoch keeps at most SlotsPerDay cycles and the store keeps at most
// RetainEpochs epochs; evicted epochs are counted so ordinals stay stable.
func (s *Store) AppendCycleResult(ctx context.Context, c ledger.Cycle) error {
	if c.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidCycle)
	}
	if got := epoch.EpochAt(c.Timestamp); c.Epoch != got {
		return fmt.Errorf("%w: epoch %q does not match completion date %q", ErrInvalidCycle, c.Epoch, got)
	}

	err := s.update(ctx, "append_cycle", func(doc document) error {
		epochs := doc.object(s.log, sectionEpochs)

		rec := epochRecord{fields: map[string]json.RawMessage{}}
		if raw, ok := epochs[c.Epoch]; ok {
			rec = decodeEpochRecord(s.log, c.Epoch, raw)
		}
		rec.cycles = append(rec.cycles, c)
		if len(rec.cycles) > s.cfg.SlotsPerDay {
			rec.cycles = slices.Clone(rec.cycles[len(rec.cycles)-s.cfg.SlotsPerDay:])
		}
		raw, err := rec.encode()
		if err != nil {
			return err
		}
		epochs[c.Epoch] = raw

		if surplus := len(epochs) - s.cfg.RetainEpochs; surplus > 0 {
			for _, date := range sortedKeys(epochs)[:surplus] {
				delete(epochs, date)
			}
			evicted := doc.intValue(s.log, sectionEvictedEpochs) + surplus
			if err := encodeField(doc, sectionEvictedEpochs, evicted); err != nil {
				return err
			}
			s.log.Info("statestore: evicted old epochs", "count", surplus, "evicted_total", evicted)
		}
		return doc.setObject(sectionEpochs, epochs)
	})
	if err != nil {
		return fmt.Errorf("failed to append cycle: %w", err)
	}
	return nil
}

// ListEpochsOldestFirst returns every retained epoch sorted by date.
func (s *Store) ListEpochsOldestFirst(ctx context.Context) ([]ledger.Epoch, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	epochs := doc.object(s.log, sectionEpochs)
	out := make([]ledger.Epoch, 0, len(epochs))
	for _, date := range sortedKeys(epochs) {
		rec := decodeEpochRecord(s.log, date, epochs[date])
		out = append(out, ledger.Epoch{Date: date, Cycles: rec.cycles})
	}
	return out, nil
}

// Epoch returns the cycles recorded for date.
func (s *Store) Epoch(ctx context.Context, date string) (ledger.Epoch, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return ledger.Epoch{}, err
	}
	raw, ok := doc.object(s.log, sectionEpochs)[date]
	if !ok {
		return ledger.Epoch{}, fmt.Errorf("epoch %s: %w", date, ErrNotFound)
	}
	rec := decodeEpochRecord(s.log, date, raw)
	return ledger.Epoch{Date: date, Cycles: rec.cycles}, nil
}

// EpochOrdinal returns the 1-based, oldest-first number of date.
func (s *Store) EpochOrdinal(ctx context.Context, date string) (int, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return 0, err
	}
	epochs := doc.object(s.log, sectionEpochs)
	ordinal, ok := ledger.EpochOrdinal(sortedKeys(epochs), date, doc.intValue(s.log, sectionEvictedEpochs))
	if !ok {
		return 0, fmt.Errorf("epoch %s: %w", date, ErrNotFound)
	}
	return ordinal, nil
}

// LastCycle returns the most recently appended cycle.
func (s *Store) LastCycle(ctx context.Context) (ledger.Cycle, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return ledger.Cycle{}, err
	}
	epochs := doc.object(s.log, sectionEpochs)
	dates := sortedKeys(epochs)
	for i := len(dates) - 1; i >= 0; i-- {
		rec := decodeEpochRecord(s.log, dates[i], epochs[dates[i]])
		if n := len(rec.cycles); n > 0 {
			return rec.cycles[n-1], nil
		}
	}
	return ledger.Cycle{}, fmt.Errorf("cycle: %w", ErrNotFound)
}

// LoadCarryOver returns the owed amount per recipient key.
func (s *Store) LoadCarryOver(ctx context.Context) (map[string]uint64, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	fields := doc.object(s.log, sectionCarryOver)
	out := make(map[string]uint64, len(fields))
	for key := range fields {
		var v uint64
		decodeField(s.log, fields, key, &v)
		if v > 0 {
			out[key] = v
		}
	}
	return out, nil
}

// MergeCarryOver sets the carry-over of each key in updates. A zero amount
// clears the entry; keys not in updates are left alone.
func (s *Store) MergeCarryOver(ctx context.Context, updates map[string]uint64) error {
	if len(updates) == 0 {
		return nil
	}
	err := s.update(ctx, "merge_carry_over", func(doc document) error {
		fields := doc.object(s.log, sectionCarryOver)
		for key, amount := range updates {
			if amount == 0 {
				delete(fields, key)
				continue
			}
			if err := encodeField(fields, key, amount); err != nil {
				return err
			}
		}
		return doc.setObject(sectionCarryOver, fields)
	})
	if err != nil {
		return fmt.Errorf("failed to merge carry-over: %w", err)
	}
	return nil
}
