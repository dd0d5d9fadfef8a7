package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/harvest/harvester/pkg/metrics"
)

var (
	// ErrBelowThreshold means the fee balance was left on-chain for a later
	// cycle. It is an expected outcome, not a failure.
	ErrBelowThreshold = errors.New("fee balance below harvest threshold")
	ErrCollection     = errors.New("fee collection failed")
)

// FeeLedger reads and collects withheld transfer fees.
type FeeLedger interface {
	// WithheldBalance is the fee withheld across all fee-bearing accounts.
	WithheldBalance(ctx context.Context) (uint64, error)
	// PooledBalance is the fee-token balance already in the pool account.
	PooledBalance(ctx context.Context) (uint64, error)
	// Collect withdraws up to limit of the withheld fee into the pool
	// account and returns the amount moved. Collecting an empty withheld
	// balance moves nothing.
	Collect(ctx context.Context, limit uint64) (uint64, error)
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	FeeLedger FeeLedger

	// MinThreshold is the smallest withheld+pooled total worth harvesting.
	MinThreshold uint64
	// MaxSingleHarvest caps one collection; larger balances are batched.
	MaxSingleHarvest uint64
	BatchDelay       time.Duration
	CallTimeout      time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.FeeLedger == nil {
		return errors.New("fee ledger is required")
	}
	if cfg.MinThreshold == 0 {
		return errors.New("min threshold must be greater than 0")
	}
	if cfg.MaxSingleHarvest == 0 {
		return errors.New("max single harvest must be greater than 0")
	}
	if cfg.BatchDelay < 0 {
		return errors.New("batch delay must not be negative")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Result is the outcome of a harvest.
type Result struct {
	// Withheld is the withheld fee observed before collection.
	Withheld uint64
	// Collected is the amount moved into the pool by this harvest.
	Collected uint64
	// Pooled is the pool balance available to swap: what was already pooled
	// plus Collected.
	Pooled uint64
	// Batches is the number of collection batches attempted.
	Batches int
	// Partial is set when a batch failed after earlier batches succeeded.
	Partial bool
}

type Pipeline struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{log: cfg.Logger, cfg: cfg}, nil
}

// Plan returns the number of batches and the per-batch limit used to
// collect withheld: ceil(withheld / cap) batches of ceil(withheld / batches).
func Plan(withheld, maxSingle uint64) (batches int, perBatch uint64) {
	if withheld == 0 {
		return 0, 0
	}
	if maxSingle == 0 || withheld <= maxSingle {
		return 1, withheld
	}
	n := ceilDiv(withheld, maxSingle)
	return int(n), ceilDiv(withheld, n)
}

func ceilDiv(a, b uint64) uint64 {
	return a/b + min(a%b, 1)
}

// Harvest collects the withheld fee into the pool account. It returns
// ErrBelowThreshold without side effects when withheld+pooled is under the
// threshold, and ErrCollection when nothing could be collected.
func (p *Pipeline) Harvest(ctx context.Context) (*Result, error) {
	withheld, err := p.call(ctx, p.cfg.FeeLedger.WithheldBalance)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read withheld balance: %w", ErrCollection, err)
	}
	pooled, err := p.call(ctx, p.cfg.FeeLedger.PooledBalance)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read pooled balance: %w", ErrCollection, err)
	}

	total := withheld + pooled
	if total < p.cfg.MinThreshold {
		p.log.Info("harvest: below threshold, leaving fees on-chain",
			"withheld", withheld, "pooled", pooled, "threshold", p.cfg.MinThreshold)
		return nil, ErrBelowThreshold
	}

	res := &Result{Withheld: withheld, Pooled: pooled}
	batches, perBatch := Plan(withheld, p.cfg.MaxSingleHarvest)
	if batches > 1 {
		p.log.Info("harvest: splitting collection into batches",
			"withheld", withheld, "batches", batches, "per_batch", perBatch)
	}

	for i := range batches {
		if i > 0 && p.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return p.finishPartial(res, ctx.Err())
			case <-p.cfg.Clock.After(p.cfg.BatchDelay):
			}
		}

		res.Batches++
		limit := min(perBatch, withheld-res.Collected)
		collected, err := p.call(ctx, func(ctx context.Context) (uint64, error) {
			return p.cfg.FeeLedger.Collect(ctx, limit)
		})
		if err != nil {
			// A failed batch may still have moved some of its chunks.
			res.Collected += collected
			res.Pooled += collected
			metrics.HarvestBatchesTotal.WithLabelValues("error").Inc()
			p.log.Warn("harvest: batch failed", "batch", i+1, "batches", batches, "error", err)
			return p.finishPartial(res, err)
		}
		metrics.HarvestBatchesTotal.WithLabelValues("success").Inc()
		res.Collected += collected
		res.Pooled += collected
		p.log.Debug("harvest: batch collected", "batch", i+1, "batches", batches, "collected", collected)

		if res.Collected >= withheld {
			break
		}
	}

	if res.Pooled == 0 {
		return nil, fmt.Errorf("%w: withheld balance was already empty", ErrCollection)
	}

	metrics.HarvestedTotal.Add(float64(res.Collected))
	p.log.Info("harvest: collected fees",
		"collected", res.Collected, "pooled", res.Pooled, "batches", res.Batches)
	return res, nil
}

// finishPartial keeps the amount collected by completed batches. With
// nothing collected the harvest fails as a whole.
func (p *Pipeline) finishPartial(res *Result, err error) (*Result, error) {
	if res.Collected == 0 {
		return nil, fmt.Errorf("%w: %w", ErrCollection, err)
	}
	res.Partial = true
	metrics.HarvestedTotal.Add(float64(res.Collected))
	p.log.Warn("harvest: partial collection",
		"collected", res.Collected, "withheld", res.Withheld, "batches", res.Batches, "error", err)
	return res, nil
}

func (p *Pipeline) call(ctx context.Context, fn func(context.Context) (uint64, error)) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	return fn(callCtx)
}
