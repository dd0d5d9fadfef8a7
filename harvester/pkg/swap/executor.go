package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/harvest/harvester/pkg/metrics"
)

var (
	ErrVenueUnavailable   = errors.New("swap venue unavailable")
	ErrSlippageExceeded   = errors.New("swap slippage exceeded")
	ErrInsufficientOutput = errors.New("swap produced no settlement output")
	// ErrSettlementUnmeasured means the swap executed but the settlement
	// account could not be read afterwards. The returned Result carries the
	// venue-reported output so the proceeds can be deferred.
	ErrSettlementUnmeasured = errors.New("swap settlement could not be measured")
)

const BpsDenominator = 10_000

// Venue converts the pooled fee token into the settlement currency. Venue
// implementations classify their own failures as ErrSlippageExceeded where
// they can; anything else is treated as the venue being unavailable.
type Venue interface {
	Quote(ctx context.Context, amountIn uint64, pool string) (uint64, error)
	Swap(ctx context.Context, amountIn uint64, pool string, minOut uint64) (*VenueReceipt, error)
}

// VenueReceipt is what the venue reports about an executed swap. OutAmount
// is only used when the on-chain measurement fails.
type VenueReceipt struct {
	OutAmount uint64
	Ref       string
}

// SettlementAccount reads the balance of the account dedicated to swap
// proceeds. It must never be the operating account that pays fees.
type SettlementAccount interface {
	SettlementBalance(ctx context.Context) (uint64, error)
}

type Config struct {
	Logger     *slog.Logger
	Venue      Venue
	Settlement SettlementAccount

	// SettlementAddress and OperatingAddress identify the two accounts so
	// that a misconfiguration pointing both at one wallet is rejected.
	SettlementAddress string
	OperatingAddress  string

	Pool        string
	SlippageBps uint64
	CallTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Venue == nil {
		return errors.New("venue is required")
	}
	if cfg.Settlement == nil {
		return errors.New("settlement account is required")
	}
	if cfg.SettlementAddress != "" && cfg.SettlementAddress == cfg.OperatingAddress {
		return errors.New("settlement account must differ from the operating account")
	}
	if cfg.Pool == "" {
		return errors.New("pool is required")
	}
	if cfg.SlippageBps >= BpsDenominator {
		return errors.New("slippage bps must be below 10000")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return nil
}

// Result of a swap. Settlement is the measured balance delta of the
// settlement account, or the venue-reported output when Unmeasured.
type Result struct {
	AmountIn   uint64
	Quoted     uint64
	MinOut     uint64
	Settlement uint64
	Ref        string
	Unmeasured bool
}

type Executor struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

// MinOut applies slippage to a quote, rounding down.
func MinOut(quote, slippageBps uint64) uint64 {
	if slippageBps >= BpsDenominator {
		return 0
	}
	return mulDiv(quote, BpsDenominator-slippageBps, BpsDenominator)
}

// Swap converts amountIn of the pooled token and returns the settlement
// proceeds, measured as the settlement account balance after the swap minus
// the balance before it.
func (e *Executor) Swap(ctx context.Context, amountIn uint64) (*Result, error) {
	if amountIn == 0 {
		return nil, fmt.Errorf("%w: nothing to swap", ErrInsufficientOutput)
	}

	before, err := e.balance(ctx)
	if err != nil {
		metrics.SwapsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: failed to read settlement balance before swap: %w", ErrVenueUnavailable, err)
	}

	quoteCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	quoted, err := e.cfg.Venue.Quote(quoteCtx, amountIn, e.cfg.Pool)
	cancel()
	if err != nil {
		return nil, e.classify("quote", err)
	}
	if quoted == 0 {
		metrics.SwapsTotal.WithLabelValues("insufficient_output").Inc()
		return nil, fmt.Errorf("%w: venue quoted zero output", ErrInsufficientOutput)
	}
	minOut := MinOut(quoted, e.cfg.SlippageBps)

	swapCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	receipt, err := e.cfg.Venue.Swap(swapCtx, amountIn, e.cfg.Pool, minOut)
	cancel()
	if err != nil {
		return nil, e.classify("swap", err)
	}

	after, err := e.balance(context.WithoutCancel(ctx))
	if err != nil {
		metrics.SwapsTotal.WithLabelValues("unmeasured").Inc()
		e.log.Error("swap: executed but settlement balance unreadable, using venue-reported output",
			"ref", receipt.Ref, "reported", receipt.OutAmount, "error", err)
		res := &Result{
			AmountIn:   amountIn,
			Quoted:     quoted,
			MinOut:     minOut,
			Settlement: receipt.OutAmount,
			Ref:        receipt.Ref,
			Unmeasured: true,
		}
		return res, fmt.Errorf("%w: swap %s: %w", ErrSettlementUnmeasured, receipt.Ref, err)
	}

	var settlement uint64
	if after > before {
		settlement = after - before
	}
	res := &Result{AmountIn: amountIn, Quoted: quoted, MinOut: minOut, Settlement: settlement, Ref: receipt.Ref}

	if settlement == 0 {
		metrics.SwapsTotal.WithLabelValues("insufficient_output").Inc()
		e.log.Warn("swap: settlement account did not grow", "ref", receipt.Ref, "before", before, "after", after)
		return nil, fmt.Errorf("%w: settlement balance %d -> %d", ErrInsufficientOutput, before, after)
	}
	if settlement < minOut {
		e.log.Warn("swap: measured settlement below minimum output",
			"ref", receipt.Ref, "settlement", settlement, "min_out", minOut, "reported", receipt.OutAmount)
	}
	if receipt.OutAmount != 0 && receipt.OutAmount != settlement {
		e.log.Debug("swap: venue-reported output differs from measured delta",
			"reported", receipt.OutAmount, "measured", settlement)
	}

	metrics.SwapsTotal.WithLabelValues("success").Inc()
	metrics.SettlementLamportsTotal.Add(float64(settlement))
	e.log.Info("swap: completed", "amount_in", amountIn, "quoted", quoted, "settlement", settlement, "ref", receipt.Ref)
	return res, nil
}

func (e *Executor) balance(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.cfg.Settlement.SettlementBalance(callCtx)
}

func (e *Executor) classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrSlippageExceeded):
		metrics.SwapsTotal.WithLabelValues("slippage").Inc()
		return fmt.Errorf("failed to %s: %w", op, err)
	case errors.Is(err, ErrVenueUnavailable):
		metrics.SwapsTotal.WithLabelValues("unavailable").Inc()
		return fmt.Errorf("failed to %s: %w", op, err)
	default:
		metrics.SwapsTotal.WithLabelValues("unavailable").Inc()
		return fmt.Errorf("%w: failed to %s: %w", ErrVenueUnavailable, op, err)
	}
}
