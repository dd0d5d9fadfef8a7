package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"slices"
	"sync"
	"time"

	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	"github.com/malbeclabs/harvest/harvester/pkg/metrics"
	"github.com/malbeclabs/harvest/utils/pkg/retry"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNothingToDistribute    = errors.New("nothing to distribute")
	ErrPaymentFailed          = errors.New("payment failed")
	ErrTreasuryPayment        = errors.New("treasury payment failed")
	ErrRegistryUnavailable    = errors.New("holder registry unavailable")
	ErrInsufficientSettlement = errors.New("settlement account cannot cover planned payouts")
)

// Carry-over keys that are not holder addresses.
const (
	TreasuryCarryKey = "__treasury__"
	// PendingCarryKey holds a whole settlement that could not be split
	// because the holder registry was unavailable.
	PendingCarryKey = "__pending__"
)

const (
	BpsDenominator        = 10_000
	DefaultHolderShareBps = 7_500
	DefaultConcurrency    = 4
)

// HolderRegistry lists holders already filtered for minimum holding and
// blacklist rules.
type HolderRegistry interface {
	ListEligibleHolders(ctx context.Context) ([]Holder, error)
}

// Payer transfers settlement currency out of the settlement account.
type Payer interface {
	Pay(ctx context.Context, to string, amount uint64) (string, error)
}

// BalanceReader reads the settlement account balance.
type BalanceReader interface {
	SettlementBalance(ctx context.Context) (uint64, error)
}

// Store is the slice of the state store the engine writes.
type Store interface {
	LoadCarryOver(ctx context.Context) (map[string]uint64, error)
	MergeCarryOver(ctx context.Context, updates map[string]uint64) error
	MergeLedger(ctx context.Context, patch ledger.Patch) (ledger.Ledger, error)
}

type Config struct {
	Logger   *slog.Logger
	Registry HolderRegistry
	Payer    Payer
	Store    Store

	// Balance enables a solvency check of the settlement account before
	// any payment is sent. Optional.
	Balance BalanceReader
	// SettlementReserve is left untouched in the settlement account by the
	// solvency check (rent exemption).
	SettlementReserve uint64

	TreasuryAccount string
	// ExcludedAccounts are the pipeline's own accounts (collection
	// authority, settlement pool, operating wallet). They are never paid
	// as holders.
	ExcludedAccounts []string

	HolderShareBps uint64
	MinPayout      uint64
	Concurrency    int
	PaymentRetry   retry.Config
	CallTimeout    time.Duration
	// PaymentTimeout bounds one payment attempt including confirmation.
	PaymentTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("holder registry is required")
	}
	if cfg.Payer == nil {
		return errors.New("payer is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.TreasuryAccount == "" {
		return errors.New("treasury account is required")
	}
	if cfg.HolderShareBps == 0 {
		cfg.HolderShareBps = DefaultHolderShareBps
	}
	if cfg.HolderShareBps > BpsDenominator {
		return errors.New("holder share bps must not exceed 10000")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PaymentRetry.MaxAttempts <= 0 {
		cfg.PaymentRetry = retry.DefaultConfig()
	}
	if cfg.PaymentRetry.Retryable == nil {
		cfg.PaymentRetry.Retryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 2 * time.Minute
	}
	return nil
}

// Input describes the settlement to distribute and the cycle it belongs to.
type Input struct {
	Settlement uint64
	// Harvested is the fee-token amount swapped into Settlement.
	Harvested     uint64
	SettlementRef string
	Epoch         string
	Slot          int
}

// Payment is one attempted or deferred holder payout.
type Payment struct {
	Owner    string
	Share    uint64
	Carried  uint64 // carry-over consumed into this payment
	Payable  uint64
	Paid     bool
	Deferred bool // below the minimum payout
	Ref      string
	Err      error
}

// Result of a distribution.
type Result struct {
	HolderShare    uint64
	TreasuryShare  uint64
	ToHolders      uint64
	ToTreasury     uint64
	TreasuryRef    string
	HoldersPaid    int
	HoldersCarried int
	CarriedOver    uint64 // carry-over created by this run
	CarryConsumed  uint64 // carry-over from earlier runs folded into this one
	Payments       []Payment
	Ledger         ledger.Ledger
}

type Engine struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

// Split returns the holder and treasury shares of settlement.
func Split(settlement, holderShareBps uint64) (holders, treasury uint64) {
	hi, lo := bits.Mul64(settlement, holderShareBps)
	holders, _ = bits.Div64(hi, lo, BpsDenominator)
	return holders, settlement - holders
}

// Distribute pays out one settlement. Holder payouts are funded only by
// in.Settlement and carry-over recorded by earlier settlements. Carry-over
// and ledger totals are written after every payment has resolved.
func (e *Engine) Distribute(ctx context.Context, in Input) (*Result, error) {
	if in.Settlement == 0 {
		return nil, ErrNothingToDistribute
	}

	// The swap has already happened; a cancelled cycle must still park it.
	loadCtx, cancelLoad := e.storeContext(ctx)
	carry, err := e.cfg.Store.LoadCarryOver(loadCtx)
	cancelLoad()
	if err != nil {
		return nil, fmt.Errorf("failed to load carry-over: %w", err)
	}
	updates := map[string]uint64{}
	res := &Result{}

	settlement := in.Settlement
	if pending := carry[PendingCarryKey]; pending > 0 {
		settlement += pending
		res.CarryConsumed += pending
		updates[PendingCarryKey] = 0
	}

	holders, err := e.listHolders(ctx)
	if err != nil {
		// Park the whole settlement until the registry answers again.
		e.log.Error("distribution: holder registry unavailable, deferring settlement", "amount", settlement, "error", err)
		parked, parkErr := e.park(ctx, in.Harvested, settlement, carry)
		if parkErr != nil {
			return nil, parkErr
		}
		return parked, fmt.Errorf("%w: %w", ErrRegistryUnavailable, err)
	}

	res.HolderShare, res.TreasuryShare = Split(settlement, e.cfg.HolderShareBps)
	if len(holders) == 0 {
		e.log.Warn("distribution: no eligible holders, sending holder share to treasury", "amount", res.HolderShare)
		res.TreasuryShare += res.HolderShare
		res.HolderShare = 0
	}

	shares := Allocate(res.HolderShare, holders)
	res.Payments = make([]Payment, len(holders))
	var outflow uint64
	for i, h := range holders {
		p := Payment{Owner: h.Owner, Share: shares[i], Carried: carry[h.Owner]}
		p.Payable = p.Share + p.Carried
		if p.Payable < e.cfg.MinPayout {
			p.Deferred = true
		} else {
			outflow += p.Payable
		}
		res.CarryConsumed += p.Carried
		res.Payments[i] = p
	}
	treasuryCarry := carry[TreasuryCarryKey]
	treasuryPayable := res.TreasuryShare + treasuryCarry
	res.CarryConsumed += treasuryCarry
	outflow += treasuryPayable

	if err := e.checkSolvency(ctx, outflow); err != nil {
		// The proceeds are already in the settlement account. Nothing is
		// paid, so the settlement is parked as it was before the split.
		parked, parkErr := e.park(ctx, in.Harvested, settlement, carry)
		if parkErr != nil {
			return nil, errors.Join(err, parkErr)
		}
		return parked, err
	}

	e.payHolders(ctx, res.Payments)

	for _, p := range res.Payments {
		switch {
		case p.Paid:
			res.ToHolders += p.Payable
			res.HoldersPaid++
			updates[p.Owner] = 0
		default:
			res.CarriedOver += p.Payable
			res.HoldersCarried++
			updates[p.Owner] = p.Payable
		}
	}

	var treasuryErr error
	if treasuryPayable > 0 {
		ref, err := e.pay(ctx, e.cfg.TreasuryAccount, treasuryPayable)
		if err != nil {
			metrics.PaymentsTotal.WithLabelValues("treasury", "error").Inc()
			e.log.Error("distribution: treasury payment failed, keeping amount owed",
				"treasury", e.cfg.TreasuryAccount, "amount", treasuryPayable, "error", err)
			treasuryErr = fmt.Errorf("%w: %w", ErrTreasuryPayment, err)
			updates[TreasuryCarryKey] = treasuryPayable
			res.CarriedOver += treasuryPayable
		} else {
			metrics.PaymentsTotal.WithLabelValues("treasury", "success").Inc()
			metrics.PaidLamportsTotal.WithLabelValues("treasury").Add(float64(treasuryPayable))
			res.ToTreasury = treasuryPayable
			res.TreasuryRef = ref
			updates[TreasuryCarryKey] = 0
		}
	}

	// Payments have gone out. Their bookkeeping must land even when the
	// cycle context is cancelled.
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	if err := e.cfg.Store.MergeCarryOver(storeCtx, updates); err != nil {
		return res, fmt.Errorf("failed to merge carry-over: %w", err)
	}
	metrics.CarryOverLamports.Set(float64(carryTotal(carry, updates)))

	outcome := ledger.OutcomeComplete
	if treasuryErr != nil {
		outcome = ledger.OutcomePartial
	}
	patch := ledger.Patch{
		Harvested:      in.Harvested,
		PaidToHolders:  res.ToHolders,
		PaidToTreasury: res.ToTreasury,
	}
	if res.ToHolders > 0 || res.ToTreasury > 0 {
		patch.DistributionCount = 1
		patch.LastSettlementRef = ledger.Ptr(in.SettlementRef)
		patch.LastDistributionEpoch = ledger.Ptr(in.Epoch)
		patch.LastDistributionSlot = ledger.Ptr(in.Slot)
		patch.LastDistributionOutcome = ledger.Ptr(outcome)
	}
	merged, err := e.cfg.Store.MergeLedger(storeCtx, patch)
	if err != nil {
		return res, fmt.Errorf("failed to merge ledger: %w", err)
	}
	res.Ledger = merged

	e.log.Info("distribution: completed",
		"settlement", in.Settlement,
		"to_holders", res.ToHolders,
		"to_treasury", res.ToTreasury,
		"holders_paid", res.HoldersPaid,
		"holders_carried", res.HoldersCarried,
		"carried_over", res.CarriedOver)

	return res, treasuryErr
}

// Defer parks a settlement that reached the settlement account but cannot be
// distributed in this cycle. The next Distribute pays it out with its own
// settlement.
func (e *Engine) Defer(ctx context.Context, in Input) (*Result, error) {
	if in.Settlement == 0 {
		return nil, ErrNothingToDistribute
	}
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()
	carry, err := e.cfg.Store.LoadCarryOver(storeCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to load carry-over: %w", err)
	}
	e.log.Warn("distribution: deferring settlement to the next cycle", "amount", in.Settlement, "ref", in.SettlementRef)
	return e.park(ctx, in.Harvested, in.Settlement+carry[PendingCarryKey], carry)
}

// park writes settlement, which already includes any pending amount in
// carry, as the pending carry-over. Holder and treasury carry-over are left
// as they were.
func (e *Engine) park(ctx context.Context, harvested, settlement uint64, carry map[string]uint64) (*Result, error) {
	storeCtx, cancel := e.storeContext(ctx)
	defer cancel()

	updates := map[string]uint64{PendingCarryKey: settlement}
	if err := e.cfg.Store.MergeCarryOver(storeCtx, updates); err != nil {
		return nil, fmt.Errorf("failed to defer settlement: %w", err)
	}
	metrics.CarryOverLamports.Set(float64(carryTotal(carry, updates)))
	res := &Result{CarriedOver: settlement, CarryConsumed: carry[PendingCarryKey]}

	if harvested > 0 {
		merged, err := e.cfg.Store.MergeLedger(storeCtx, ledger.Patch{Harvested: harvested})
		if err != nil {
			e.log.Error("distribution: failed to record harvested amount", "amount", harvested, "error", err)
		} else {
			res.Ledger = merged
		}
	}
	return res, nil
}

// storeContext detaches store writes from cycle cancellation.
func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
}

// listHolders drops the pipeline's own accounts, zero weights and merges
// duplicate owners. The result is sorted by owner.
func (e *Engine) listHolders(ctx context.Context) ([]Holder, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	listed, err := e.cfg.Registry.ListEligibleHolders(callCtx)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{}, len(e.cfg.ExcludedAccounts)+1)
	excluded[e.cfg.TreasuryAccount] = struct{}{}
	for _, a := range e.cfg.ExcludedAccounts {
		excluded[a] = struct{}{}
	}

	weights := make(map[string]uint64, len(listed))
	for _, h := range listed {
		if h.Weight == 0 || h.Owner == "" {
			continue
		}
		if _, skip := excluded[h.Owner]; skip {
			e.log.Debug("distribution: skipping pipeline account", "owner", h.Owner)
			continue
		}
		sum, carry := bits.Add64(weights[h.Owner], h.Weight, 0)
		if carry != 0 {
			sum = ^uint64(0)
		}
		weights[h.Owner] = sum
	}

	holders := make([]Holder, 0, len(weights))
	for owner, w := range weights {
		holders = append(holders, Holder{Owner: owner, Weight: w})
	}
	slices.SortFunc(holders, func(a, b Holder) int {
		switch {
		case a.Owner < b.Owner:
			return -1
		case a.Owner > b.Owner:
			return 1
		}
		return 0
	})
	return holders, nil
}

func (e *Engine) checkSolvency(ctx context.Context, outflow uint64) error {
	if e.cfg.Balance == nil {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	balance, err := e.cfg.Balance.SettlementBalance(callCtx)
	if err != nil {
		return fmt.Errorf("failed to read settlement balance: %w", err)
	}
	if balance < outflow || balance-outflow < e.cfg.SettlementReserve {
		e.log.Error("distribution: settlement account short of planned payouts",
			"balance", balance, "outflow", outflow, "reserve", e.cfg.SettlementReserve)
		return fmt.Errorf("%w: balance %d, outflow %d, reserve %d",
			ErrInsufficientSettlement, balance, outflow, e.cfg.SettlementReserve)
	}
	return nil
}

// payHolders sends every non-deferred payment with bounded concurrency and
// returns once all of them resolved.
func (e *Engine) payHolders(ctx context.Context, payments []Payment) {
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	var mu sync.Mutex

	for i := range payments {
		if payments[i].Deferred {
			continue
		}
		g.Go(func() error {
			p := payments[i]
			ref, err := e.pay(ctx, p.Owner, p.Payable)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.PaymentsTotal.WithLabelValues("holder", "error").Inc()
				e.log.Warn("distribution: holder payment failed, returning amount to carry-over",
					"owner", p.Owner, "amount", p.Payable, "error", err)
				payments[i].Err = fmt.Errorf("%w: %w", ErrPaymentFailed, err)
				return nil
			}
			metrics.PaymentsTotal.WithLabelValues("holder", "success").Inc()
			metrics.PaidLamportsTotal.WithLabelValues("holder").Add(float64(p.Payable))
			payments[i].Paid = true
			payments[i].Ref = ref
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) pay(ctx context.Context, to string, amount uint64) (string, error) {
	return retry.DoValue(ctx, e.cfg.PaymentRetry, func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.PaymentTimeout)
		defer cancel()
		return e.cfg.Payer.Pay(callCtx, to, amount)
	})
}

func carryTotal(before, updates map[string]uint64) uint64 {
	var total uint64
	for k, v := range before {
		if _, ok := updates[k]; !ok {
			total += v
		}
	}
	for _, v := range updates {
		total += v
	}
	return total
}
