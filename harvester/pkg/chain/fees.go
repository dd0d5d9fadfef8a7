package chain

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/gagliardetto/solana-go"
)

type FeeLedgerConfig struct {
	Logger *slog.Logger
	Client *Client
	Mint   solana.PublicKey
	// Pool is the token account withheld fees are withdrawn into.
	Pool solana.PublicKey
	// Authority is the mint's withdraw-withheld authority.
	Authority solana.PrivateKey
	// FeePayer is the operating wallet.
	FeePayer solana.PrivateKey
}

func (cfg *FeeLedgerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if cfg.Pool.IsZero() {
		return errors.New("pool account is required")
	}
	if len(cfg.Authority) == 0 {
		return errors.New("withdraw authority key is required")
	}
	if len(cfg.FeePayer) == 0 {
		return errors.New("fee payer key is required")
	}
	return nil
}

// FeeLedger reads and collects transfer fees withheld on a Token-2022 mint.
type FeeLedger struct {
	log *slog.Logger
	cfg FeeLedgerConfig
}

func NewFeeLedger(cfg FeeLedgerConfig) (*FeeLedger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FeeLedger{log: cfg.Logger, cfg: cfg}, nil
}

func (f *FeeLedger) withheldAccounts(ctx context.Context) ([]TokenAccount, error) {
	accounts, err := f.cfg.Client.MintAccounts(ctx, f.cfg.Mint)
	if err != nil {
		return nil, err
	}
	withheld := accounts[:0]
	for _, a := range accounts {
		if a.Withheld > 0 {
			withheld = append(withheld, a)
		}
	}
	slices.SortFunc(withheld, func(a, b TokenAccount) int {
		if c := cmp.Compare(b.Withheld, a.Withheld); c != 0 {
			return c
		}
		return cmp.Compare(a.Address.String(), b.Address.String())
	})
	return withheld, nil
}

func (f *FeeLedger) WithheldBalance(ctx context.Context) (uint64, error) {
	accounts, err := f.withheldAccounts(ctx)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, a := range accounts {
		total += a.Withheld
	}
	return total, nil
}

func (f *FeeLedger) PooledBalance(ctx context.Context) (uint64, error) {
	return f.cfg.Client.TokenBalance(ctx, f.cfg.Pool)
}

// Collect withdraws from the largest withheld balances first, stopping
// before limit would be exceeded. An account larger than limit on its own
// is taken alone. The amount reported is the pool balance delta.
func (f *FeeLedger) Collect(ctx context.Context, limit uint64) (uint64, error) {
	accounts, err := f.withheldAccounts(ctx)
	if err != nil {
		return 0, err
	}
	sources := SelectSources(accounts, limit)
	if len(sources) == 0 {
		return 0, nil
	}

	before, err := f.PooledBalance(ctx)
	if err != nil {
		return 0, err
	}

	var sendErr error
	for chunk := range slices.Chunk(sources, MaxWithdrawSources) {
		ix := NewWithdrawWithheldInstruction(f.cfg.Mint, f.cfg.Pool, f.cfg.Authority.PublicKey(), chunk)
		sig, err := f.cfg.Client.SendAndConfirm(ctx, []solana.Instruction{ix}, f.cfg.FeePayer, f.cfg.Authority)
		if err != nil {
			sendErr = fmt.Errorf("failed to withdraw withheld fees: %w", err)
			break
		}
		f.log.Debug("chain: withdrew withheld fees", "sources", len(chunk), "signature", sig)
	}

	after, err := f.PooledBalance(ctx)
	if err != nil {
		return 0, errors.Join(sendErr, err)
	}
	var collected uint64
	if after > before {
		collected = after - before
	}
	return collected, sendErr
}

// SelectSources picks account addresses, largest withheld first, whose sum
// stays within limit.
func SelectSources(accounts []TokenAccount, limit uint64) []solana.PublicKey {
	var (
		sources []solana.PublicKey
		sum     uint64
	)
	for _, a := range accounts {
		if a.Withheld == 0 {
			continue
		}
		if sum+a.Withheld > limit {
			if len(sources) == 0 {
				return []solana.PublicKey{a.Address}
			}
			continue
		}
		sum += a.Withheld
		sources = append(sources, a.Address)
	}
	return sources
}
