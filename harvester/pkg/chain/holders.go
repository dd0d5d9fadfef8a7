package chain

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/harvest/harvester/pkg/distribution"
)

type HolderRegistryConfig struct {
	Logger *slog.Logger
	Client *Client
	Mint   solana.PublicKey
	// MinHolding is the minimum aggregated balance per owner.
	MinHolding uint64
	// Blacklist owners are never eligible (pool vaults, burn addresses).
	Blacklist []string
}

func (cfg *HolderRegistryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("mint is required")
	}
	return nil
}

// HolderRegistry derives eligible holders from token balances, aggregated
// by owner.
type HolderRegistry struct {
	log       *slog.Logger
	cfg       HolderRegistryConfig
	blacklist map[string]struct{}
}

func NewHolderRegistry(cfg HolderRegistryConfig) (*HolderRegistry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	blacklist := make(map[string]struct{}, len(cfg.Blacklist))
	for _, a := range cfg.Blacklist {
		blacklist[a] = struct{}{}
	}
	return &HolderRegistry{log: cfg.Logger, cfg: cfg, blacklist: blacklist}, nil
}

func (r *HolderRegistry) ListEligibleHolders(ctx context.Context) ([]distribution.Holder, error) {
	accounts, err := r.cfg.Client.MintAccounts(ctx, r.cfg.Mint)
	if err != nil {
		return nil, err
	}
	return r.eligible(accounts), nil
}

func (r *HolderRegistry) eligible(accounts []TokenAccount) []distribution.Holder {
	balances := make(map[string]uint64)
	var order []string
	for _, a := range accounts {
		if a.Frozen || a.Amount == 0 {
			continue
		}
		owner := a.Owner.String()
		if _, ok := r.blacklist[owner]; ok {
			continue
		}
		if _, seen := balances[owner]; !seen {
			order = append(order, owner)
		}
		balances[owner] += a.Amount
	}

	holders := make([]distribution.Holder, 0, len(order))
	for _, owner := range order {
		if balances[owner] < r.cfg.MinHolding {
			continue
		}
		holders = append(holders, distribution.Holder{Owner: owner, Weight: balances[owner]})
	}
	r.log.Debug("chain: eligible holders", "accounts", len(accounts), "holders", len(holders))
	return holders
}
