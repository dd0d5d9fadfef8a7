package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// RentExemptMinimum is the lamport floor of a zero-data system account.
const RentExemptMinimum = 890_880

// SettlementAccount reads the balance of the system account that receives
// swap proceeds.
type SettlementAccount struct {
	client  *Client
	address solana.PublicKey
}

func NewSettlementAccount(client *Client, address solana.PublicKey) *SettlementAccount {
	return &SettlementAccount{client: client, address: address}
}

func (s *SettlementAccount) SettlementBalance(ctx context.Context) (uint64, error) {
	return s.client.Balance(ctx, s.address)
}

type PayerConfig struct {
	Logger *slog.Logger
	Client *Client
	// Settlement funds every payment.
	Settlement solana.PrivateKey
	// FeePayer is the operating wallet and pays transaction fees only.
	FeePayer solana.PrivateKey
}

func (cfg *PayerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if len(cfg.Settlement) == 0 || len(cfg.FeePayer) == 0 {
		return errors.New("settlement and fee payer keys are required")
	}
	if cfg.Settlement.PublicKey().Equals(cfg.FeePayer.PublicKey()) {
		return errors.New("settlement account must differ from the operating wallet")
	}
	return nil
}

// Payer sends system transfers out of the settlement account.
type Payer struct {
	log *slog.Logger
	cfg PayerConfig
}

func NewPayer(cfg PayerConfig) (*Payer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Payer{log: cfg.Logger, cfg: cfg}, nil
}

func (p *Payer) Pay(ctx context.Context, to string, lamports uint64) (string, error) {
	recipient, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	ix := system.NewTransferInstruction(lamports, p.cfg.Settlement.PublicKey(), recipient).Build()
	sig, err := p.cfg.Client.SendAndConfirm(ctx, []solana.Instruction{ix}, p.cfg.FeePayer, p.cfg.Settlement)
	if err != nil {
		return "", err
	}
	p.log.Debug("chain: payment confirmed", "to", to, "lamports", lamports, "signature", sig)
	return sig.String(), nil
}
