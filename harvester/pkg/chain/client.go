package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/harvest/harvester/pkg/metrics"
	"github.com/malbeclabs/harvest/utils/pkg/retry"
	"golang.org/x/time/rate"
)

var (
	// ErrTransactionFailed means the transaction landed with an error.
	ErrTransactionFailed = errors.New("transaction failed")
	// ErrTransactionExpired means the blockhash expired before the
	// transaction was seen. It can safely be resent.
	ErrTransactionExpired = errors.New("transaction expired")
	// ErrUnconfirmed means the confirmation window elapsed while the
	// transaction could still land. Resending risks a duplicate.
	ErrUnconfirmed = errors.New("transaction unconfirmed")
)

// RPC is the subset of the Solana JSON-RPC client used by the adapters.
type RPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenAccountBalanceResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	GetBlockHeight(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
}

// NewRPC returns a JSON-RPC client for the given endpoint.
func NewRPC(endpoint string) *solanarpc.Client {
	return solanarpc.New(endpoint)
}

type Config struct {
	Logger *slog.Logger
	RPC    RPC
	Clock  clockwork.Clock

	// RateLimit caps requests per second across every adapter sharing
	// this client.
	RateLimit rate.Limit
	RateBurst int

	Commitment     solanarpc.CommitmentType
	ConfirmPoll    time.Duration
	ConfirmTimeout time.Duration

	// ReadRetry applies to idempotent reads. Sends are never retried here.
	ReadRetry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = int(cfg.RateLimit)
		if cfg.RateBurst < 1 {
			cfg.RateBurst = 1
		}
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	if cfg.ReadRetry.MaxAttempts <= 0 {
		cfg.ReadRetry = retry.DefaultConfig()
	}
	if cfg.ReadRetry.Clock == nil {
		cfg.ReadRetry.Clock = cfg.Clock
	}
	return nil
}

// Client is a rate-limited RPC wrapper shared by the chain adapters.
type Client struct {
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
	}, nil
}

func (c *Client) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	err := fn(ctx)
	metrics.RPCRequestsTotal.WithLabelValues(method, metrics.Status(err)).Inc()
	return err
}

func (c *Client) read(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.cfg.ReadRetry, func() error {
		return c.call(ctx, method, fn)
	})
}

// Balance returns the lamport balance of a system account.
func (c *Client) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var out *solanarpc.GetBalanceResult
	err := c.read(ctx, "getBalance", func(ctx context.Context) error {
		var err error
		out, err = c.cfg.RPC.GetBalance(ctx, account, c.cfg.Commitment)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get balance of %s: %w", account, err)
	}
	return out.Value, nil
}

// TokenBalance returns the raw amount held by a token account.
func (c *Client) TokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var out *solanarpc.GetTokenAccountBalanceResult
	err := c.read(ctx, "getTokenAccountBalance", func(ctx context.Context) error {
		var err error
		out, err = c.cfg.RPC.GetTokenAccountBalance(ctx, account, c.cfg.Commitment)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get token balance of %s: %w", account, err)
	}
	if out == nil || out.Value == nil {
		return 0, fmt.Errorf("empty token balance response for %s", account)
	}
	return parseAmount(out.Value.Amount)
}

// MintAccounts returns every Token-2022 account of mint.
func (c *Client) MintAccounts(ctx context.Context, mint solana.PublicKey) ([]TokenAccount, error) {
	var out solanarpc.GetProgramAccountsResult
	err := c.read(ctx, "getProgramAccounts", func(ctx context.Context) error {
		var err error
		out, err = c.cfg.RPC.GetProgramAccountsWithOpts(ctx, Token2022ProgramID, &solanarpc.GetProgramAccountsOpts{
			Commitment: c.cfg.Commitment,
			Encoding:   solana.EncodingBase64,
			Filters: []solanarpc.RPCFilter{
				{Memcmp: &solanarpc.RPCFilterMemcmp{Offset: 0, Bytes: mint.Bytes()}},
			},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list token accounts for mint %s: %w", mint, err)
	}

	accounts := make([]TokenAccount, 0, len(out))
	for _, keyed := range out {
		if keyed == nil || keyed.Account == nil || keyed.Account.Data == nil {
			continue
		}
		acct, err := ParseTokenAccount(keyed.Pubkey, keyed.Account.Data.GetBinary())
		if err != nil {
			c.log.Debug("chain: skipping unparseable token account", "account", keyed.Pubkey, "error", err)
			continue
		}
		if !acct.Mint.Equals(mint) {
			continue
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// SendAndConfirm signs instructions with signers, paying fees from payer,
// and waits until the transaction is confirmed or provably dropped.
func (c *Client) SendAndConfirm(ctx context.Context, instructions []solana.Instruction, payer solana.PrivateKey, signers ...solana.PrivateKey) (solana.Signature, error) {
	var bh *solanarpc.GetLatestBlockhashResult
	err := c.read(ctx, "getLatestBlockhash", func(ctx context.Context) error {
		var err error
		bh, err = c.cfg.RPC.GetLatestBlockhash(ctx, c.cfg.Commitment)
		return err
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if bh == nil || bh.Value == nil {
		return solana.Signature{}, errors.New("empty blockhash response")
	}

	tx, err := solana.NewTransaction(instructions, bh.Value.Blockhash, solana.TransactionPayer(payer.PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
	}
	return c.signAndSend(ctx, tx, bh.Value.LastValidBlockHeight, append([]solana.PrivateKey{payer}, signers...)...)
}

// SubmitSerialized signs and sends a base64 transaction prepared elsewhere.
func (c *Client) SubmitSerialized(ctx context.Context, encoded string, signers ...solana.PrivateKey) (solana.Signature, error) {
	tx, err := solana.TransactionFromBase64(encoded)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return c.signAndSend(ctx, tx, 0, signers...)
}

func (c *Client) signAndSend(ctx context.Context, tx *solana.Transaction, lastValidHeight uint64, signers ...solana.PrivateKey) (solana.Signature, error) {
	keys := make(map[solana.PublicKey]*solana.PrivateKey, len(signers))
	for _, k := range signers {
		keys[k.PublicKey()] = &k
	}
	if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey { return keys[pub] }); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	var sig solana.Signature
	err := c.call(ctx, "sendTransaction", func(ctx context.Context) error {
		var err error
		sig, err = c.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
			PreflightCommitment: c.cfg.Commitment,
		})
		return err
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	if err := c.confirm(ctx, sig, lastValidHeight); err != nil {
		return sig, err
	}
	return sig, nil
}

// confirm polls the signature status. When lastValidHeight is known, a
// transaction still unseen past that height is reported as expired.
func (c *Client) confirm(ctx context.Context, sig solana.Signature, lastValidHeight uint64) error {
	deadline := c.cfg.Clock.Now().Add(c.cfg.ConfirmTimeout)
	for {
		status, err := c.signatureStatus(ctx, sig)
		if err != nil {
			c.log.Debug("chain: signature status lookup failed", "signature", sig, "error", err)
		}
		if status != nil {
			if status.Err != nil {
				return fmt.Errorf("%w: %s: %v", ErrTransactionFailed, sig, status.Err)
			}
			if status.ConfirmationStatus == solanarpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == solanarpc.ConfirmationStatusFinalized {
				return nil
			}
		} else if lastValidHeight > 0 {
			var height uint64
			heightErr := c.call(ctx, "getBlockHeight", func(ctx context.Context) error {
				var err error
				height, err = c.cfg.RPC.GetBlockHeight(ctx, c.cfg.Commitment)
				return err
			})
			if heightErr == nil && height > lastValidHeight {
				return fmt.Errorf("%w: %s", ErrTransactionExpired, sig)
			}
		}

		if !c.cfg.Clock.Now().Before(deadline) {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrUnconfirmed, sig))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrUnconfirmed, sig, ctx.Err())
		case <-c.cfg.Clock.After(c.cfg.ConfirmPoll):
		}
	}
}

func (c *Client) signatureStatus(ctx context.Context, sig solana.Signature) (*solanarpc.SignatureStatusesResult, error) {
	var out *solanarpc.GetSignatureStatusesResult
	err := c.call(ctx, "getSignatureStatuses", func(ctx context.Context) error {
		var err error
		out, err = c.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

// Submitter signs and sends serialized transactions with a fixed key set.
type Submitter struct {
	client  *Client
	signers []solana.PrivateKey
}

func NewSubmitter(client *Client, signers ...solana.PrivateKey) *Submitter {
	return &Submitter{client: client, signers: signers}
}

func (s *Submitter) Submit(ctx context.Context, encoded string) (string, error) {
	sig, err := s.client.SubmitSerialized(ctx, encoded, s.signers...)
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}
