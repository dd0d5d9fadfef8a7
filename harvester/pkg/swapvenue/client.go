package swapvenue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/malbeclabs/harvest/harvester/pkg/swap"
	"github.com/malbeclabs/harvest/utils/pkg/retry"
)

// CodeSlippageExceeded is the error code the venue returns when the
// executable output falls below min_out.
const CodeSlippageExceeded = "slippage_exceeded"

// Submitter signs and sends a transaction prepared by the venue.
type Submitter interface {
	Submit(ctx context.Context, encoded string) (string, error)
}

type Config struct {
	Logger  *slog.Logger
	BaseURL string

	InputMint  string
	OutputMint string
	// User owns the input token account and signs the swap.
	User string
	// Destination receives the output (the settlement account).
	Destination string

	// Submitter is required when the venue returns unsigned transactions.
	Submitter  Submitter
	HTTPClient *http.Client
	QuoteRetry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.InputMint == "" || cfg.OutputMint == "" {
		return errors.New("input and output mints are required")
	}
	if cfg.Destination == "" {
		return errors.New("destination is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   2,
			},
			Timeout: time.Minute,
		}
	}
	if cfg.QuoteRetry.MaxAttempts <= 0 {
		cfg.QuoteRetry = retry.DefaultConfig()
	}
	return nil
}

// Client talks to a swap relay over JSON. Quotes are retried on transient
// failures; swaps are sent exactly once.
type Client struct {
	log     *slog.Logger
	cfg     Config
	baseURL string
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg, baseURL: strings.TrimSuffix(cfg.BaseURL, "/")}, nil
}

type quoteRequest struct {
	InputMint  string `json:"input_mint"`
	OutputMint string `json:"output_mint"`
	Amount     uint64 `json:"amount,string"`
	Pool       string `json:"pool"`
}

type quoteResponse struct {
	OutAmount uint64 `json:"out_amount,string"`
}

type swapRequest struct {
	quoteRequest
	MinOut      uint64 `json:"min_out,string"`
	User        string `json:"user,omitempty"`
	Destination string `json:"destination"`
}

type swapResponse struct {
	OutAmount   uint64 `json:"out_amount,string"`
	Signature   string `json:"signature,omitempty"`
	Transaction string `json:"transaction,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// apiError carries the HTTP status for retry.IsRetryable.
type apiError struct {
	statusCode int
	code       string
	message    string
}

func (e *apiError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("venue error: %s: %s (status %d)", e.code, e.message, e.statusCode)
	}
	return fmt.Sprintf("venue error: %s (status %d)", e.message, e.statusCode)
}

func (e *apiError) StatusCode() int {
	return e.statusCode
}

func (c *Client) Quote(ctx context.Context, amountIn uint64, pool string) (uint64, error) {
	req := quoteRequest{InputMint: c.cfg.InputMint, OutputMint: c.cfg.OutputMint, Amount: amountIn, Pool: pool}
	var resp quoteResponse
	err := retry.Do(ctx, c.cfg.QuoteRetry, func() error {
		return c.post(ctx, "/quote", req, &resp)
	})
	if err != nil {
		return 0, classify(err)
	}
	return resp.OutAmount, nil
}

func (c *Client) Swap(ctx context.Context, amountIn uint64, pool string, minOut uint64) (*swap.VenueReceipt, error) {
	req := swapRequest{
		quoteRequest: quoteRequest{InputMint: c.cfg.InputMint, OutputMint: c.cfg.OutputMint, Amount: amountIn, Pool: pool},
		MinOut:       minOut,
		User:         c.cfg.User,
		Destination:  c.cfg.Destination,
	}
	var resp swapResponse
	if err := c.post(ctx, "/swap", req, &resp); err != nil {
		return nil, classify(err)
	}

	ref := resp.Signature
	if resp.Transaction != "" {
		if c.cfg.Submitter == nil {
			return nil, errors.New("venue returned a transaction but no submitter is configured")
		}
		sig, err := c.cfg.Submitter.Submit(ctx, resp.Transaction)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to submit swap transaction: %w", swap.ErrVenueUnavailable, err)
		}
		ref = sig
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: venue returned neither signature nor transaction", swap.ErrVenueUnavailable)
	}
	c.log.Debug("swapvenue: swap executed", "amount_in", amountIn, "out_amount", resp.OutAmount, "ref", ref)
	return &swap.VenueReceipt{OutAmount: resp.OutAmount, Ref: ref}, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		c.log.Warn("swapvenue: request failed", "path", path, "error", err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &apiError{statusCode: resp.StatusCode, message: strings.TrimSpace(string(data))}
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Code != "" {
			apiErr.code = e.Code
			apiErr.message = e.Message
		}
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func classify(err error) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		if apiErr.code == CodeSlippageExceeded &&
			(apiErr.statusCode == http.StatusConflict || apiErr.statusCode == http.StatusUnprocessableEntity) {
			return fmt.Errorf("%w: %w", swap.ErrSlippageExceeded, err)
		}
		if apiErr.statusCode < http.StatusInternalServerError && apiErr.statusCode != http.StatusTooManyRequests {
			return err
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", swap.ErrVenueUnavailable, err)
}
