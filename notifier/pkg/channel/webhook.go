package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	"github.com/malbeclabs/harvest/notifier/pkg/dedup"
	"github.com/malbeclabs/harvest/utils/pkg/retry"
)

// WebhookPayload is the JSON body posted to a webhook. Amounts are lamports;
// the _sol fields are the same amounts rendered in SOL.
type WebhookPayload struct {
	Event             string `json:"event"`
	Summary           string `json:"summary"`
	Fingerprint       string `json:"fingerprint"`
	DistributionCount uint64 `json:"distribution_count"`
	PaidToHolders     uint64 `json:"paid_to_holders"`
	PaidToTreasury    uint64 `json:"paid_to_treasury"`
	PaidToHoldersSOL  string `json:"paid_to_holders_sol"`
	PaidToTreasurySOL string `json:"paid_to_treasury_sol"`
	Harvested         uint64 `json:"harvested"`
	SettlementRef     string `json:"settlement_ref,omitempty"`
	Epoch             string `json:"epoch,omitempty"`
	Slot              int    `json:"slot,omitempty"`
}

type webhookError struct {
	status int
	body   string
}

func (e *webhookError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.status, e.body)
}

func (e *webhookError) StatusCode() int { return e.status }

type WebhookConfig struct {
	Logger     *slog.Logger
	Name       string
	URL        string
	Headers    map[string]string
	HTTPClient *http.Client
	Retry      retry.Config
}

func (cfg *WebhookConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URL == "" {
		return errors.New("webhook url is required")
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return errors.New("webhook url must be http or https")
	}
	if cfg.Name == "" {
		cfg.Name = "webhook"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Webhook posts a JSON payload per distribution.
type Webhook struct {
	log *slog.Logger
	cfg WebhookConfig
}

var _ dedup.Channel = (*Webhook)(nil)

func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Webhook{log: cfg.Logger, cfg: cfg}, nil
}

func (w *Webhook) Name() string { return w.cfg.Name }

func (w *Webhook) Notify(ctx context.Context, n dedup.Notification) error {
	body, err := json.Marshal(WebhookPayload{
		Event:             "distribution",
		Summary:           summary(n),
		Fingerprint:       n.Fingerprint,
		DistributionCount: n.DistributionCount,
		PaidToHolders:     n.PaidToHolders,
		PaidToTreasury:    n.PaidToTreasury,
		PaidToHoldersSOL:  ledger.FormatSOL(n.PaidToHolders),
		PaidToTreasurySOL: ledger.FormatSOL(n.PaidToTreasury),
		Harvested:         n.Harvested,
		SettlementRef:     n.SettlementRef,
		Epoch:             n.Epoch,
		Slot:              n.Slot,
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	err = retry.Do(ctx, w.cfg.Retry, func() error {
		return w.post(ctx, body, n.Fingerprint)
	})
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	w.log.Debug("webhook: distribution posted", "name", w.cfg.Name)
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &webhookError{status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
