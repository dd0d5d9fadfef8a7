package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	"github.com/malbeclabs/harvest/utils/pkg/retry"
)

// Snapshot is the ledger as served by the harvester read API.
type Snapshot struct {
	ledger.Ledger
	Fingerprint string `json:"fingerprint"`
}

// LedgerSource returns the current cumulative ledger.
type LedgerSource interface {
	Ledger(ctx context.Context) (Snapshot, error)
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("ledger api returned %d: %s", e.status, e.body)
}

func (e *apiError) StatusCode() int { return e.status }

type HTTPSourceConfig struct {
	// BaseURL of the harvester read API, e.g. http://harvester:8080.
	BaseURL    string
	HTTPClient *http.Client
	Retry      retry.Config
}

func (cfg *HTTPSourceConfig) Validate() error {
	if cfg.BaseURL == "" {
		return errors.New("ledger api base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// HTTPSource reads the ledger from GET /api/ledger.
type HTTPSource struct {
	cfg HTTPSourceConfig
}

func NewHTTPSource(cfg HTTPSourceConfig) (*HTTPSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPSource{cfg: cfg}, nil
}

func (s *HTTPSource) Ledger(ctx context.Context) (Snapshot, error) {
	return retry.DoValue(ctx, s.cfg.Retry, func() (Snapshot, error) {
		return s.fetch(ctx)
	})
}

func (s *HTTPSource) fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/api/ledger", nil)
	if err != nil {
		return Snapshot{}, retry.Permanent(fmt.Errorf("failed to create ledger request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to fetch ledger: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Snapshot{}, &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, retry.Permanent(fmt.Errorf("failed to decode ledger: %w", err))
	}
	return snap, nil
}
