package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/harvest/harvester/pkg/epoch"
	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	"github.com/malbeclabs/harvest/harvester/pkg/scheduler"
	"golang.org/x/time/rate"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Store is the read side of the state store.
type Store interface {
	LoadLedger(ctx context.Context) (ledger.Ledger, error)
	ListEpochsOldestFirst(ctx context.Context) ([]ledger.Epoch, error)
	Epoch(ctx context.Context, date string) (ledger.Epoch, error)
	EpochOrdinal(ctx context.Context, date string) (int, error)
	Degraded() bool
	BackendName() string
}

type Scheduler interface {
	State() scheduler.State
	Ready() bool
	LastCycle(ctx context.Context) (ledger.Cycle, error)
	Trigger(ctx context.Context) (string, error)
}

// CycleArchive serves archived cycle history.
type CycleArchive interface {
	RecentCycles(ctx context.Context, limit int) ([]ledger.Cycle, error)
}

const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultRequestTimeout    = 15 * time.Second
)

type Config struct {
	Logger     *slog.Logger
	ListenAddr string
	Epochs     *epoch.Clock
	Store      Store
	Scheduler  Scheduler
	Archive    CycleArchive // optional

	// AllowedOrigins for CORS. Empty allows any origin for the read routes.
	AllowedOrigins []string

	// TriggerRate and TriggerBurst limit manual cycle runs per client IP.
	TriggerRate  rate.Limit
	TriggerBurst int

	Clock             clockwork.Clock
	ReadHeaderTimeout time.Duration
	RequestTimeout    time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Epochs == nil {
		return errors.New("epoch clock is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Scheduler == nil {
		return errors.New("scheduler is required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.TriggerRate == 0 {
		cfg.TriggerRate = rate.Every(time.Minute)
	}
	if cfg.TriggerBurst <= 0 {
		cfg.TriggerBurst = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}
