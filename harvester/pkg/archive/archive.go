package archive

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/harvest/harvester/pkg/clickhouse"
	"github.com/malbeclabs/harvest/harvester/pkg/epoch"
	"github.com/malbeclabs/harvest/harvester/pkg/ledger"
	"github.com/malbeclabs/harvest/harvester/pkg/metrics"
	"github.com/malbeclabs/harvest/utils/pkg/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	DefaultRecentLimit = 100
	MaxRecentLimit     = 1000
)

const insertCycleQuery = `INSERT INTO harvest_cycles (
	run_id, epoch, slot, completed_at, state, has_result,
	harvested, batches, settlement, to_holders, to_treasury,
	holders_paid, carried_over, settlement_ref, error
)`

const recentCyclesQuery = `SELECT
	run_id, epoch, slot, completed_at, state, has_result,
	harvested, batches, settlement, to_holders, to_treasury,
	holders_paid, carried_over, settlement_ref, error
FROM harvest_cycles FINAL
ORDER BY completed_at DESC, run_id DESC
LIMIT ?`

// RunMigrations applies the archive schema.
func RunMigrations(ctx context.Context, log *slog.Logger, cfg clickhouse.Config) error {
	db, err := clickhouse.OpenDB(cfg)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	return migrate.Up(ctx, log, db, migrate.Config{
		Dialect: "clickhouse",
		FS:      migrationsFS,
		Dir:     "migrations",
	})
}

type Config struct {
	Logger *slog.Logger
	Client clickhouse.Client
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("clickhouse client is required")
	}
	return nil
}

// Archive is an append-only ClickHouse copy of every completed cycle. The
// state store stays the source of truth; the archive keeps history past the
// store's retention window.
type Archive struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Archive{log: cfg.Logger, cfg: cfg}, nil
}

type row struct {
	RunID         string
	Epoch         time.Time
	Slot          uint32
	CompletedAt   time.Time
	State         string
	HasResult     bool
	Harvested     uint64
	Batches       uint32
	Settlement    uint64
	ToHolders     uint64
	ToTreasury    uint64
	HoldersPaid   uint32
	CarriedOver   uint64
	SettlementRef string
	Error         string
}

func toRow(c ledger.Cycle) (row, error) {
	day, err := time.Parse(epoch.DateLayout, c.Epoch)
	if err != nil {
		return row{}, fmt.Errorf("invalid cycle epoch %q: %w", c.Epoch, err)
	}
	if c.Slot < 0 {
		return row{}, fmt.Errorf("invalid cycle slot %d", c.Slot)
	}
	r := row{
		RunID:       c.RunID,
		Epoch:       day,
		Slot:        uint32(c.Slot),
		CompletedAt: c.Timestamp.UTC(),
		State:       string(c.State),
		Error:       c.Error,
	}
	if res := c.Result; res != nil {
		r.HasResult = true
		r.Harvested = res.Harvested
		r.Batches = uint32(res.Batches)
		r.Settlement = res.Settlement
		r.ToHolders = res.ToHolders
		r.ToTreasury = res.ToTreasury
		r.HoldersPaid = uint32(res.HoldersPaid)
		r.CarriedOver = res.CarriedOver
		r.SettlementRef = res.SettlementRef
	}
	return r, nil
}

func (r row) cycle() ledger.Cycle {
	c := ledger.Cycle{
		Epoch:     r.Epoch.UTC().Format(epoch.DateLayout),
		Slot:      int(r.Slot),
		Timestamp: r.CompletedAt.UTC(),
		State:     ledger.CycleState(r.State),
		RunID:     r.RunID,
		Error:     r.Error,
	}
	if r.HasResult {
		c.Result = &ledger.CycleResult{
			Harvested:     r.Harvested,
			Batches:       int(r.Batches),
			Settlement:    r.Settlement,
			ToHolders:     r.ToHolders,
			ToTreasury:    r.ToTreasury,
			HoldersPaid:   int(r.HoldersPaid),
			CarriedOver:   r.CarriedOver,
			SettlementRef: r.SettlementRef,
		}
	}
	return c
}

// WriteCycle appends c. Re-writing the same run replaces the earlier row on merge.
func (a *Archive) WriteCycle(ctx context.Context, c ledger.Cycle) (err error) {
	defer func() {
		metrics.ArchiveWritesTotal.WithLabelValues(metrics.Status(err)).Inc()
	}()

	r, err := toRow(c)
	if err != nil {
		return err
	}

	conn, err := a.cfg.Client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	batch, err := conn.PrepareBatch(clickhouse.ContextWithSyncInsert(ctx), insertCycleQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare cycle batch: %w", err)
	}
	if err := batch.Append(
		r.RunID, r.Epoch, r.Slot, r.CompletedAt, r.State, r.HasResult,
		r.Harvested, r.Batches, r.Settlement, r.ToHolders, r.ToTreasury,
		r.HoldersPaid, r.CarriedOver, r.SettlementRef, r.Error,
	); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("failed to append cycle row: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send cycle batch: %w", err)
	}

	a.log.Debug("archive: cycle written", "run_id", c.RunID, "epoch", c.Epoch, "slot", c.Slot, "state", c.State)
	return nil
}

// RecentCycles returns up to limit archived cycles, newest first.
func (a *Archive) RecentCycles(ctx context.Context, limit int) ([]ledger.Cycle, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	limit = min(limit, MaxRecentLimit)

	conn, err := a.cfg.Client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get clickhouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, recentCyclesQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	cycles := make([]ledger.Cycle, 0, limit)
	for rows.Next() {
		var r row
		if err := rows.Scan(
			&r.RunID, &r.Epoch, &r.Slot, &r.CompletedAt, &r.State, &r.HasResult,
			&r.Harvested, &r.Batches, &r.Settlement, &r.ToHolders, &r.ToTreasury,
			&r.HoldersPaid, &r.CarriedOver, &r.SettlementRef, &r.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cycle row: %w", err)
		}
		cycles = append(cycles, r.cycle())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cycle rows: %w", err)
	}
	return cycles, nil
}
