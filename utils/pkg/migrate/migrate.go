package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
)

// goose keeps its filesystem, dialect and logger in package globals.
var gooseMu sync.Mutex

// Config describes one set of embedded migrations.
type Config struct {
	Dialect string // goose dialect, e.g. "postgres" or "clickhouse"
	FS      fs.FS
	Dir     string
}

// slogGooseLogger adapts slog.Logger to the goose.Logger interface.
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func setup(log *slog.Logger, cfg Config) error {
	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(cfg.FS)
	if err := goose.SetDialect(cfg.Dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return nil
}

// Up applies all pending migrations.
func Up(ctx context.Context, log *slog.Logger, db *sql.DB, cfg Config) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	log.Info("running migrations (up)", "dialect", cfg.Dialect)
	if err := setup(log, cfg); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, cfg.Dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("migrations completed successfully", "dialect", cfg.Dialect)
	return nil
}

// Status logs the state of every migration.
func Status(ctx context.Context, log *slog.Logger, db *sql.DB, cfg Config) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := setup(log, cfg); err != nil {
		return err
	}
	return goose.StatusContext(ctx, db, cfg.Dir)
}
