package statestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/malbeclabs/harvest/utils/pkg/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const DefaultDocumentKey = "harvester"

// PostgresBackend stores the document as one JSONB row. Updates lock the row
// with SELECT ... FOR UPDATE so writers in other processes sharing the
// document serialize with this one.
type PostgresBackend struct {
	pool *pgxpool.Pool
	key  string
}

var _ Backend = (*PostgresBackend)(nil)

func NewPostgresBackend(pool *pgxpool.Pool, key string) (*PostgresBackend, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	if key == "" {
		key = DefaultDocumentKey
	}
	return &PostgresBackend{pool: pool, key: key}, nil
}

// NewPostgresPool opens and pings a pool for connStr.
func NewPostgresPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// RunPostgresMigrations applies the embedded schema migrations.
func RunPostgresMigrations(ctx context.Context, log *slog.Logger, connStr string) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	return migrate.Up(ctx, log, db, migrate.Config{
		Dialect: "postgres",
		FS:      migrationsFS,
		Dir:     "migrations",
	})
}

func (b *PostgresBackend) Name() string { return "postgres" }

func (b *PostgresBackend) Read(ctx context.Context) ([]byte, error) {
	var doc string
	err := b.pool.QueryRow(ctx, `SELECT doc::text FROM harvest_documents WHERE key = $1`, b.key).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return []byte(doc), nil
}

func (b *PostgresBackend) Update(ctx context.Context, fn func([]byte) ([]byte, error)) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO harvest_documents (key, doc) VALUES ($1, '{}'::jsonb) ON CONFLICT (key) DO NOTHING`,
		b.key,
	); err != nil {
		return fmt.Errorf("failed to ensure document row: %w", err)
	}

	var current string
	if err := tx.QueryRow(ctx,
		`SELECT doc::text FROM harvest_documents WHERE key = $1 FOR UPDATE`,
		b.key,
	).Scan(&current); err != nil {
		return fmt.Errorf("failed to lock document: %w", err)
	}

	next, err := fn([]byte(current))
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE harvest_documents SET doc = $2::jsonb, updated_at = now() WHERE key = $1`,
		b.key, string(next),
	); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit document: %w", err)
	}
	return nil
}
