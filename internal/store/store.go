// Package store is the relational progress store: Postgres-backed
// persistence for configurations, inboxes, thread work rows, sync stats,
// threads, messages, and the extraction tables.
//
// Every write here is either a single-row upsert keyed on a remote
// identifier or a counter update expressed as server-side saturating SQL
// (GREATEST(x-1,0)); that arithmetic lives in the database, never in Go,
// so concurrent workers cannot interleave a read-modify-write.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/nova-labs/inbox-sync/internal/appconfig"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store holds the connection pool shared by every store method across the
// files in this package.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects to Postgres and verifies connectivity.
func New(ctx context.Context, cfg appconfig.Postgres, logger zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("connected to postgres")
	return &Store{pool: pool, logger: logger.With().Str("component", "store").Logger()}, nil
}

// Migrate applies any pending schema migrations using goose, driven through
// the database/sql stdlib adapter pgx provides for tooling compatibility.
func Migrate(dsn string) error {
	goose.SetBaseFS(migrationsFS)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
