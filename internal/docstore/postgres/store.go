// Package postgres provides the Postgres-backed document store.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagesink/pagesink/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for outcome documents.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store upserts outcome documents into Postgres, keyed by task id.
type Store struct {
	pool  execCloser
	table string
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "pages"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{
		pool:  pool,
		table: table,
	}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool execCloser, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "pages"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Upsert writes outcome under its id. A redelivered task overwrites the
// prior document rather than inserting a duplicate row.
func (s *Store) Upsert(ctx context.Context, outcome pipeline.Outcome) error {
	if s == nil || s.pool == nil {
		return &pipeline.PersistenceError{Err: fmt.Errorf("document store is not configured")}
	}
	if outcome.ID == "" {
		return &pipeline.PersistenceError{Err: fmt.Errorf("outcome id is required")}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	url,
	status_code,
	fetched_at,
	latency_ms,
	content_length,
	body,
	error,
	retries
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	status_code = EXCLUDED.status_code,
	fetched_at = EXCLUDED.fetched_at,
	latency_ms = EXCLUDED.latency_ms,
	content_length = EXCLUDED.content_length,
	body = EXCLUDED.body,
	error = EXCLUDED.error,
	retries = EXCLUDED.retries`, s.table)

	args := []any{
		outcome.ID,
		outcome.URL,
		outcome.StatusCode,
		outcome.FetchedAt,
		outcome.LatencyMS,
		outcome.ContentLength,
		outcome.Body,
		outcome.Error,
		outcome.Meta.Retries,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return &pipeline.PersistenceError{Err: fmt.Errorf("upsert outcome: %w", err)}
	}
	return nil
}
