package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_mesh/internal/logging"
)

// schema is applied statement by statement by EnsureSchema
var schema = []string{
	`CREATE SCHEMA IF NOT EXISTS harbormesh`,
	`CREATE TABLE IF NOT EXISTS harbormesh.service_nodes (
		service_id    TEXT        NOT NULL,
		node_id       TEXT        NOT NULL,
		load          INTEGER     NOT NULL DEFAULT 0,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (service_id, node_id)
	)`,
	`CREATE INDEX IF NOT EXISTS service_nodes_load_idx
		ON harbormesh.service_nodes (service_id, load, registered_at)`,
}

// Execer is the subset of a pool EnsureSchema needs
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Connect establishes a connection pool to the database and returns the pool.
// The initial ping is retried with exponential backoff.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	// Parse config from DSN
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	// Set max connections and create pool
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Ping the database to verify connection
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return struct{}{}, pool.Ping(ctxPing)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(3),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.Plain().WithError(err).WithField("retry_in", next.String()).Warn("Database ping failed")
		}),
	)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the registry tables if they do not exist
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
