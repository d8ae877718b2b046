// Package store is the dispatcher's state store adapter: a typed wrapper
// over Postgres carrying every table the dispatcher owns (tasks, queue
// messages, outbox rows, dataset versions, chain-sync cursors/ranges). All
// core writes go through it; row-level locks and FOR UPDATE SKIP LOCKED
// dequeue are its mutation discipline, never an in-process mutex, following
// the teacher's kernel dispatch store.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cryoforge/dispatcher/internal/logging"
)

const schemaName = "dispatcher"

// Conn is the subset of *pgxpool.Pool's method set this package depends on.
// Narrowing to an interface (rather than holding *pgxpool.Pool directly)
// lets unit tests substitute github.com/pashagolub/pgxmock's mock pool,
// the same pgxmock-over-an-interface pattern the teacher uses for its own
// Postgres store tests.
type Conn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Conn = (*pgxpool.Pool)(nil)

// Store wraps the connection pool shared by every adapter in this package.
type Store struct {
	pool   Conn
	logger logging.Logger
}

// New wraps an already-configured pgxpool.Pool (or a Conn-compatible test
// double).
func New(pool Conn, logger logging.Logger) *Store {
	return &Store{pool: pool, logger: logging.OrNop(logger)}
}

// Pool exposes the underlying connection. The readiness probe uses Ping
// rather than Pool.
func (s *Store) Pool() Conn {
	return s.pool
}

// Ping verifies the pool can reach the database, used by the /readyz probe.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// EnsureSchema creates the dispatcher schema and every table/index this
// package depends on, if they do not already exist. Safe to call on every
// process start; migrations/ carries the goose-managed equivalent for
// environments that prefer explicit migration files.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schemaName,

		`CREATE TABLE IF NOT EXISTS ` + schemaName + `.tasks (
			task_id          UUID PRIMARY KEY,
			status           TEXT NOT NULL DEFAULT 'queued',
			attempt          INTEGER NOT NULL DEFAULT 1,
			lease_token      UUID,
			lease_expires_at TIMESTAMPTZ,
			payload          JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON ` + schemaName + `.tasks (status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease_expiry ON ` + schemaName + `.tasks (lease_expires_at) WHERE status = 'running'`,

		`CREATE TABLE IF NOT EXISTS ` + schemaName + `.queue_messages (
			message_id      UUID PRIMARY KEY,
			queue_name      TEXT NOT NULL,
			payload         JSONB NOT NULL,
			available_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			invisible_until TIMESTAMPTZ,
			deliveries      INTEGER NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_visible
			ON ` + schemaName + `.queue_messages (queue_name, available_at, created_at)`,

		`CREATE TABLE IF NOT EXISTS ` + schemaName + `.outbox (
			outbox_id    UUID PRIMARY KEY,
			topic        TEXT NOT NULL,
			payload      JSONB NOT NULL,
			available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			status       TEXT NOT NULL DEFAULT 'pending',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending
			ON ` + schemaName + `.outbox (available_at, created_at) WHERE status = 'pending'`,

		`CREATE TABLE IF NOT EXISTS ` + schemaName + `.dataset_versions (
			dataset_version UUID PRIMARY KEY,
			dataset_uuid    UUID NOT NULL,
			storage_prefix  TEXT NOT NULL,
			config_hash     TEXT NOT NULL,
			range_start     BIGINT NOT NULL,
			range_end       BIGINT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS ` + schemaName + `.chain_cursors (
			chain_id   BIGINT PRIMARY KEY,
			next_block BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS ` + schemaName + `.chain_ranges (
			chain_id    BIGINT NOT NULL,
			range_start BIGINT NOT NULL,
			range_end   BIGINT NOT NULL,
			task_id     UUID NOT NULL,
			status      TEXT NOT NULL DEFAULT 'scheduled',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (chain_id, range_start, range_end)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chain_ranges_inflight
			ON ` + schemaName + `.chain_ranges (chain_id, status)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure dispatcher schema: %w", err)
		}
	}
	return nil
}

// now is the single place production code reads wall-clock time outside of
// a SQL `now()` call, kept so background loops can compute the same instant
// they log without a second DB round-trip.
func now() time.Time { return time.Now().UTC() }
