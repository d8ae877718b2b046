package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// OutboxStatus is one of the two closed outbox states.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
)

// OutboxRow is one row of dispatcher.outbox.
type OutboxRow struct {
	OutboxID    uuid.UUID
	Topic       string
	Payload     json.RawMessage
	AvailableAt time.Time
	Status      OutboxStatus
}

// insertOutbox inserts an outbox row inside tx. outboxID is always
// content-derived (internal/ids), so ON CONFLICT DO NOTHING makes repeated
// calls with identical inputs collapse to one row.
func insertOutbox(ctx context.Context, tx pgx.Tx, outboxID uuid.UUID, topic string, payload json.RawMessage) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO `+schemaName+`.outbox (outbox_id, topic, payload, available_at, status)
		 VALUES ($1, $2, $3, now(), $4)
		 ON CONFLICT (outbox_id) DO NOTHING`,
		outboxID, topic, []byte(payload), string(OutboxPending),
	)
	if err != nil {
		return fmt.Errorf("insert outbox row %s: %w", outboxID, err)
	}
	return nil
}

// InsertOutbox inserts an outbox row inside tx, for packages outside this
// one that need to enqueue a side effect (the reaper's wakeup row). Same
// ON CONFLICT DO NOTHING idempotency as the internal callers.
func InsertOutbox(ctx context.Context, tx pgx.Tx, outboxID uuid.UUID, topic string, payload json.RawMessage) error {
	return insertOutbox(ctx, tx, outboxID, topic, payload)
}

// BeginTx opens a transaction for packages that drive a multi-statement
// unit of work this package does not itself model (the relay's per-tick
// drain, the reaper's expiry sweep).
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// LockPendingOutbox claims up to batchSize pending, due outbox rows with
// FOR UPDATE SKIP LOCKED inside tx, matching §4.4's "BEGIN; select...FOR
// UPDATE SKIP LOCKED; publish each; COMMIT" relay loop exactly.
func LockPendingOutbox(ctx context.Context, tx pgx.Tx, batchSize int) ([]OutboxRow, error) {
	rows, err := tx.Query(ctx,
		`SELECT outbox_id, topic, payload, available_at, status
		 FROM `+schemaName+`.outbox
		 WHERE status = $1 AND available_at <= now()
		 ORDER BY available_at, created_at
		 FOR UPDATE SKIP LOCKED
		 LIMIT $2`,
		string(OutboxPending), batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("lock pending outbox batch: %w", err)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		var payload []byte
		var status string
		if err := rows.Scan(&r.OutboxID, &r.Topic, &payload, &r.AvailableAt, &status); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		r.Payload = payload
		r.Status = OutboxStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkOutboxSent marks outboxID sent within tx, called by the relay
// immediately after a successful queue publish for that row.
func MarkOutboxSent(ctx context.Context, tx pgx.Tx, outboxID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`UPDATE `+schemaName+`.outbox SET status = $1 WHERE outbox_id = $2`,
		string(OutboxSent), outboxID,
	)
	if err != nil {
		return fmt.Errorf("mark outbox %s sent: %w", outboxID, err)
	}
	return nil
}
