// Package reaper implements the Lease Reaper (§4.5): a background loop that
// finds tasks whose lease has expired while still marked running, bumps
// their attempt, resets them to queued, and enqueues a wakeup outbox row.
// TaskStore.Claim applies the same attempt bump when a caller claims an
// already-expired lease, but moves the task straight back to running and
// enqueues no wakeup. Shares the relay's poll-tick shape (§5).
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cryoforge/dispatcher/internal/ids"
	"github.com/cryoforge/dispatcher/internal/logging"
	"github.com/cryoforge/dispatcher/internal/store"
)

// Config controls the reaper's poll cadence and batch size.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	WakeupTopic  string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.WakeupTopic == "" {
		c.WakeupTopic = "task_wakeup_queue"
	}
	return c
}

// Reaper sweeps dispatcher.tasks for dead leases.
type Reaper struct {
	store  *store.Store
	cfg    Config
	logger logging.Logger
}

// New constructs a Reaper.
func New(s *store.Store, cfg Config, logger logging.Logger) *Reaper {
	return &Reaper{store: s, cfg: cfg.withDefaults(), logger: logging.OrNop(logger)}
}

// Run polls until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := r.tick(ctx)
			if err != nil {
				r.logger.Warn("lease reaper tick failed: %v", err)
				continue
			}
			if reaped > 0 {
				r.logger.Info("lease reaper processed %d expired lease(s)", reaped)
			}
		}
	}
}

// expiredLease is one row this tick's SELECT found already expired.
type expiredLease struct {
	taskID  uuid.UUID
	attempt int
}

// tick locks every running task whose lease has already expired, bumps each
// one's attempt and requeues it, and enqueues a wakeup outbox row per task —
// same fence discipline as TaskStore.Complete's retryable branch, just
// triggered by a lease deadline instead of a worker-reported outcome.
func (r *Reaper) tick(ctx context.Context) (int, error) {
	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reaper tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT task_id, attempt FROM dispatcher.tasks
		 WHERE status = 'running' AND lease_expires_at <= now()
		 ORDER BY lease_expires_at
		 FOR UPDATE SKIP LOCKED
		 LIMIT $1`,
		r.cfg.BatchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("select expired leases: %w", err)
	}
	var expired []expiredLease
	for rows.Next() {
		var e expiredLease
		if err := rows.Scan(&e.taskID, &e.attempt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired lease: %w", err)
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("select expired leases: %w", err)
	}
	rows.Close()

	if len(expired) == 0 {
		return 0, tx.Commit(ctx)
	}

	for _, e := range expired {
		newAttempt := e.attempt + 1
		tag, err := tx.Exec(ctx,
			`UPDATE dispatcher.tasks SET
				status = 'queued', attempt = $1, lease_token = NULL, lease_expires_at = NULL, updated_at = now()
			 WHERE task_id = $2 AND status = 'running' AND attempt = $3`,
			newAttempt, e.taskID, e.attempt,
		)
		if err != nil {
			return 0, fmt.Errorf("requeue task %s: %w", e.taskID, err)
		}
		if tag.RowsAffected() == 0 {
			// The row no longer matches the (status, attempt) fence; skip
			// it without enqueuing a wakeup. It still counts toward the
			// returned total.
			continue
		}

		outboxID := ids.OutboxWakeupID(e.taskID.String(), newAttempt)
		payload := []byte(fmt.Sprintf(`{"task_id":%q}`, e.taskID.String()))
		if err := store.InsertOutbox(ctx, tx, outboxID, r.cfg.WakeupTopic, payload); err != nil {
			return 0, fmt.Errorf("enqueue wakeup for task %s: %w", e.taskID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reaper tx: %w", err)
	}
	return len(expired), nil
}
