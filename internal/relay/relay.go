// Package relay implements the Outbox Relay (§4.4): a background loop that
// drains dispatcher.outbox under FOR UPDATE SKIP LOCKED and republishes each
// row onto its topic queue, bridging the state store's transactional writes
// to the durable queue without ever losing a row to a crash mid-publish.
// Shaped after the teacher's poll-tick background worker (internal/async.Go
// plus a context-cancellable ticker loop).
package relay

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/cryoforge/dispatcher/internal/errors"
	"github.com/cryoforge/dispatcher/internal/logging"
	"github.com/cryoforge/dispatcher/internal/store"
)

// Config controls the relay's poll cadence and batch size.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Relay drains the outbox and republishes rows onto store.Queue.
type Relay struct {
	store   *store.Store
	queue   store.Queue
	cfg     Config
	breaker *goerrors.CircuitBreaker
	logger  logging.Logger
}

// New constructs a Relay. queue is the destination for every drained row,
// keyed by the row's topic as the queue name.
func New(s *store.Store, queue store.Queue, cfg Config, logger logging.Logger) *Relay {
	return &Relay{
		store:   s,
		queue:   queue,
		cfg:     cfg.withDefaults(),
		breaker: goerrors.NewCircuitBreaker("outbox-relay-publish", goerrors.DefaultCircuitBreakerConfig()),
		logger:  logging.OrNop(logger),
	}
}

// Run polls until ctx is cancelled. Intended to be launched via
// internal/async.Go so a panic in one tick never takes down the process.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				r.logger.Warn("outbox relay tick failed: %v", err)
			}
		}
	}
}

// tick drains up to BatchSize pending rows in one transaction. Each row's
// outcome is independent (§4.4 step 2): a publish failure for one row is
// logged and that row is left pending for a later tick, it never aborts the
// rows already marked sent earlier in the same batch. The transaction only
// rolls back on a genuine transaction-layer error (lock/mark-sent/commit
// failing), not on a publish failure.
func (r *Relay) tick(ctx context.Context) error {
	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := store.LockPendingOutbox(ctx, tx, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("lock pending outbox: %w", err)
	}
	if len(rows) == 0 {
		return tx.Commit(ctx)
	}

	published := 0
	for _, row := range rows {
		if err := r.breaker.Allow(); err != nil {
			r.logger.Warn("outbox relay circuit open, leaving remaining rows pending: %v", err)
			break
		}

		_, publishErr := r.queue.Publish(ctx, row.Topic, row.Payload, time.Time{})
		r.breaker.Mark(publishErr)
		if publishErr != nil {
			r.logger.Warn("publish outbox row %s to %s failed, leaving pending: %v", row.OutboxID, row.Topic, publishErr)
			continue
		}

		if err := store.MarkOutboxSent(ctx, tx, row.OutboxID); err != nil {
			return fmt.Errorf("mark outbox row %s sent: %w", row.OutboxID, err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit relay tx: %w", err)
	}
	r.logger.Debug("outbox relay published %d/%d row(s)", published, len(rows))
	return nil
}
