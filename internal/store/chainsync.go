package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ChainRangeStatus is one of the two closed chain-sync range states.
type ChainRangeStatus string

const (
	ChainRangeScheduled ChainRangeStatus = "scheduled"
	ChainRangeCompleted ChainRangeStatus = "completed"
)

// ChainSyncStore backs the planner's cursor/range bookkeeping (§4.6), one
// row-level lock on the chain's cursor serializing all planning for that
// chain.
type ChainSyncStore struct {
	store *Store
}

// NewChainSyncStore wraps s for planner use.
func NewChainSyncStore(s *Store) *ChainSyncStore {
	return &ChainSyncStore{store: s}
}

// BeginPlan opens the planner's transaction and locks (creating if absent)
// the chain's cursor row, returning the locked next_block and the tx the
// caller must use for every subsequent statement in this planning round.
func (s *ChainSyncStore) BeginPlan(ctx context.Context, chainID int64, fromBlock uint64) (pgx.Tx, uint64, error) {
	tx, err := s.store.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin plan tx: %w", err)
	}

	// The INSERT...ON CONFLICT DO UPDATE takes the row lock itself (it is a
	// write statement), so no separate SELECT...FOR UPDATE is needed: every
	// concurrent planner for the same chain serializes here.
	var nextBlock uint64
	err = tx.QueryRow(ctx,
		`INSERT INTO `+schemaName+`.chain_cursors (chain_id, next_block) VALUES ($1, $2)
		 ON CONFLICT (chain_id) DO UPDATE SET next_block = dispatcher.chain_cursors.next_block
		 RETURNING next_block`,
		chainID, fromBlock,
	).Scan(&nextBlock)
	if err != nil {
		tx.Rollback(ctx) //nolint:errcheck
		return nil, 0, fmt.Errorf("upsert chain cursor %d: %w", chainID, err)
	}

	if fromBlock > nextBlock {
		nextBlock = fromBlock
	}
	return tx, nextBlock, nil
}

// InFlightCount returns the number of non-completed scheduled ranges for
// chainID, inside the planning transaction.
func (s *ChainSyncStore) InFlightCount(ctx context.Context, tx pgx.Tx, chainID int64) (int, error) {
	var count int
	err := tx.QueryRow(ctx,
		`SELECT count(*) FROM `+schemaName+`.chain_ranges WHERE chain_id = $1 AND status != $2`,
		chainID, string(ChainRangeCompleted),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count inflight ranges for chain %d: %w", chainID, err)
	}
	return count, nil
}

// ErrRangeAlreadyScheduled is returned by InsertRange when the
// (chain_id, range_start, range_end) triple already exists — the caller
// should advance the cursor without scheduling a duplicate task.
var ErrRangeAlreadyScheduled = errors.New("store: chain range already scheduled")

// InsertRange inserts a scheduled range row with ON CONFLICT DO NOTHING,
// returning ErrRangeAlreadyScheduled if the insert collided.
func (s *ChainSyncStore) InsertRange(ctx context.Context, tx pgx.Tx, chainID int64, rangeStart, rangeEnd uint64, taskID uuid.UUID) error {
	tag, err := tx.Exec(ctx,
		`INSERT INTO `+schemaName+`.chain_ranges (chain_id, range_start, range_end, task_id, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (chain_id, range_start, range_end) DO NOTHING`,
		chainID, rangeStart, rangeEnd, taskID, string(ChainRangeScheduled),
	)
	if err != nil {
		return fmt.Errorf("insert chain range [%d,%d] for chain %d: %w", rangeStart, rangeEnd, chainID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRangeAlreadyScheduled
	}
	return nil
}

// InsertTask inserts the planner's task row directly (bypassing
// TaskStore.Claim's create-on-claim path, since the planner creates tasks
// with a real payload up front) with status=queued, attempt=1.
func (s *ChainSyncStore) InsertTask(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, payload []byte) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO `+schemaName+`.tasks (task_id, status, attempt, payload) VALUES ($1, $2, $3, $4)`,
		taskID, string(TaskQueued), 1, payload,
	)
	if err != nil {
		return fmt.Errorf("insert planner task %s: %w", taskID, err)
	}
	return nil
}

// InsertWakeupOutbox inserts the wakeup outbox row for a freshly scheduled
// task's first attempt, reusing the same content-addressed insert helper
// the Task State Machine uses.
func (s *ChainSyncStore) InsertWakeupOutbox(ctx context.Context, tx pgx.Tx, outboxID uuid.UUID, wakeupTopic string, payload []byte) error {
	return insertOutbox(ctx, tx, outboxID, wakeupTopic, payload)
}

// CommitPlan persists the final cursor position and commits the
// transaction.
func (s *ChainSyncStore) CommitPlan(ctx context.Context, tx pgx.Tx, chainID int64, nextBlock uint64) error {
	_, err := tx.Exec(ctx,
		`UPDATE `+schemaName+`.chain_cursors SET next_block = $1, updated_at = now() WHERE chain_id = $2`,
		nextBlock, chainID,
	)
	if err != nil {
		tx.Rollback(ctx) //nolint:errcheck
		return fmt.Errorf("persist chain cursor %d: %w", chainID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit plan tx: %w", err)
	}
	return nil
}

// AbortPlan rolls back an in-progress planning transaction.
func (s *ChainSyncStore) AbortPlan(ctx context.Context, tx pgx.Tx) {
	tx.Rollback(ctx) //nolint:errcheck
}
