package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TaskStatus is one of the four closed task states.
type TaskStatus string

const (
	TaskQueued   TaskStatus = "queued"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

// Task is a row of dispatcher.tasks.
type Task struct {
	TaskID         uuid.UUID
	Status         TaskStatus
	Attempt        int
	LeaseToken     uuid.UUID
	LeaseExpiresAt time.Time
	HasLease       bool
	Payload        json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Sentinel errors surfaced by TaskStore; callers translate these into
// apperr.Kind at the HTTP boundary.
var (
	// ErrConflict marks a fence mismatch, a live lease, or a terminal task
	// that rejects a transition.
	ErrConflict = errors.New("store: conflict")
	// ErrNotFound marks a missing row where the caller requires one to
	// already exist (Claim with auto-create disabled, Get). BufferPublish
	// and Complete report a missing task as ErrConflict instead.
	ErrNotFound = errors.New("store: not found")
)

// ClaimResult is returned by TaskStore.Claim.
type ClaimResult struct {
	TaskID         uuid.UUID
	Attempt        int
	LeaseToken     uuid.UUID
	LeaseExpiresAt time.Time
	WorkPayload    json.RawMessage
}

// TaskStore implements the Task State Machine's transitions (§4.3) over
// dispatcher.tasks, one row lock per transaction, following the teacher's
// ClaimDispatches UPDATE...FOR UPDATE SKIP LOCKED pattern generalized to a
// single-row fenced claim instead of a batch dequeue.
type TaskStore struct {
	store         *Store
	leaseDuration time.Duration
}

// NewTaskStore constructs a TaskStore. leaseDuration is how long a claim or
// heartbeat extends the lease (§6 lease_duration_secs).
func NewTaskStore(s *Store, leaseDuration time.Duration) *TaskStore {
	return &TaskStore{store: s, leaseDuration: leaseDuration}
}

// Claim implements claim(task_id): create-if-missing in queued, lock the
// row, then transition per the current state. allowAutoCreate gates the
// create-if-missing behavior (Open Question #1 in SPEC_FULL.md).
func (s *TaskStore) Claim(ctx context.Context, taskID uuid.UUID, allowAutoCreate bool) (ClaimResult, error) {
	tx, err := s.store.pool.Begin(ctx)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var t Task
	var leaseToken *uuid.UUID
	var leaseExpiresAt *time.Time
	var payload []byte

	err = tx.QueryRow(ctx,
		`SELECT task_id, status, attempt, lease_token, lease_expires_at, payload
		 FROM `+schemaName+`.tasks WHERE task_id = $1 FOR UPDATE`,
		taskID,
	).Scan(&t.TaskID, &t.Status, &t.Attempt, &leaseToken, &leaseExpiresAt, &payload)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if !allowAutoCreate {
			return ClaimResult{}, ErrNotFound
		}
		t = Task{TaskID: taskID, Status: TaskQueued, Attempt: 1, Payload: json.RawMessage(`{}`)}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+schemaName+`.tasks (task_id, status, attempt, payload) VALUES ($1, $2, $3, $4)`,
			taskID, string(TaskQueued), 1, []byte(t.Payload),
		); err != nil {
			return ClaimResult{}, fmt.Errorf("auto-create task %s: %w", taskID, err)
		}
		payload = t.Payload
	case err != nil:
		return ClaimResult{}, fmt.Errorf("lock task %s: %w", taskID, err)
	default:
		t.Payload = payload
		if leaseToken != nil {
			t.LeaseToken = *leaseToken
			t.HasLease = true
		}
		if leaseExpiresAt != nil {
			t.LeaseExpiresAt = *leaseExpiresAt
		}
	}

	nowT := now()
	newAttempt := t.Attempt
	switch t.Status {
	case TaskQueued:
		// unchanged attempt
	case TaskRunning:
		if t.HasLease && t.LeaseExpiresAt.After(nowT) {
			return ClaimResult{}, ErrConflict
		}
		newAttempt = t.Attempt + 1
	case TaskComplete, TaskFailed:
		return ClaimResult{}, ErrConflict
	default:
		return ClaimResult{}, fmt.Errorf("task %s in unknown status %q", taskID, t.Status)
	}

	newLease := uuid.New()
	newExpiry := nowT.Add(s.leaseDuration)

	_, err = tx.Exec(ctx,
		`UPDATE `+schemaName+`.tasks SET
			status = $1, attempt = $2, lease_token = $3, lease_expires_at = $4, updated_at = now()
		 WHERE task_id = $5`,
		string(TaskRunning), newAttempt, newLease, newExpiry, taskID,
	)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim task %s: %w", taskID, err)
	}

	if err := commitTx(ctx, tx); err != nil {
		return ClaimResult{}, err
	}

	return ClaimResult{
		TaskID:         taskID,
		Attempt:        newAttempt,
		LeaseToken:     newLease,
		LeaseExpiresAt: newExpiry,
		WorkPayload:    payload,
	}, nil
}

// Heartbeat implements heartbeat(task_id, attempt, lease_token): extends the
// lease iff the fence matches and the lease has not already expired. Never
// bumps attempt.
func (s *TaskStore) Heartbeat(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID) (time.Time, error) {
	newExpiry := now().Add(s.leaseDuration)
	tag, err := s.store.pool.Exec(ctx,
		`UPDATE `+schemaName+`.tasks SET lease_expires_at = $1, updated_at = now()
		 WHERE task_id = $2 AND status = $3 AND attempt = $4 AND lease_token = $5
		   AND lease_expires_at > now()`,
		newExpiry, taskID, string(TaskRunning), attempt, leaseToken,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return time.Time{}, ErrConflict
	}
	return newExpiry, nil
}

// fenceLock locks the task row and validates status/attempt/lease_token
// match, returning an error for the caller to propagate if the fence does
// not hold. Shared by BufferPublish and Complete.
func (s *TaskStore) fenceLock(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, attempt int, leaseToken uuid.UUID) error {
	var status string
	var dbAttempt int
	var dbLeaseToken *uuid.UUID

	err := tx.QueryRow(ctx,
		`SELECT status, attempt, lease_token FROM `+schemaName+`.tasks WHERE task_id = $1 FOR UPDATE`,
		taskID,
	).Scan(&status, &dbAttempt, &dbLeaseToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("lock task %s: %w", taskID, err)
	}
	if status != string(TaskRunning) || dbAttempt != attempt || dbLeaseToken == nil || *dbLeaseToken != leaseToken {
		return ErrConflict
	}
	return nil
}

// BufferPublish implements buffer-publish: under the fence lock, insert an
// outbox row with a content-derived id (ids.OutboxBufferPublishID) so
// repeated calls with the same batch_uri collapse to a single publish. The
// fence check and the outbox insert happen in the same transaction, so a
// stale fence rejects the write without side effects.
func (s *TaskStore) BufferPublish(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID, outboxID uuid.UUID, bufferTopic string, requestBody json.RawMessage) error {
	tx, err := s.store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin buffer-publish tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := s.fenceLock(ctx, tx, taskID, attempt, leaseToken); err != nil {
		return err
	}

	if err := insertOutbox(ctx, tx, outboxID, bufferTopic, requestBody); err != nil {
		return err
	}

	return commitTx(ctx, tx)
}

// Outcome is the terminal or retry disposition passed to Complete.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeFatalError     Outcome = "fatal_error"
	OutcomeRetryableError Outcome = "retryable_error"
)

// CompleteResult reports the task's resulting state and attempt.
type CompleteResult struct {
	Status     TaskStatus
	NewAttempt int
}

// Complete implements complete(outcome): under the fence lock, applies the
// outcome-specific transition. onSuccess runs inside the same transaction
// before the task row is marked complete, giving the caller
// (internal/dispatcher, via RegisterDatasetVersion) a chance to register dataset
// publications and abort the whole completion on conflict.
func (s *TaskStore) Complete(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID, outcome Outcome, wakeupOutboxID uuid.UUID, wakeupTopic string, onSuccess func(tx pgx.Tx) error) (CompleteResult, error) {
	tx, err := s.store.pool.Begin(ctx)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := s.fenceLock(ctx, tx, taskID, attempt, leaseToken); err != nil {
		return CompleteResult{}, err
	}

	switch outcome {
	case OutcomeSuccess:
		if onSuccess != nil {
			if err := onSuccess(tx); err != nil {
				return CompleteResult{}, err
			}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE `+schemaName+`.tasks SET status = $1, lease_token = NULL, lease_expires_at = NULL, updated_at = now()
			 WHERE task_id = $2`,
			string(TaskComplete), taskID,
		); err != nil {
			return CompleteResult{}, fmt.Errorf("complete task %s: %w", taskID, err)
		}
		if err := commitTx(ctx, tx); err != nil {
			return CompleteResult{}, err
		}
		return CompleteResult{Status: TaskComplete, NewAttempt: attempt}, nil

	case OutcomeFatalError:
		if _, err := tx.Exec(ctx,
			`UPDATE `+schemaName+`.tasks SET status = $1, lease_token = NULL, lease_expires_at = NULL, updated_at = now()
			 WHERE task_id = $2`,
			string(TaskFailed), taskID,
		); err != nil {
			return CompleteResult{}, fmt.Errorf("fail task %s: %w", taskID, err)
		}
		if err := commitTx(ctx, tx); err != nil {
			return CompleteResult{}, err
		}
		return CompleteResult{Status: TaskFailed, NewAttempt: attempt}, nil

	case OutcomeRetryableError:
		newAttempt := attempt + 1
		if _, err := tx.Exec(ctx,
			`UPDATE `+schemaName+`.tasks SET status = $1, attempt = $2, lease_token = NULL, lease_expires_at = NULL, updated_at = now()
			 WHERE task_id = $3`,
			string(TaskQueued), newAttempt, taskID,
		); err != nil {
			return CompleteResult{}, fmt.Errorf("requeue task %s: %w", taskID, err)
		}
		wakeupPayload, err := json.Marshal(map[string]any{"task_id": taskID.String()})
		if err != nil {
			return CompleteResult{}, fmt.Errorf("encode wakeup payload: %w", err)
		}
		if err := insertOutbox(ctx, tx, wakeupOutboxID, wakeupTopic, wakeupPayload); err != nil {
			return CompleteResult{}, err
		}
		if err := commitTx(ctx, tx); err != nil {
			return CompleteResult{}, err
		}
		return CompleteResult{Status: TaskQueued, NewAttempt: newAttempt}, nil

	default:
		return CompleteResult{}, fmt.Errorf("unknown outcome %q", outcome)
	}
}

// Get fetches a task by id without locking, for read-only inspection
// (status endpoints, tests).
func (s *TaskStore) Get(ctx context.Context, taskID uuid.UUID) (Task, error) {
	var t Task
	var leaseToken *uuid.UUID
	var leaseExpiresAt *time.Time
	var payload []byte

	err := s.store.pool.QueryRow(ctx,
		`SELECT task_id, status, attempt, lease_token, lease_expires_at, payload, created_at, updated_at
		 FROM `+schemaName+`.tasks WHERE task_id = $1`,
		taskID,
	).Scan(&t.TaskID, &t.Status, &t.Attempt, &leaseToken, &leaseExpiresAt, &payload, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	t.Payload = payload
	if leaseToken != nil {
		t.LeaseToken = *leaseToken
		t.HasLease = true
	}
	if leaseExpiresAt != nil {
		t.LeaseExpiresAt = *leaseExpiresAt
	}
	return t, nil
}

func commitTx(ctx context.Context, tx pgx.Tx) error {
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
