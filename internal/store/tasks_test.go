package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	pool, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool() error: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool, New(pool, nil)
}

func TestTaskStoreClaimAutoCreatesUnknownTask(t *testing.T) {
	pool, s := newMockStore(t)
	tasks := NewTaskStore(s, time.Minute)
	taskID := uuid.New()

	pool.ExpectBegin()
	pool.ExpectQuery("SELECT task_id, status, attempt, lease_token, lease_expires_at, payload").
		WithArgs(taskID).
		WillReturnError(pgx.ErrNoRows)
	pool.ExpectExec("INSERT INTO dispatcher.tasks").
		WithArgs(taskID, "queued", 1, []byte(`{}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectExec("UPDATE dispatcher.tasks SET").
		WithArgs("running", 1, pgxmock.AnyArg(), pgxmock.AnyArg(), taskID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	result, err := tasks.Claim(context.Background(), taskID, true)
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if result.Attempt != 1 {
		t.Fatalf("Attempt = %d, want 1", result.Attempt)
	}
	if result.LeaseToken == uuid.Nil {
		t.Fatalf("LeaseToken is nil")
	}
	if err := pool.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTaskStoreClaimRejectsUnknownTaskWithoutAutoCreate(t *testing.T) {
	pool, s := newMockStore(t)
	tasks := NewTaskStore(s, time.Minute)
	taskID := uuid.New()

	pool.ExpectBegin()
	pool.ExpectQuery("SELECT task_id, status, attempt, lease_token, lease_expires_at, payload").
		WithArgs(taskID).
		WillReturnError(pgx.ErrNoRows)
	pool.ExpectRollback()

	_, err := tasks.Claim(context.Background(), taskID, false)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Claim() error = %v, want ErrNotFound", err)
	}
}

func TestTaskStoreClaimConflictsOnLiveLease(t *testing.T) {
	pool, s := newMockStore(t)
	tasks := NewTaskStore(s, time.Minute)
	taskID := uuid.New()
	leaseToken := uuid.New()
	futureExpiry := time.Now().UTC().Add(time.Hour)

	rows := pgxmock.NewRows([]string{"task_id", "status", "attempt", "lease_token", "lease_expires_at", "payload"}).
		AddRow(taskID, "running", 1, &leaseToken, &futureExpiry, []byte(`{}`))

	pool.ExpectBegin()
	pool.ExpectQuery("SELECT task_id, status, attempt, lease_token, lease_expires_at, payload").
		WithArgs(taskID).
		WillReturnRows(rows)
	pool.ExpectRollback()

	_, err := tasks.Claim(context.Background(), taskID, true)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Claim() error = %v, want ErrConflict", err)
	}
}

func TestTaskStoreHeartbeatReportsStaleFence(t *testing.T) {
	pool, s := newMockStore(t)
	tasks := NewTaskStore(s, time.Minute)
	taskID := uuid.New()
	leaseToken := uuid.New()

	pool.ExpectExec("UPDATE dispatcher.tasks SET lease_expires_at").
		WithArgs(pgxmock.AnyArg(), taskID, "running", 2, leaseToken).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	_, err := tasks.Heartbeat(context.Background(), taskID, 2, leaseToken)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Heartbeat() error = %v, want ErrConflict", err)
	}
	if err := pool.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTaskStoreHeartbeatExtendsLeaseOnMatchingFence(t *testing.T) {
	pool, s := newMockStore(t)
	tasks := NewTaskStore(s, time.Minute)
	taskID := uuid.New()
	leaseToken := uuid.New()

	pool.ExpectExec("UPDATE dispatcher.tasks SET lease_expires_at").
		WithArgs(pgxmock.AnyArg(), taskID, "running", 1, leaseToken).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	expiresAt, err := tasks.Heartbeat(context.Background(), taskID, 1, leaseToken)
	if err != nil {
		t.Fatalf("Heartbeat() error: %v", err)
	}
	if expiresAt.Before(time.Now().UTC()) {
		t.Fatalf("expiresAt %v is in the past", expiresAt)
	}
}

func TestTaskStoreCompleteRetryableBumpsAttemptAndInsertsWakeup(t *testing.T) {
	pool, s := newMockStore(t)
	tasks := NewTaskStore(s, time.Minute)
	taskID := uuid.New()
	leaseToken := uuid.New()
	leaseExpiry := time.Now().UTC().Add(time.Minute)

	rows := pgxmock.NewRows([]string{"status", "attempt", "lease_token"}).
		AddRow("running", 1, &leaseToken)
	_ = leaseExpiry

	pool.ExpectBegin()
	pool.ExpectQuery("SELECT status, attempt, lease_token FROM dispatcher.tasks").
		WithArgs(taskID).
		WillReturnRows(rows)
	pool.ExpectExec("UPDATE dispatcher.tasks SET status = \\$1, attempt = \\$2").
		WithArgs("queued", 2, taskID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectExec("INSERT INTO dispatcher.outbox").
		WithArgs(pgxmock.AnyArg(), "wakeup", pgxmock.AnyArg(), "pending").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectCommit()

	wakeupID := uuid.New()
	result, err := tasks.Complete(context.Background(), taskID, 1, leaseToken, OutcomeRetryableError, wakeupID, "wakeup", nil)
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if result.Status != TaskQueued || result.NewAttempt != 2 {
		t.Fatalf("Complete() result = %+v, want status=queued attempt=2", result)
	}
}

func TestTaskStoreCompleteRejectsStaleFence(t *testing.T) {
	pool, s := newMockStore(t)
	tasks := NewTaskStore(s, time.Minute)
	taskID := uuid.New()
	currentLease := uuid.New()
	staleLease := uuid.New()

	rows := pgxmock.NewRows([]string{"status", "attempt", "lease_token"}).
		AddRow("running", 2, &currentLease)

	pool.ExpectBegin()
	pool.ExpectQuery("SELECT status, attempt, lease_token FROM dispatcher.tasks").
		WithArgs(taskID).
		WillReturnRows(rows)
	pool.ExpectRollback()

	_, err := tasks.Complete(context.Background(), taskID, 1, staleLease, OutcomeSuccess, uuid.New(), "wakeup", nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Complete() error = %v, want ErrConflict", err)
	}
}
