package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/cryoforge/dispatcher/internal/store"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *store.Store) {
	t.Helper()
	pool, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool() error: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool, store.New(pool, nil)
}

// failingTopicQueue wraps a MemoryQueue but rejects publishes for one
// configured topic, so tests can exercise a partial-batch failure.
type failingTopicQueue struct {
	*store.MemoryQueue
	failTopic string
}

func (q *failingTopicQueue) Publish(ctx context.Context, queueName string, payload json.RawMessage, availableAt time.Time) (uuid.UUID, error) {
	if queueName == q.failTopic {
		return uuid.UUID{}, errors.New("simulated publish failure")
	}
	return q.MemoryQueue.Publish(ctx, queueName, payload, availableAt)
}

func TestTickPublishesPendingRowsAndMarksSent(t *testing.T) {
	pool, s := newMockStore(t)
	queue := store.NewMemoryQueue()
	r := New(s, queue, Config{}, nil)

	outboxID := uuid.New()
	pool.ExpectBegin()
	rows := pgxmock.NewRows([]string{"outbox_id", "topic", "payload", "available_at", "status"}).
		AddRow(outboxID, "task_wakeup", []byte(`{"task_id":"abc"}`), time.Now().UTC(), "pending")
	pool.ExpectQuery("SELECT outbox_id, topic, payload, available_at, status").
		WillReturnRows(rows)
	pool.ExpectExec("UPDATE dispatcher.outbox SET status").
		WithArgs("sent", outboxID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	if err := r.tick(context.Background()); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	if err := pool.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}

	delivered, err := queue.Receive(context.Background(), "task_wakeup", 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("delivered = %d messages, want 1", len(delivered))
	}
}

func TestTickCommitsEmptyBatchWithoutPublishing(t *testing.T) {
	pool, s := newMockStore(t)
	queue := store.NewMemoryQueue()
	r := New(s, queue, Config{}, nil)

	pool.ExpectBegin()
	rows := pgxmock.NewRows([]string{"outbox_id", "topic", "payload", "available_at", "status"})
	pool.ExpectQuery("SELECT outbox_id, topic, payload, available_at, status").
		WillReturnRows(rows)
	pool.ExpectCommit()

	if err := r.tick(context.Background()); err != nil {
		t.Fatalf("tick() error: %v", err)
	}
	if err := pool.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTickLeavesFailedRowPendingAndStillMarksOtherRowsSent(t *testing.T) {
	pool, s := newMockStore(t)
	queue := &failingTopicQueue{MemoryQueue: store.NewMemoryQueue(), failTopic: "task_buffer_publish"}
	r := New(s, queue, Config{}, nil)

	okID := uuid.New()
	failID := uuid.New()
	anotherOKID := uuid.New()

	pool.ExpectBegin()
	rows := pgxmock.NewRows([]string{"outbox_id", "topic", "payload", "available_at", "status"}).
		AddRow(okID, "task_wakeup", []byte(`{"task_id":"a"}`), time.Now().UTC(), "pending").
		AddRow(failID, "task_buffer_publish", []byte(`{"task_id":"b"}`), time.Now().UTC(), "pending").
		AddRow(anotherOKID, "task_wakeup", []byte(`{"task_id":"c"}`), time.Now().UTC(), "pending")
	pool.ExpectQuery("SELECT outbox_id, topic, payload, available_at, status").
		WillReturnRows(rows)
	// Only the two successfully published rows are marked sent; the failed
	// row is never touched, leaving it pending for a later tick.
	pool.ExpectExec("UPDATE dispatcher.outbox SET status").
		WithArgs("sent", okID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectExec("UPDATE dispatcher.outbox SET status").
		WithArgs("sent", anotherOKID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	if err := r.tick(context.Background()); err != nil {
		t.Fatalf("tick() error: %v, want nil (a per-row publish failure must not fail the whole tick)", err)
	}
	if err := pool.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}

	delivered, err := queue.Receive(context.Background(), "task_wakeup", 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(delivered) != 2 {
		t.Fatalf("delivered = %d messages, want 2 (the failed row's topic never received anything)", len(delivered))
	}
}
