package store

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is one delivery from a Queue.
type Message struct {
	MessageID  uuid.UUID
	QueueName  string
	Payload    json.RawMessage
	Deliveries int
}

// Queue is the durable-queue capability interface (§4.1): a table-backed
// FIFO with visibility timeouts, delivery counts, and delayed publication.
// The dispatcher depends only on this shape; PostgresQueue is the
// production adapter, MemoryQueue is the in-process fake used by unit
// tests, mirroring the teacher's interface-plus-two-adapters pattern for
// its repositories.
type Queue interface {
	// Publish inserts one message, visible at availableAt (now if zero).
	Publish(ctx context.Context, queueName string, payload json.RawMessage, availableAt time.Time) (uuid.UUID, error)
	// Receive claims up to max visible messages, hiding them for
	// visibilityTimeout.
	Receive(ctx context.Context, queueName string, max int, visibilityTimeout time.Duration) ([]Message, error)
	// Ack deletes a message permanently.
	Ack(ctx context.Context, messageID uuid.UUID) error
	// NackOrRequeue makes a message visible again after delay.
	NackOrRequeue(ctx context.Context, messageID uuid.UUID, delay time.Duration) error
}

// PostgresQueue implements Queue backed by dispatcher.queue_messages.
type PostgresQueue struct {
	store *Store
}

// NewPostgresQueue wraps s for use as a Queue.
func NewPostgresQueue(s *Store) *PostgresQueue {
	return &PostgresQueue{store: s}
}

func (q *PostgresQueue) Publish(ctx context.Context, queueName string, payload json.RawMessage, availableAt time.Time) (uuid.UUID, error) {
	if availableAt.IsZero() {
		availableAt = now()
	}
	id := uuid.New()
	_, err := q.store.pool.Exec(ctx,
		`INSERT INTO `+schemaName+`.queue_messages (message_id, queue_name, payload, available_at)
		 VALUES ($1, $2, $3, $4)`,
		id, queueName, []byte(payload), availableAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("publish to %s: %w", queueName, err)
	}
	return id, nil
}

func (q *PostgresQueue) Receive(ctx context.Context, queueName string, max int, visibilityTimeout time.Duration) ([]Message, error) {
	tx, err := q.store.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin receive tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	invisibleUntil := now().Add(visibilityTimeout)

	rows, err := tx.Query(ctx,
		`UPDATE `+schemaName+`.queue_messages SET
			invisible_until = $1, deliveries = deliveries + 1
		WHERE message_id IN (
			SELECT message_id FROM `+schemaName+`.queue_messages
			WHERE queue_name = $2 AND available_at <= now()
				AND (invisible_until IS NULL OR invisible_until <= now())
			ORDER BY available_at, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING message_id, queue_name, payload, deliveries`,
		invisibleUntil, queueName, max,
	)
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queueName, err)
	}

	var messages []Message
	for rows.Next() {
		var m Message
		var payload []byte
		if err := rows.Scan(&m.MessageID, &m.QueueName, &payload, &m.Deliveries); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queue message: %w", err)
		}
		m.Payload = payload
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queueName, err)
	}
	rows.Close()

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit receive tx: %w", err)
	}
	return messages, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, messageID uuid.UUID) error {
	_, err := q.store.pool.Exec(ctx,
		`DELETE FROM `+schemaName+`.queue_messages WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("ack %s: %w", messageID, err)
	}
	return nil
}

func (q *PostgresQueue) NackOrRequeue(ctx context.Context, messageID uuid.UUID, delay time.Duration) error {
	_, err := q.store.pool.Exec(ctx,
		`UPDATE `+schemaName+`.queue_messages SET available_at = now() + $1, invisible_until = NULL
		 WHERE message_id = $2`,
		delay, messageID,
	)
	if err != nil {
		return fmt.Errorf("nack %s: %w", messageID, err)
	}
	return nil
}

var _ Queue = (*PostgresQueue)(nil)

// memoryMessage is one row of the in-process queue fake.
type memoryMessage struct {
	id              uuid.UUID
	queueName       string
	payload         json.RawMessage
	availableAt     time.Time
	invisibleUntil  time.Time
	hasInvisibility bool
	deliveries      int
}

// ErrMessageNotFound is returned by MemoryQueue when acking or requeuing an
// id it does not hold.
var ErrMessageNotFound = errors.New("store: message not found")

// MemoryQueue is an in-process Queue fake for unit tests that do not need a
// Postgres fixture; it preserves the same visibility/delivery-count
// semantics as PostgresQueue.
type MemoryQueue struct {
	mu       sync.Mutex
	messages *list.List // of *memoryMessage, insertion order
}

// NewMemoryQueue constructs an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{messages: list.New()}
}

func (q *MemoryQueue) Publish(_ context.Context, queueName string, payload json.RawMessage, availableAt time.Time) (uuid.UUID, error) {
	if availableAt.IsZero() {
		availableAt = now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.New()
	q.messages.PushBack(&memoryMessage{
		id:          id,
		queueName:   queueName,
		payload:     append(json.RawMessage(nil), payload...),
		availableAt: availableAt,
	})
	return id, nil
}

func (q *MemoryQueue) Receive(_ context.Context, queueName string, max int, visibilityTimeout time.Duration) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := now()
	var out []Message
	for e := q.messages.Front(); e != nil && len(out) < max; e = e.Next() {
		m := e.Value.(*memoryMessage)
		if m.queueName != queueName {
			continue
		}
		if m.availableAt.After(t) {
			continue
		}
		if m.hasInvisibility && m.invisibleUntil.After(t) {
			continue
		}
		m.deliveries++
		m.hasInvisibility = true
		m.invisibleUntil = t.Add(visibilityTimeout)
		out = append(out, Message{MessageID: m.id, QueueName: m.queueName, Payload: m.payload, Deliveries: m.deliveries})
	}
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, messageID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.messages.Front(); e != nil; e = e.Next() {
		if e.Value.(*memoryMessage).id == messageID {
			q.messages.Remove(e)
			return nil
		}
	}
	return ErrMessageNotFound
}

func (q *MemoryQueue) NackOrRequeue(_ context.Context, messageID uuid.UUID, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.messages.Front(); e != nil; e = e.Next() {
		m := e.Value.(*memoryMessage)
		if m.id == messageID {
			m.availableAt = now().Add(delay)
			m.hasInvisibility = false
			return nil
		}
	}
	return ErrMessageNotFound
}

var _ Queue = (*MemoryQueue)(nil)
