package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryQueuePublishReceiveAck(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	id, err := q.Publish(ctx, "wakeup", json.RawMessage(`{"task_id":"abc"}`), time.Time{})
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	msgs, err := q.Receive(ctx, "wakeup", 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Receive() returned %d messages, want 1", len(msgs))
	}
	if msgs[0].MessageID != id {
		t.Fatalf("Receive() returned id %s, want %s", msgs[0].MessageID, id)
	}
	if msgs[0].Deliveries != 1 {
		t.Fatalf("Deliveries = %d, want 1", msgs[0].Deliveries)
	}

	if _, err := q.Receive(ctx, "wakeup", 10, time.Minute); err != nil {
		t.Fatalf("second Receive() error: %v", err)
	}
	if msgs2, _ := q.Receive(ctx, "wakeup", 10, time.Minute); len(msgs2) != 0 {
		t.Fatalf("message still visible during its invisibility window")
	}

	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("Ack() error: %v", err)
	}
	if err := q.Ack(ctx, id); err == nil {
		t.Fatalf("second Ack() of deleted message should error")
	}
}

func TestMemoryQueueNackOrRequeueMakesVisibleAfterDelay(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	id, err := q.Publish(ctx, "buffer", json.RawMessage(`{}`), time.Time{})
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if _, err := q.Receive(ctx, "buffer", 1, time.Hour); err != nil {
		t.Fatalf("Receive() error: %v", err)
	}

	if err := q.NackOrRequeue(ctx, id, -time.Hour); err != nil {
		t.Fatalf("NackOrRequeue() error: %v", err)
	}

	msgs, err := q.Receive(ctx, "buffer", 1, time.Hour)
	if err != nil {
		t.Fatalf("Receive() after requeue error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Receive() after requeue returned %d, want 1", len(msgs))
	}
	if msgs[0].Deliveries != 2 {
		t.Fatalf("Deliveries after requeue = %d, want 2", msgs[0].Deliveries)
	}
}

func TestMemoryQueueIsolatesQueueNames(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	if _, err := q.Publish(ctx, "wakeup", json.RawMessage(`{}`), time.Time{}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	msgs, err := q.Receive(ctx, "buffer", 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("Receive() on unrelated queue returned %d messages, want 0", len(msgs))
	}
}
