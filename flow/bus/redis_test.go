package bus_test

import (
	"os"
	"testing"
	"time"

	"github.com/flowforge/flowcore/flow"
	"github.com/flowforge/flowcore/flow/bus"
)

// getTestRedisURL returns the URL from TEST_REDIS_URL, or "" if unset.
// Example: "redis://localhost:6379/1".
func getTestRedisURL(t *testing.T) string {
	t.Helper()
	return os.Getenv("TEST_REDIS_URL")
}

func newTestRedisBus(t *testing.T) *bus.RedisBus {
	t.Helper()
	url := getTestRedisURL(t)
	if url == "" {
		t.Skip("skipping Redis bus tests: TEST_REDIS_URL not set")
	}
	b, err := bus.NewRedisBus(t.Context(), bus.Config{RedisURL: url, KeyPrefix: "flowcore-test:"})
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisBus_SendReceiveAck(t *testing.T) {
	b := newTestRedisBus(t)

	sessionId := flow.SessionId(123)
	body := existingMessageBody(t, sessionId, 1)
	dedupId := flow.NewDataDedupId(sessionId, 1)

	if err := b.Send(t.Context(), "redis-test-dest", body, dedupId); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, handler, err := b.Receive(t.Context(), "redis-test-dest")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("payload mismatch: got %s want %s", got, body)
	}
	if handler.SessionId != sessionId {
		t.Errorf("handler SessionId = %v, want %v", handler.SessionId, sessionId)
	}
	if handler.DedupId != dedupId {
		t.Errorf("handler DedupId = %v, want %v", handler.DedupId, dedupId)
	}

	if err := b.Ack(t.Context(), handler); err != nil {
		t.Fatalf("ack: %v", err)
	}

	n, err := b.RequeueStuck(t.Context(), "redis-test-dest")
	if err != nil {
		t.Fatalf("requeue stuck: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no stuck messages after ack, got %d", n)
	}
}

func TestRedisBus_SendDeduplicatesPerDestination(t *testing.T) {
	b := newTestRedisBus(t)

	sessionId := flow.SessionId(456)
	dedupId := flow.NewDataDedupId(sessionId, 1)
	body := existingMessageBody(t, sessionId, 1)

	dest := "redis-test-dedup-dest"
	if err := b.Send(t.Context(), dest, body, dedupId); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := b.Send(t.Context(), dest, body, dedupId); err != nil {
		t.Fatalf("second send: %v", err)
	}

	_, handler, err := b.Receive(t.Context(), dest)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := b.Ack(t.Context(), handler); err != nil {
		t.Fatalf("ack: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _, _ = b.Receive(t.Context(), dest)
		close(done)
	}()

	select {
	case <-done:
		t.Error("expected no second message to be delivered: duplicate send should have been suppressed")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisBus_RequeueStuckRecoversUnackedMessage(t *testing.T) {
	b := newTestRedisBus(t)

	sessionId := flow.SessionId(789)
	dedupId := flow.NewDataDedupId(sessionId, 1)
	body := existingMessageBody(t, sessionId, 1)

	dest := "redis-test-requeue-dest"
	if err := b.Send(t.Context(), dest, body, dedupId); err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, _, err := b.Receive(t.Context(), dest); err != nil {
		t.Fatalf("receive: %v", err)
	}
	// Simulate a crash: never Ack.

	n, err := b.RequeueStuck(t.Context(), dest)
	if err != nil {
		t.Fatalf("requeue stuck: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stuck message requeued, got %d", n)
	}

	got, handler, err := b.Receive(t.Context(), dest)
	if err != nil {
		t.Fatalf("receive after requeue: %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("requeued payload mismatch: got %s want %s", got, body)
	}
	if err := b.Ack(t.Context(), handler); err != nil {
		t.Fatalf("ack after requeue: %v", err)
	}
}
