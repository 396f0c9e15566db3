package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/flowforge/flowcore/flow"
)

// MemoryBus is an in-process flow.MessageBus for tests and single-process
// deployments, mirroring RedisBus's queue/sent-set/processing-list shape
// with plain Go slices and maps instead of Redis data structures.
type MemoryBus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[string][]envelope
	sent    map[string]map[flow.DedupId]struct{}
	claimed map[flow.DedupId]claim
	closed  bool
}

// NewMemoryBus returns a ready-to-use MemoryBus.
func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{
		queues:  make(map[string][]envelope),
		sent:    make(map[string]map[flow.DedupId]struct{}),
		claimed: make(map[flow.DedupId]claim),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Close releases any goroutines blocked in Receive.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Send implements flow.MessageBus, matching RedisBus's dedup-before-enqueue
// semantics.
func (b *MemoryBus) Send(ctx context.Context, destination string, payload []byte, dedupId flow.DedupId) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen, ok := b.sent[destination]
	if !ok {
		seen = make(map[flow.DedupId]struct{})
		b.sent[destination] = seen
	}
	if _, already := seen[dedupId]; already {
		return nil
	}
	seen[dedupId] = struct{}{}

	body := make([]byte, len(payload))
	copy(body, payload)
	b.queues[destination] = append(b.queues[destination], envelope{DedupId: dedupId, Body: body})
	b.cond.Broadcast()
	return nil
}

// Receive implements flow.MessageBus, blocking until a message is queued for
// destination, ctx is cancelled, or the bus is closed.
func (b *MemoryBus) Receive(ctx context.Context, destination string) ([]byte, flow.DedupHandler, error) {
	// A single watcher goroutine per call wakes the condvar on cancellation;
	// it exits as soon as either ctx is done or Receive returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-done:
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.queues[destination]) == 0 {
		if b.closed {
			return nil, flow.DedupHandler{}, context.Canceled
		}
		if err := ctx.Err(); err != nil {
			return nil, flow.DedupHandler{}, err
		}
		b.cond.Wait()
	}

	env := b.queues[destination][0]
	b.queues[destination] = b.queues[destination][1:]

	var peek flow.ExistingSessionMessage
	_ = json.Unmarshal(env.Body, &peek)

	handler := flow.DedupHandler{DedupId: env.DedupId, SessionId: peek.RecipientSessionId}
	b.claimed[env.DedupId] = claim{destination: destination}
	return env.Body, handler, nil
}

// Ack implements flow.MessageBus.
func (b *MemoryBus) Ack(ctx context.Context, handler flow.DedupHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.claimed, handler.DedupId)
	return nil
}
