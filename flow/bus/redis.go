// Package bus provides flow.MessageBus implementations: a Redis-backed
// adapter for production deployments and an in-memory adapter for tests,
// both honoring the at-least-once-delivery-with-engine-side-dedup contract
// of spec.md §6.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/flowforge/flowcore/flow"
	"github.com/redis/go-redis/v9"
)

// envelope is what actually rides in the Redis list: the payload bytes the
// engine asked to send, tagged with the SenderDeduplicationId it was sent
// under, so Receive can hand that id back in the DedupHandler.
type envelope struct {
	DedupId flow.DedupId    `json:"dedup_id"`
	Body    json.RawMessage `json:"body"`
}

// RedisBus is a flow.MessageBus backed by Redis lists, ported in shape from
// evalgo-org-eve's queue/redis.Queue: RPush/BRPopLPush for the queue itself,
// a SADD-guarded "sent" set for per-destination send deduplication (§1:
// "a reliable message bus with per-destination deduplication"), and a
// processing list that Ack drains from — the same enqueue/claim/complete
// shape as the teacher's Enqueue/Dequeue/MarkProcessing/CompleteJob, adapted
// from job-queue semantics to session-message delivery.
type RedisBus struct {
	client *redis.Client
	prefix string

	mu      sync.Mutex
	claimed map[flow.DedupId]claim
}

type claim struct {
	destination string
	raw         string
}

// Config configures a RedisBus.
type Config struct {
	// RedisURL is parsed with redis.ParseURL; defaults to
	// "redis://localhost:6379/0" when empty.
	RedisURL string
	// KeyPrefix namespaces every key this bus touches; defaults to "flow:".
	KeyPrefix string
}

// NewRedisBus connects to Redis per cfg and verifies the connection with a
// Ping.
func NewRedisBus(ctx context.Context, cfg Config) (*RedisBus, error) {
	redisURL := cfg.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("flow/bus: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("flow/bus: connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "flow:"
	}

	return &RedisBus{client: client, prefix: prefix, claimed: make(map[flow.DedupId]claim)}, nil
}

// Close closes the underlying Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) queueKey(destination string) string {
	return b.prefix + "queue:" + destination
}

func (b *RedisBus) processingKey(destination string) string {
	return b.prefix + "processing:" + destination
}

func (b *RedisBus) sentKey(destination string) string {
	return b.prefix + "sent:" + destination
}

// Send implements flow.MessageBus. A dedupId already recorded as sent to
// destination is silently dropped rather than re-queued: this is what makes
// replaying a SendExisting/SendInitial action after a crash-before-commit
// safe (boundary case in SPEC_FULL.md §8 — "peer's bus suppresses the
// duplicate").
func (b *RedisBus) Send(ctx context.Context, destination string, payload []byte, dedupId flow.DedupId) error {
	added, err := b.client.SAdd(ctx, b.sentKey(destination), string(dedupId)).Result()
	if err != nil {
		return fmt.Errorf("flow/bus: record sent dedup id: %w", err)
	}
	if added == 0 {
		return nil
	}

	env := envelope{DedupId: dedupId, Body: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("flow/bus: encode envelope: %w", err)
	}
	if err := b.client.RPush(ctx, b.queueKey(destination), data).Err(); err != nil {
		return fmt.Errorf("flow/bus: enqueue message: %w", err)
	}
	return nil
}

// Receive implements flow.MessageBus, blocking until a message is available
// on destination or ctx is cancelled. The delivered item moves atomically
// into a processing list via BRPOPLPUSH rather than being removed outright,
// so a crash between Receive and the caller's commit leaves it recoverable
// instead of silently lost; Ack is what finally removes it.
func (b *RedisBus) Receive(ctx context.Context, destination string) ([]byte, flow.DedupHandler, error) {
	raw, err := b.client.BRPopLPush(ctx, b.queueKey(destination), b.processingKey(destination), 0).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, flow.DedupHandler{}, fmt.Errorf("flow/bus: receive on %s: %w", destination, context.Canceled)
		}
		return nil, flow.DedupHandler{}, fmt.Errorf("flow/bus: receive on %s: %w", destination, err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, flow.DedupHandler{}, fmt.Errorf("flow/bus: decode envelope: %w", err)
	}

	// Peek the recipient session id out of the existing-session wire shape so
	// the handler can be used for session routing before the caller has done
	// its own full decode of the returned body.
	var peek flow.ExistingSessionMessage
	_ = json.Unmarshal(env.Body, &peek)

	handler := flow.DedupHandler{DedupId: env.DedupId, SessionId: peek.RecipientSessionId}

	b.mu.Lock()
	b.claimed[env.DedupId] = claim{destination: destination, raw: raw}
	b.mu.Unlock()

	return env.Body, handler, nil
}

// Ack implements flow.MessageBus, removing the claimed item from its
// processing list. Performed strictly after the consuming transaction
// commits (§4.2): losing an ack here is tolerable since the item then just
// sits in the processing list for a recovery sweep to requeue, and engine-
// side dedup suppresses any resulting redelivery.
func (b *RedisBus) Ack(ctx context.Context, handler flow.DedupHandler) error {
	b.mu.Lock()
	c, ok := b.claimed[handler.DedupId]
	delete(b.claimed, handler.DedupId)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := b.client.LRem(ctx, b.processingKey(c.destination), 1, c.raw).Err(); err != nil {
		return fmt.Errorf("flow/bus: ack message: %w", err)
	}
	return nil
}

// RequeueStuck moves every item still sitting in destination's processing
// list back onto the queue, for a recovery sweep after a worker crashes
// mid-processing (no automatic deadline tracking here; callers run this on
// a schedule appropriate to their deployment).
func (b *RedisBus) RequeueStuck(ctx context.Context, destination string) (int, error) {
	n := 0
	for {
		raw, err := b.client.RPopLPush(ctx, b.processingKey(destination), b.queueKey(destination)).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("flow/bus: requeue stuck messages: %w", err)
		}
		_ = raw
		n++
	}
}
