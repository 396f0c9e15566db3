package emit

import "context"

// NullEmitter implements Emitter by discarding all events
//
// This is a no-op emitter for production environments where event
// logging is not desired. It implements the Emitter interface but
// does nothing with emitted events.
//
// Use cases:
//   - Production deployments where observability overhead is unwanted
//   - Testing scenarios where event capture is not needed
//   - Disabling event emission without changing code
//
// Example usage:
//
//	// Disable all event logging
//	emitter := emit.NewNullEmitter()
//	engine := flow.NewEngine(store, bus, timers, async, scope, hospital, flowFuncs,
//		flow.WithEmitter(emitter))
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter
//
// Returns a NullEmitter that discards all events without any processing.
// This is safe for concurrent use and has zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event without any processing
//
// This method is a no-op that immediately returns. It never errors
// and performs no I/O or processing.
func (n *NullEmitter) Emit(event Event) {
	// No-op: discard the event
}

// EmitBatch discards every event in the batch without any processing.
func (n *NullEmitter) EmitBatch(_ context.Context, events []Event) error {
	return nil
}

// Flush is a no-op: NullEmitter never buffers anything to flush.
func (n *NullEmitter) Flush(_ context.Context) error {
	return nil
}
