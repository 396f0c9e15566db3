package flow

import (
	"context"
	"sync"
	"time"

	"github.com/flowforge/flowcore/flow/emit"
)

// HistoryEntry is one recorded transition, the unit the History recorder
// interceptor buffers per FlowId (§4.4).
type HistoryEntry struct {
	Timestamp    time.Time
	PrevState    Checkpoint
	NextState    Checkpoint
	Event        Event
	Actions      []Action
	Continuation Continuation
}

// HistoryRecorder is the canonical "History recorder" interceptor: a
// bounded per-FlowId ring buffer that dumps its trace to the emitter once a
// flow enters errored-and-propagating state, and purges on removal.
// Ported in shape from the teacher's emit-on-notable-transition pattern
// (graph/emit), generalized from node-execution events to flow transitions.
type HistoryRecorder struct {
	mu      sync.Mutex
	buffers map[FlowId][]HistoryEntry
	limit   int
	emitter emit.Emitter
}

// NewHistoryRecorder builds a recorder keeping at most limit entries per
// FlowId (oldest dropped first).
func NewHistoryRecorder(limit int, emitter emit.Emitter) *HistoryRecorder {
	if limit <= 0 {
		limit = 64
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &HistoryRecorder{
		buffers: make(map[FlowId][]HistoryEntry),
		limit:   limit,
		emitter: emitter,
	}
}

// Intercept adapts the recorder to the Interceptor signature.
func (h *HistoryRecorder) Intercept(next TransitionFunc) TransitionFunc {
	return func(ctx context.Context, tc TransitionContext, cp Checkpoint, ev Event) (Result, error) {
		result, err := next(ctx, tc, cp, ev)
		if err != nil {
			return result, err
		}

		entry := HistoryEntry{
			Timestamp:    tc.Now(),
			PrevState:    cp,
			NextState:    result.NextCheckpoint,
			Event:        ev,
			Actions:      result.Actions,
			Continuation: result.Continuation,
		}
		h.record(cp.Id, entry)

		if result.NextCheckpoint.ErrorState.Errored && result.NextCheckpoint.ErrorState.Propagating {
			h.dump(cp.Id)
		}
		if result.NextCheckpoint.Status.Terminal() {
			h.purge(cp.Id)
		}
		return result, nil
	}
}

func (h *HistoryRecorder) record(id FlowId, entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := append(h.buffers[id], entry)
	if len(buf) > h.limit {
		buf = buf[len(buf)-h.limit:]
	}
	h.buffers[id] = buf
}

func (h *HistoryRecorder) dump(id FlowId) {
	h.mu.Lock()
	buf := append([]HistoryEntry(nil), h.buffers[id]...)
	h.mu.Unlock()

	h.emitter.Emit(emit.Event{
		FlowID: id.String(),
		Msg:    "flow entered errored+propagating state",
		Meta:   map[string]interface{}{"event_kind": "flow_history_dump", "num_entries": len(buf)},
	})
}

// Snapshot returns a copy of the currently buffered history for id,
// primarily for tests and operator inspection.
func (h *HistoryRecorder) Snapshot(id FlowId) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryEntry(nil), h.buffers[id]...)
}

func (h *HistoryRecorder) purge(id FlowId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.buffers, id)
}
