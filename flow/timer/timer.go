// Package timer implements flow.TimerService, the deadline collaborator
// named in §6, as an in-process wheel of per-token time.AfterFunc timers —
// the same debounce-timer idiom kadirpekel-hector's config file watcher
// uses for its reload deadline, generalized from one shared timer to a
// registry of independently cancellable ones.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/flowforge/flowcore/flow"
	"github.com/google/uuid"
)

// FireFunc is invoked when a scheduled deadline elapses. Callers typically
// wire this to Engine.Deliver with a flow.TimerExpiredEvent.
type FireFunc func(ctx context.Context, flowId flow.FlowId, token string)

// WheelTimer is an in-process flow.TimerService. It holds no durable
// state: a process restart loses every pending deadline, which is
// acceptable because RetryFlowFromSafePoint + the checkpoint's own
// SuspendReason are what actually resume a TimedFlow, not the timer
// itself (§8 boundary case 5) — WheelTimer only needs to exist long enough
// to nudge the engine once.
type WheelTimer struct {
	onFire FireFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWheelTimer returns a WheelTimer that calls onFire when a scheduled
// deadline elapses and has not since been cancelled.
func NewWheelTimer(onFire FireFunc) *WheelTimer {
	return &WheelTimer{onFire: onFire, timers: make(map[string]*time.Timer)}
}

// Schedule implements flow.TimerService.
func (w *WheelTimer) Schedule(ctx context.Context, flowId flow.FlowId, atUnixNano int64) (string, error) {
	token := uuid.NewString()
	delay := time.Until(time.Unix(0, atUnixNano))
	if delay < 0 {
		delay = 0
	}

	t := time.AfterFunc(delay, func() {
		w.mu.Lock()
		_, stillPending := w.timers[token]
		delete(w.timers, token)
		w.mu.Unlock()

		if stillPending && w.onFire != nil {
			w.onFire(context.Background(), flowId, token)
		}
	})

	w.mu.Lock()
	w.timers[token] = t
	w.mu.Unlock()

	return token, nil
}

// Cancel implements flow.TimerService. Cancelling an already-fired or
// unknown token is a no-op, matching the teacher's debounceTimer.Stop()
// being safe to call unconditionally.
func (w *WheelTimer) Cancel(ctx context.Context, token string) error {
	w.mu.Lock()
	t, ok := w.timers[token]
	delete(w.timers, token)
	w.mu.Unlock()

	if ok {
		t.Stop()
	}
	return nil
}

// Pending reports how many deadlines are currently scheduled; exposed for
// tests and metrics, not part of flow.TimerService.
func (w *WheelTimer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}
