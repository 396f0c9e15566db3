// Package hospital implements flow.FlowHospital, the §6 collaborator that
// receives errored/stalled flows and decides their fate, grounded on
// jordigilh-kubernaut's sony/gobreaker-backed circuit breaker (its
// NotificationRequestReconciler wires a gobreaker.CircuitBreaker per
// delivery channel for per-channel isolation; DefaultHospital generalizes
// that to one breaker guarding the whole fleet of flows against a
// collaborator-wide outage).
package hospital

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flowforge/flowcore/flow"
	"github.com/sony/gobreaker"
)

// Policy configures DefaultHospital's retry-bound and circuit-breaker
// thresholds.
type Policy struct {
	// MaxRetries bounds how many times a given FlowId may be handed
	// VerdictRetryFromSafePoint before DefaultHospital gives up and kills it
	// (§7: "Internal errors are retried (bounded)").
	MaxRetries int
	Breaker    gobreaker.Settings
}

// DefaultPolicy returns a reasonable default: 3 bounded retries per flow,
// and a breaker that opens after 5 consecutive collaborator failures
// fleet-wide and probes again after 10 seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Breaker: gobreaker.Settings{
			Name:        "flow-hospital",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
}

// DefaultHospital is the default flow.FlowHospital: a single
// gobreaker.CircuitBreaker tracking the health of the collaborator calls
// that raise internal errors (the database, the bus, the timer service),
// a per-FlowId bounded retry counter, and a sync.Map-backed advisory
// soft-lock table — the in-process rendering of "soft locks" from the
// Design Notes (§5).
type DefaultHospital struct {
	policy  Policy
	breaker *gobreaker.CircuitBreaker

	mu       sync.Mutex
	attempts map[flow.FlowId]int

	locks sync.Map // flow.FlowId -> struct{}
}

// NewDefaultHospital builds a DefaultHospital under policy.
func NewDefaultHospital(policy Policy) *DefaultHospital {
	return &DefaultHospital{
		policy:   policy,
		breaker:  gobreaker.NewCircuitBreaker(policy.Breaker),
		attempts: make(map[flow.FlowId]int),
	}
}

// Admit implements flow.FlowHospital.
//
// A HospitalizeFlowException always starts error propagation immediately,
// bypassing retry/circuit-breaker bookkeeping entirely — it is the flow's
// own explicit request for intervention (§7). Everything else is treated
// as an internal collaborator fault: it is run through the shared circuit
// breaker (an open breaker pauses the flow rather than hammering a
// failing collaborator), and otherwise retried up to policy.MaxRetries
// times before the flow is killed.
func (h *DefaultHospital) Admit(ctx context.Context, id flow.FlowId, trace []flow.HistoryEntry, cause error) (flow.HospitalVerdict, error) {
	var hospitalize *flow.HospitalizeFlowException
	if errors.As(cause, &hospitalize) {
		h.resetAttempts(id)
		return flow.VerdictStartErrorPropagation, nil
	}

	h.locks.Store(id, struct{}{})

	_, breakerErr := h.breaker.Execute(func() (any, error) {
		return nil, cause
	})
	if errors.Is(breakerErr, gobreaker.ErrOpenState) || errors.Is(breakerErr, gobreaker.ErrTooManyRequests) {
		return flow.VerdictPause, nil
	}

	attempt := h.incrAttempts(id)
	if attempt <= h.policy.MaxRetries {
		return flow.VerdictRetryFromSafePoint, nil
	}

	h.resetAttempts(id)
	return flow.VerdictKill, nil
}

// ReleaseSoftLocks implements flow.FlowHospital, clearing any advisory
// lock this hospital holds for id.
func (h *DefaultHospital) ReleaseSoftLocks(ctx context.Context, id flow.FlowId) error {
	h.locks.Delete(id)
	h.resetAttempts(id)
	return nil
}

// HasSoftLock reports whether id currently holds an advisory soft lock,
// exposed for tests and operator tooling.
func (h *DefaultHospital) HasSoftLock(id flow.FlowId) bool {
	_, ok := h.locks.Load(id)
	return ok
}

func (h *DefaultHospital) incrAttempts(id flow.FlowId) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts[id]++
	return h.attempts[id]
}

func (h *DefaultHospital) resetAttempts(id flow.FlowId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attempts, id)
}
