package flow

import "errors"

// Sentinel errors returned by the transition function, executor, and
// scheduler. See checkpoint.go for ErrIdempotencyViolation (duplicate
// checkpoint commit) and ErrStaleCheckpoint (optimistic-replace rejection).

// ErrNoProgress names the state of a fiber that has no pending events and
// is not suspended on anything that will ever wake it — a stuck flow rather
// than a crashed one. Nothing in this module returns it: the Engine does not
// detect stuck flows.
var ErrNoProgress = errors.New("flow: no progress: fiber idle with nothing to resume it")

// ErrFlowNotFound is returned when an operation references a FlowId that has
// no checkpoint in the store (and is not merely terminal-and-awaiting-removal).
var ErrFlowNotFound = errors.New("flow: flow not found")

// ErrFlowRemoved is returned when an action targets a FlowId whose RemoveFlow
// action has already executed; per invariant 5 no further actions may
// reference that FlowId.
var ErrFlowRemoved = errors.New("flow: flow already removed")

// ErrDatabaseAccessForbidden is returned by the Executor when a persistence
// action (PersistCheckpoint, RemoveCheckpoint, PersistDeduplicationFacts)
// runs under a context created by WithNoDBAccess — the Go rendering of the
// source's "withoutDatabaseAccess" thread-local guard. The store and txn
// adapters themselves do not check for such a context.
var ErrDatabaseAccessForbidden = errors.New("flow: database access forbidden in this context")

// ErrActionOutOfOrder is returned by the executor when an action list
// violates the bracketing contract of §4.2 (exactly one CreateTransaction
// before any persistence action, exactly one Commit/RollbackTransaction
// terminating the span).
var ErrActionOutOfOrder = errors.New("flow: action list violates transaction bracketing")

// ErrSessionNotFound is returned when an event or action references a
// SessionId absent from the checkpoint's session table.
var ErrSessionNotFound = errors.New("flow: session not found")

// ErrEngineClosed is returned by collaborator adapters (e.g. GoAsyncRunner)
// when work is submitted after Close has been called.
var ErrEngineClosed = errors.New("flow: closed")

// EngineError is a structured engine-level error carrying a machine-readable
// Code alongside the human-readable Message, in the same shape the teacher
// repo uses for its own engine errors: a message, a short code, and an
// optional wrapped cause for errors.Is/errors.As.
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// newEngineError is a small constructor to keep call sites terse.
func newEngineError(code, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}
