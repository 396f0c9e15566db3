package flow

import "fmt"

// FlowException is a user-visible, serializable error raised by flow logic.
// Its payload propagates across sessions on first hop only: once a peer
// has surfaced the error and re-propagates it further, only the ErrorId is
// retransmitted (see transition_error.go), never the payload again.
type FlowException struct {
	// Code is a short machine-readable category, e.g. "validation_failed".
	Code string
	// Message is the human-readable description carried to the peer.
	Message string
	// OriginalErrorId is set when this exception was itself constructed from
	// a peer's propagated error (non-nil correlates back to their ErrorId).
	// Zero means "raised locally, never before seen on the wire."
	OriginalErrorId uint64
}

func (e *FlowException) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// IsOriginal reports whether this exception was raised locally rather than
// reconstructed from a peer's propagated error.
func (e *FlowException) IsOriginal() bool {
	return e.OriginalErrorId == 0
}

// InternalException marks an error originating in the engine, the bus, or
// the database rather than in user flow logic. Internal errors are always
// routed through the flow hospital (§7) and may be retried transparently;
// they never carry a user-facing payload across sessions (peers only ever
// learn the ErrorId for an internal error).
type InternalException struct {
	Message string
	Cause   error
}

func (e *InternalException) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Message, e.Cause)
	}
	return "internal error: " + e.Message
}

func (e *InternalException) Unwrap() error { return e.Cause }

// HospitalizeFlowException forces hospitalisation even from a context that
// would otherwise be handled as an ordinary recoverable error — e.g. a user
// flow that detects its own state is untrustworthy and wants a human (or
// the hospital's policy engine) to look at it rather than be auto-retried.
type HospitalizeFlowException struct {
	Reason string
}

func (e *HospitalizeFlowException) Error() string {
	return "hospitalize: " + e.Reason
}

// flowException is the closed marker interface satisfied by every exception
// type the error-flow transition knows how to classify. It is unexported so
// the set stays closed to this package; callers raise errors as plain `error`
// values and the engine classifies them via classifyError.
type flowException interface {
	error
	isFlowException()
}

func (*FlowException) isFlowException()           {}
func (*InternalException) isFlowException()        {}
func (*HospitalizeFlowException) isFlowException() {}

// FlowError is the durable record of one error raised during a flow's
// lifetime. error_id is globally unique and is how peers correlate a
// propagated error back to its source.
type FlowError struct {
	ErrorId uint64 `json:"error_id"`
	// Exception is one of *FlowException or *InternalException, stored as an
	// interface so the checkpoint can carry either without a type union on
	// the wire; callers type-switch via AsFlowException/AsInternalException.
	Exception error `json:"-"`
	// ExceptionKind and the flattened fields below make FlowError
	// JSON-serializable despite Exception being an interface (see
	// MarshalJSON/UnmarshalJSON in checkpoint.go).
	ExceptionKind    string `json:"exception_kind"`
	ExceptionCode    string `json:"exception_code,omitempty"`
	ExceptionMessage string `json:"exception_message"`
	OriginalErrorId  uint64 `json:"original_error_id,omitempty"`
}

// NewFlowError wraps cause into a durable FlowError, minting a fresh
// globally-unique ErrorId and classifying cause into the Exception taxonomy
// of §7. Unrecognised error values are treated as InternalException so they
// are always routed through the hospital rather than silently swallowed.
func NewFlowError(cause error) FlowError {
	fe := FlowError{ErrorId: NewErrorId(), Exception: cause}
	switch e := cause.(type) {
	case *FlowException:
		fe.ExceptionKind = "user"
		fe.ExceptionCode = e.Code
		fe.ExceptionMessage = e.Message
		fe.OriginalErrorId = e.OriginalErrorId
	case *InternalException:
		fe.ExceptionKind = "internal"
		fe.ExceptionMessage = e.Message
	case *HospitalizeFlowException:
		fe.ExceptionKind = "hospitalize"
		fe.ExceptionMessage = e.Reason
	default:
		fe.ExceptionKind = "internal"
		fe.ExceptionMessage = cause.Error()
	}
	return fe
}

// AsFlowException reports whether this FlowError wraps a user-raised
// FlowException and returns it.
func (fe FlowError) AsFlowException() (*FlowException, bool) {
	e, ok := fe.Exception.(*FlowException)
	return e, ok
}

// IsInternal reports whether this FlowError originated inside the engine
// rather than in user flow logic.
func (fe FlowError) IsInternal() bool {
	return fe.ExceptionKind == "internal"
}
