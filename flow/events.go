package flow

// Event is the closed sum type of every inbound stimulus the transition
// function accepts. Like SessionState and FlowState, it is sealed via an
// unexported marker method so the set of cases a switch must handle is a
// compile-time-visible contract rather than an open interface — the same
// idiom the teacher uses for Next/Route (graph/node.go).
type Event interface {
	isEvent()
	Kind() string
}

// StartEvent promotes a flow from Unstarted to Started.
type StartEvent struct{}

func (StartEvent) isEvent()      {}
func (StartEvent) Kind() string { return "start" }

// MessagePayload classifies an inbound message body before it reaches the
// transition function, mirroring §4.1.1's ConfirmSession/DataMessage/
// ErrorMessage/EndMessage case split.
type MessagePayload interface {
	isMessagePayload()
	Kind() string
}

// ConfirmSessionPayload carries the peer's session id, completing the
// handshake on an Initiating session.
type ConfirmSessionPayload struct {
	PeerSessionId SessionId
	PeerParty     string
}

func (ConfirmSessionPayload) isMessagePayload() {}
func (ConfirmSessionPayload) Kind() string      { return "confirm_session" }

// DataPayload is an ordinary sequenced data message.
type DataPayload struct {
	Seq     uint64
	Payload Payload
}

func (DataPayload) isMessagePayload() {}
func (DataPayload) Kind() string      { return "data" }

// ErrorPayload is an error message: either the full exception (first hop)
// or just the correlating ErrorId (subsequent hops), per §4.1.2's rule
// that only the originating hop carries the payload.
type ErrorPayload struct {
	ErrorId   uint64
	Exception *FlowException // nil when only the ErrorId is being relayed
}

func (ErrorPayload) isMessagePayload() {}
func (ErrorPayload) Kind() string      { return "error" }

// EndPayload marks the sender's side of a session as closed.
type EndPayload struct{}

func (EndPayload) isMessagePayload() {}
func (EndPayload) Kind() string      { return "end" }

// DedupHandler is the opaque token the message bus hands back with every
// delivered message; the engine must acknowledge it (via the
// AcknowledgeMessages action) only after the consuming transition commits.
type DedupHandler struct {
	DedupId   DedupId
	SessionId SessionId
}

// MessageReceivedEvent is fed to the transition function once per inbound
// bus delivery, already classified into its MessagePayload variant.
type MessageReceivedEvent struct {
	SessionId SessionId
	Payload   MessagePayload
	Handler   DedupHandler
}

func (MessageReceivedEvent) isEvent()      {}
func (MessageReceivedEvent) Kind() string { return "message_received" }

// SessionErrorEvent signals a transport-level failure on a session (as
// opposed to a peer-raised FlowException arriving as an ErrorPayload).
type SessionErrorEvent struct {
	SessionId SessionId
	Cause     error
}

func (SessionErrorEvent) isEvent()      {}
func (SessionErrorEvent) Kind() string { return "session_error" }

// TimerExpiredEvent is raised by the timer service when a scheduled
// deadline elapses; TimedFlow suspensions resume via RetryFromSafePoint
// rather than a plain Resume (§8 boundary case 5).
type TimerExpiredEvent struct {
	Token string
}

func (TimerExpiredEvent) isEvent()      {}
func (TimerExpiredEvent) Kind() string { return "timer_expired" }

// AsyncOpCompletedEvent surfaces the result of a previously submitted
// ExecuteAsyncOperation action.
type AsyncOpCompletedEvent struct {
	DedupId DedupId
	Result  Payload
	Err     error
}

func (AsyncOpCompletedEvent) isEvent()      {}
func (AsyncOpCompletedEvent) Kind() string { return "async_op_completed" }

// RetryFromSafePointEvent instructs the fiber to roll back any in-flight
// transaction and resume execution from the last committed checkpoint.
type RetryFromSafePointEvent struct {
	Reason error
}

func (RetryFromSafePointEvent) isEvent()      {}
func (RetryFromSafePointEvent) Kind() string { return "retry_from_safe_point" }

// SoftShutdownEvent requests a graceful drain: the fiber finishes its
// current transition then suspends at the next cooperative yield point
// instead of continuing.
type SoftShutdownEvent struct{}

func (SoftShutdownEvent) isEvent()      {}
func (SoftShutdownEvent) Kind() string { return "soft_shutdown" }

// StartErrorPropagationEvent marks an errored flow as ready to propagate
// its accumulated errors to live peer sessions (§4.1.2 step 3).
type StartErrorPropagationEvent struct{}

func (StartErrorPropagationEvent) isEvent()      {}
func (StartErrorPropagationEvent) Kind() string { return "start_error_propagation" }

// ErrorEvent is raised when user flow code (or the engine itself) produces
// an unhandled error; it transitions the flow into Errored state (§4.1.1).
type ErrorEvent struct {
	Cause error
}

func (ErrorEvent) isEvent()      {}
func (ErrorEvent) Kind() string { return "error" }

// DeliverSessionEndedEvent notifies the flow that one of its sessions has
// fully closed (both directions), distinct from a plain EndPayload message
// which only marks the peer's side.
type DeliverSessionEndedEvent struct {
	SessionId SessionId
}

func (DeliverSessionEndedEvent) isEvent()      {}
func (DeliverSessionEndedEvent) Kind() string { return "deliver_session_ended" }

// InitiateFlowEvent asks the engine to open a brand-new outbound session
// from this flow to a peer, per §4.5 step 1.
type InitiateFlowEvent struct {
	Destination   string
	FlowClassName string
	Payload       Payload
}

func (InitiateFlowEvent) isEvent()      {}
func (InitiateFlowEvent) Kind() string { return "initiate_flow" }

// FinishEvent is fed by the scheduler, never by an external collaborator,
// when a FlowFunc.Step call returns StepFinished with no error: it is the
// orderly-completion counterpart to the error-flow transition of §4.1.2,
// needed to drive the same finalize-and-remove sequence (persist-or-remove
// checkpoint, release soft locks, remove session bindings, remove flow)
// for the happy path described in §8 scenario 1, which the source spec's
// event list leaves implicit.
type FinishEvent struct {
	Result Payload
}

func (FinishEvent) isEvent()      {}
func (FinishEvent) Kind() string { return "finish" }

// SuspendEvent is the event the fiber feeds back into the transition
// function when user code reaches a cooperative suspension point (§4.1.1
// "Suspend(reason, newCheckpoint)").
type SuspendEvent struct {
	Reason           SuspendReason
	AwaitingSessions []SessionId
	CallStack        Payload
}

func (SuspendEvent) isEvent()      {}
func (SuspendEvent) Kind() string { return "suspend" }
