package flow

import (
	"context"
	"encoding/json"
	"time"
)

// TransitionContext supplies the non-deterministic inputs Transition needs
// (the current time, freshly minted ids) through an injected seam rather
// than direct calls to time.Now/crypto-rand, so a transition stays a pure
// function of (TransitionContext, Checkpoint, Event) and can be replayed
// byte-for-byte in tests (§9 Design Notes: "the transition function is
// pure given its inputs").
type TransitionContext interface {
	Now() time.Time
	NewSessionId() SessionId
	NewErrorId() uint64
}

// systemTransitionContext is the production TransitionContext: real clock,
// real id generators.
type systemTransitionContext struct{}

// NewSystemTransitionContext returns the TransitionContext the scheduler
// uses outside of tests.
func NewSystemTransitionContext() TransitionContext { return systemTransitionContext{} }

func (systemTransitionContext) Now() time.Time        { return time.Now() }
func (systemTransitionContext) NewSessionId() SessionId { return NewSessionId() }
func (systemTransitionContext) NewErrorId() uint64      { return NewErrorId() }

// Continuation tells the fiber what to do once Transition returns: invoke
// the entry point for the first time, resume previously-frozen user code
// with a value or error, re-enter the event loop without touching user
// code, or abort the fiber outright (§4.1: "(State, Event) -> (State',
// []Action, Continuation)").
type Continuation interface {
	isContinuation()
}

// StartContinuation instructs the fiber to invoke the flow's entry point
// for the first time with Args as its argument.
type StartContinuation struct {
	Args Payload
}

func (StartContinuation) isContinuation() {}

// ResumeContinuation instructs the fiber to thaw CallStack and resume it,
// feeding Value in (Err nil) or raising Err at the suspension point.
type ResumeContinuation struct {
	Value Payload
	Err   error
}

func (ResumeContinuation) isContinuation() {}

// ProcessEventsContinuation instructs the scheduler to re-enter its event
// loop for this flow without resuming any frozen user code — used when a
// transition only updated bookkeeping (e.g. buffered an out-of-order
// message, or recorded an error that is not yet ready to propagate).
type ProcessEventsContinuation struct{}

func (ProcessEventsContinuation) isContinuation() {}

// AbortContinuation instructs the fiber to terminate without resuming user
// code at all, typically paired with a RemoveFlowAction.
type AbortContinuation struct {
	Reason error
}

func (AbortContinuation) isContinuation() {}

// Result is everything Transition produces for one (Checkpoint, Event)
// pair: the next durable state, the ordered side effects the executor must
// perform, and what the fiber should do next.
type Result struct {
	NextCheckpoint Checkpoint
	Actions        []Action
	Continuation   Continuation
}

// Transition is the pure function at the center of the engine (§4.1). It
// never performs I/O, never blocks, and is a total function of its three
// inputs: the same (tc, cp, ev) always yields the same Result. The
// executor (executor.go) is solely responsible for turning the returned
// []Action into real side effects; Transition only describes them.
func Transition(ctx context.Context, tc TransitionContext, cp Checkpoint, ev Event) (Result, error) {
	switch e := ev.(type) {
	case StartEvent:
		return transitionStart(cp)
	case MessageReceivedEvent:
		return transitionMessageReceived(tc, cp, e)
	case SessionErrorEvent:
		return transitionSessionError(tc, cp, e)
	case TimerExpiredEvent:
		return transitionTimerExpired(cp, e)
	case AsyncOpCompletedEvent:
		return transitionAsyncOpCompleted(cp, e)
	case RetryFromSafePointEvent:
		return transitionRetryFromSafePoint(cp, e)
	case SoftShutdownEvent:
		return transitionSoftShutdown(cp)
	case StartErrorPropagationEvent:
		return beginErrorPropagation(tc, cp)
	case ErrorEvent:
		return transitionError(tc, cp, e)
	case DeliverSessionEndedEvent:
		return transitionDeliverSessionEnded(cp, e)
	case InitiateFlowEvent:
		return transitionInitiateFlow(tc, cp, e)
	case SuspendEvent:
		return transitionSuspend(cp, e)
	case FinishEvent:
		return transitionFinish(cp, e)
	default:
		return Result{}, &EngineError{Code: "UNKNOWN_EVENT", Message: "unrecognised event kind: " + ev.Kind()}
	}
}

// bumpCommit returns a shallow copy of cp with its commit counter advanced
// and its session table deep-copied so downstream mutation never aliases
// the caller's checkpoint — Transition must never mutate its input.
func bumpCommit(cp Checkpoint) Checkpoint {
	next := cp
	next.CheckpointState.Sessions = cloneSessions(cp.CheckpointState.Sessions)
	next.CheckpointState.NumCommits = cp.CheckpointState.NumCommits + 1
	return next
}

func cloneSessions(s SessionTable) SessionTable {
	out := make(SessionTable, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// persistActions brackets a checkpoint write in the transaction every
// persistence action must fall inside (§4.2).
func persistActions(next Checkpoint, isUpdate bool, extra ...Action) []Action {
	actions := []Action{
		CreateTransactionAction{},
		PersistCheckpointAction{Checkpoint: next, IsUpdate: isUpdate},
	}
	actions = append(actions, extra...)
	actions = append(actions, CommitTransactionAction{})
	return actions
}

func transitionStart(cp Checkpoint) (Result, error) {
	un, ok := cp.FlowState.(UnstartedState)
	if !ok {
		return Result{}, &EngineError{Code: "INVALID_TRANSITION", Message: "start event requires an unstarted flow"}
	}
	next := bumpCommit(cp)
	next.FlowState = StartedState{Reason: SuspendExplicit}
	next.Status = StatusRunnable

	return Result{
		NextCheckpoint: next,
		Actions:        persistActions(next, true),
		Continuation:   StartContinuation{Args: un.Args},
	}, nil
}

func transitionMessageReceived(tc TransitionContext, cp Checkpoint, e MessageReceivedEvent) (Result, error) {
	session, ok := cp.CheckpointState.Sessions[e.SessionId]
	if !ok {
		return Result{}, ErrSessionNotFound
	}

	switch payload := e.Payload.(type) {
	case ConfirmSessionPayload:
		return handleConfirmSession(cp, e, session, payload)
	case DataPayload:
		return handleData(cp, e, session, payload)
	case ErrorPayload:
		return handleInboundErrorPayload(tc, cp, e, payload)
	case EndPayload:
		return handleEnd(cp, e, session)
	default:
		return Result{}, &EngineError{Code: "UNKNOWN_PAYLOAD", Message: "unrecognised message payload kind: " + payload.Kind()}
	}
}

func handleConfirmSession(cp Checkpoint, e MessageReceivedEvent, session SessionState, payload ConfirmSessionPayload) (Result, error) {
	initiating, ok := session.(InitiatingSession)
	if !ok {
		return Result{}, &EngineError{Code: "INVALID_TRANSITION", Message: "confirm_session received for a session that is not initiating"}
	}

	next := bumpCommit(cp)
	established := InitiatedSession{
		OurSessionId:  initiating.OurSessionId,
		PeerSessionId: payload.PeerSessionId,
		PeerParty:     payload.PeerParty,
	}
	next.CheckpointState.Sessions[e.SessionId] = established

	var outbound []OutboundMessage
	seq := uint64(0)
	for _, bm := range initiating.BufferedMessages {
		outbound = append(outbound, OutboundMessage{
			SessionId: e.SessionId,
			DedupId:   bm.DedupId,
			Payload:   bufferedMessagePayload(bm, &seq),
		})
	}

	extra := []Action{AcknowledgeMessagesAction{Handlers: []DedupHandler{e.Handler}}}
	if len(outbound) > 0 {
		extra = append(extra, SendMultipleAction{Messages: outbound})
	}

	return Result{
		NextCheckpoint: next,
		Actions:        persistActions(next, true, extra...),
		Continuation:   ProcessEventsContinuation{},
	}, nil
}

func handleData(cp Checkpoint, e MessageReceivedEvent, session SessionState, payload DataPayload) (Result, error) {
	initiated, ok := session.(InitiatedSession)
	if !ok {
		return Result{}, &EngineError{Code: "INVALID_TRANSITION", Message: "data message received for a session that is not initiated"}
	}

	next := bumpCommit(cp)
	initiated.ReceivedMessages = append(append([]ReceivedMessage(nil), initiated.ReceivedMessages...), ReceivedMessage{
		Seq:     payload.Seq,
		Payload: payload.Payload,
	})
	next.CheckpointState.Sessions[e.SessionId] = initiated

	extra := []Action{AcknowledgeMessagesAction{Handlers: []DedupHandler{e.Handler}}}

	cont := Continuation(ProcessEventsContinuation{})
	if started, ok := next.FlowState.(StartedState); ok && started.Reason == SuspendAwaitingSession && awaiting(started.AwaitingSessions, e.SessionId) {
		if allSessionsReady(next.CheckpointState.Sessions, started.AwaitingSessions) {
			tuple, err := popAwaitedMessages(next.CheckpointState.Sessions, started.AwaitingSessions)
			if err != nil {
				return Result{}, err
			}
			value, err := json.Marshal(tuple)
			if err != nil {
				return Result{}, err
			}
			next.FlowState = StartedState{Reason: "", CallStack: started.CallStack}
			cont = ResumeContinuation{Value: value}
		}
	}

	return Result{
		NextCheckpoint: next,
		Actions:        persistActions(next, true, extra...),
		Continuation:   cont,
	}, nil
}

// popAwaitedMessages dequeues the oldest ReceivedMessage from each of ids'
// sessions in table (mutating table in place) and returns the resulting
// tuple in ids order, per §4.1.1's "pop the oldest message from each and
// Resume with the tuple." Callers must have already confirmed
// allSessionsReady(table, ids); a session found empty here indicates that
// check was skipped or table was mutated out of band.
func popAwaitedMessages(table SessionTable, ids []SessionId) ([]SessionMessage, error) {
	tuple := make([]SessionMessage, 0, len(ids))
	for _, id := range ids {
		st, ok := table[id]
		if !ok {
			return nil, ErrSessionNotFound
		}
		initiated, ok := st.(InitiatedSession)
		if !ok || len(initiated.ReceivedMessages) == 0 {
			return nil, newEngineError("INVARIANT_VIOLATION", "popAwaitedMessages called on a session with no ready message")
		}
		oldest := initiated.ReceivedMessages[0]
		initiated.ReceivedMessages = append([]ReceivedMessage(nil), initiated.ReceivedMessages[1:]...)
		table[id] = initiated
		tuple = append(tuple, SessionMessage{SessionId: id, Payload: oldest.Payload})
	}
	return tuple, nil
}

// bufferedMessagePayload decodes a buffered message into the MessagePayload
// it should be sent as once its session upgrades to Initiated: an ordinary
// data message bumps the per-flush sequence counter, while a buffered error
// message (queued ahead of data by beginErrorPropagation) decodes the
// ErrorSessionMessage it was encoded with and leaves seq untouched.
func bufferedMessagePayload(bm BufferedMessage, seq *uint64) MessagePayload {
	if bm.Kind == ExistingMessageError {
		var wire ErrorSessionMessage
		if err := json.Unmarshal(bm.Payload, &wire); err == nil {
			return wire.ToPayload()
		}
	}
	n := *seq
	*seq++
	return DataPayload{Seq: n, Payload: bm.Payload}
}

func awaiting(sessions []SessionId, id SessionId) bool {
	for _, s := range sessions {
		if s == id {
			return true
		}
	}
	return false
}

func allSessionsReady(table SessionTable, ids []SessionId) bool {
	for _, id := range ids {
		s, ok := table[id]
		if !ok {
			return false
		}
		initiated, ok := s.(InitiatedSession)
		if !ok || len(initiated.ReceivedMessages) == 0 {
			return false
		}
	}
	return true
}

func handleEnd(cp Checkpoint, e MessageReceivedEvent, session SessionState) (Result, error) {
	initiated, ok := session.(InitiatedSession)
	if !ok {
		return Result{}, &EngineError{Code: "INVALID_TRANSITION", Message: "end message received for a session that is not initiated"}
	}

	next := bumpCommit(cp)
	initiated.OtherSideClosed = true
	next.CheckpointState.Sessions[e.SessionId] = initiated

	extra := []Action{AcknowledgeMessagesAction{Handlers: []DedupHandler{e.Handler}}}
	return Result{
		NextCheckpoint: next,
		Actions:        persistActions(next, true, extra...),
		Continuation:   ProcessEventsContinuation{},
	}, nil
}

func transitionSessionError(tc TransitionContext, cp Checkpoint, e SessionErrorEvent) (Result, error) {
	return transitionError(tc, cp, ErrorEvent{Cause: e.Cause})
}

func transitionTimerExpired(cp Checkpoint, e TimerExpiredEvent) (Result, error) {
	started, ok := cp.FlowState.(StartedState)
	if !ok || started.Reason != SuspendAwaitingTimer {
		return Result{}, &EngineError{Code: "INVALID_TRANSITION", Message: "timer expired but flow is not awaiting a timer"}
	}
	next := bumpCommit(cp)
	return Result{
		NextCheckpoint: next,
		Actions:        []Action{RetryFlowFromSafePointAction{FlowId: cp.Id}},
		Continuation:   ProcessEventsContinuation{},
	}, nil
}

func transitionAsyncOpCompleted(cp Checkpoint, e AsyncOpCompletedEvent) (Result, error) {
	started, ok := cp.FlowState.(StartedState)
	if !ok || started.Reason != SuspendAwaitingAsyncOp {
		return Result{}, &EngineError{Code: "INVALID_TRANSITION", Message: "async op completed but flow is not awaiting one"}
	}
	next := bumpCommit(cp)
	next.FlowState = StartedState{CallStack: started.CallStack}

	cont := Continuation(ResumeContinuation{Value: e.Result, Err: e.Err})
	return Result{
		NextCheckpoint: next,
		Actions:        persistActions(next, true),
		Continuation:   cont,
	}, nil
}

func transitionRetryFromSafePoint(cp Checkpoint, e RetryFromSafePointEvent) (Result, error) {
	next := bumpCommit(cp)
	return Result{
		NextCheckpoint: next,
		Actions:        []Action{RollbackTransactionAction{Reason: e.Reason}, RetryFlowFromSafePointAction{FlowId: cp.Id}},
		Continuation:   ProcessEventsContinuation{},
	}, nil
}

func transitionSoftShutdown(cp Checkpoint) (Result, error) {
	next := bumpCommit(cp)
	next.Status = StatusPaused
	return Result{
		NextCheckpoint: next,
		Actions:        persistActions(next, true),
		Continuation:   ProcessEventsContinuation{},
	}, nil
}

func transitionDeliverSessionEnded(cp Checkpoint, e DeliverSessionEndedEvent) (Result, error) {
	next := bumpCommit(cp)
	delete(next.CheckpointState.Sessions, e.SessionId)

	extra := []Action{RemoveSessionBindingsAction{SessionIds: []SessionId{e.SessionId}}}
	return Result{
		NextCheckpoint: next,
		Actions:        persistActions(next, true, extra...),
		Continuation:   ProcessEventsContinuation{},
	}, nil
}

func transitionInitiateFlow(tc TransitionContext, cp Checkpoint, e InitiateFlowEvent) (Result, error) {
	next := bumpCommit(cp)
	sid := tc.NewSessionId()
	next.CheckpointState.Sessions[sid] = InitiatingSession{
		OurSessionId: sid,
		InitiatingMessage: InitialMessage{
			FlowClassName: e.FlowClassName,
			Payload:       e.Payload,
		},
		Sent: true,
	}

	sendAction := SendInitialAction{
		SessionId:     sid,
		Destination:   e.Destination,
		FlowClassName: e.FlowClassName,
		Payload:       e.Payload,
		DedupId:       NewDataDedupId(sid, 0),
	}

	return Result{
		NextCheckpoint: next,
		Actions:        persistActions(next, true, sendAction),
		Continuation:   ProcessEventsContinuation{},
	}, nil
}

func transitionSuspend(cp Checkpoint, e SuspendEvent) (Result, error) {
	next := bumpCommit(cp)
	next.FlowState = StartedState{
		Reason:           e.Reason,
		AwaitingSessions: e.AwaitingSessions,
		CallStack:        e.CallStack,
	}
	return Result{
		NextCheckpoint: next,
		Actions:        persistActions(next, true),
		Continuation:   ProcessEventsContinuation{},
	}, nil
}
