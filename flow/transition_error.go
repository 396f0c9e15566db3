package flow

import "encoding/json"

// transitionError implements §4.1.1's "Error(cause) — transition into the
// Errored state by appending a new FlowError and switching error_state. No
// actions emitted yet; propagation is a separate step." The new error is
// visible in the returned checkpoint immediately so a fiber that raises two
// errors back to back (§8 boundary case "two errors raised concurrently")
// sees both in Errors before StartErrorPropagation ever runs, but nothing
// is persisted here: the very next event a fiber sends after an uncaught
// error is StartErrorPropagationEvent, and that is what actually commits.
func transitionError(tc TransitionContext, cp Checkpoint, e ErrorEvent) (Result, error) {
	fe := NewFlowError(e.Cause)
	// Take the id from tc so the transition is deterministic under a fixed tc.
	fe.ErrorId = tc.NewErrorId()

	next := cp
	next.CheckpointState.Sessions = cloneSessions(cp.CheckpointState.Sessions)
	next.ErrorState.Errored = true
	next.ErrorState.Errors = append(append([]FlowError(nil), cp.ErrorState.Errors...), fe)

	return Result{
		NextCheckpoint: next,
		Actions:        nil,
		Continuation:   ProcessEventsContinuation{},
	}, nil
}

// beginErrorPropagation implements §4.1.2 in full: it runs whenever
// error_state.errored is true and StartErrorPropagationEvent fires.
func beginErrorPropagation(tc TransitionContext, cp Checkpoint) (Result, error) {
	if !cp.ErrorState.Errored {
		return Result{}, newEngineError("INVALID_TRANSITION", "start_error_propagation requires an errored flow")
	}

	next := bumpCommit(cp)
	next.ErrorState.Propagating = true

	remaining := cp.ErrorState.Errors[cp.ErrorState.PropagatedIndex:]

	actions := []Action{CreateTransactionAction{}}

	if len(remaining) > 0 {
		// Step 3a: prepend error messages to the buffered queue of every
		// Initiating session that has not already been marked rejected, so
		// a peer that has not yet confirmed the handshake gets (init,
		// error) back to back instead of (init, ...data...).
		for id, st := range next.CheckpointState.Sessions {
			initiating, ok := st.(InitiatingSession)
			if !ok || initiating.RejectionError != nil {
				continue
			}
			prepend := make([]BufferedMessage, 0, len(remaining))
			for _, fe := range remaining {
				prepend = append(prepend, errorBufferedMessage(fe, id))
			}
			initiating.BufferedMessages = append(prepend, initiating.BufferedMessages...)
			last := remaining[len(remaining)-1]
			initiating.RejectionError = &last
			next.CheckpointState.Sessions[id] = initiating
		}

		// Step 3b: collect every Initiated session whose peer hasn't
		// already errored, and emit the propagation to all of them in one
		// action.
		var liveSessions []SessionId
		var outbound []OutboundMessage
		for id, st := range next.CheckpointState.Sessions {
			initiated, ok := st.(InitiatedSession)
			if !ok || initiated.OtherSideErrored {
				continue
			}
			liveSessions = append(liveSessions, id)
			for _, fe := range remaining {
				outbound = append(outbound, OutboundMessage{
					SessionId: id,
					DedupId:   NewErrorDedupId(fe.ErrorId, id),
					Payload:   NewErrorSessionMessage(fe).ToPayload(),
				})
			}
		}
		if len(outbound) > 0 {
			actions = append(actions, PropagateErrorsAction{
				Messages:   outbound,
				SessionIds: liveSessions,
				SenderUUID: cp.Id,
			})
		}
	}

	next.ErrorState.PropagatedIndex = len(next.ErrorState.Errors)

	if !cp.Status.Terminal() {
		// Step 4: not yet removed — finalize the flow now.
		outcome := FinishOutcome{Orderly: false, Errors: next.ErrorState.Errors}
		next.Status = StatusFailed
		next.FlowState = FinishedState{Result: outcome}

		if next.InvocationContext.ClientId == "" {
			actions = append(actions, RemoveCheckpointAction{Id: cp.Id, MayHavePersistentResults: false})
		} else {
			actions = append(actions, PersistCheckpointAction{Checkpoint: next, IsUpdate: true})
		}
		if len(next.PendingDedupFacts) > 0 {
			actions = append(actions, PersistDeduplicationFactsAction{Facts: next.PendingDedupFacts})
		}
		actions = append(actions, ReleaseSoftLocksAction{FlowId: cp.Id})
		actions = append(actions, CommitTransactionAction{})
		actions = append(actions, RemoveSessionBindingsAction{SessionIds: allSessionIds(next.CheckpointState.Sessions)})
		actions = append(actions, RemoveFlowAction{FlowId: cp.Id, Outcome: outcome})

		return Result{NextCheckpoint: next, Actions: actions, Continuation: AbortContinuation{}}, nil
	}

	// Step 5: already removed in an earlier propagation round, but
	// outstanding Initiating sessions held fresh errors open — commit the
	// bookkeeping update and keep the fiber alive to let those handshakes
	// resolve.
	actions = append(actions, CommitTransactionAction{})
	return Result{NextCheckpoint: next, Actions: actions, Continuation: ProcessEventsContinuation{}}, nil
}

// transitionFinish implements the orderly-completion analogue of step 4 of
// beginErrorPropagation: a FlowFunc that returns a value rather than an
// error drives the same finalize-and-remove sequence, just with an
// OrderlyFinish outcome and no error propagation to live peers.
func transitionFinish(cp Checkpoint, e FinishEvent) (Result, error) {
	next := bumpCommit(cp)
	outcome := FinishOutcome{Orderly: true, Value: e.Result}
	next.Status = StatusCompleted
	next.FlowState = FinishedState{Result: outcome}

	actions := []Action{CreateTransactionAction{}}
	if next.InvocationContext.ClientId == "" {
		actions = append(actions, RemoveCheckpointAction{Id: cp.Id, MayHavePersistentResults: false})
	} else {
		actions = append(actions, PersistCheckpointAction{Checkpoint: next, IsUpdate: true})
	}
	if len(next.PendingDedupFacts) > 0 {
		actions = append(actions, PersistDeduplicationFactsAction{Facts: next.PendingDedupFacts})
	}
	actions = append(actions, ReleaseSoftLocksAction{FlowId: cp.Id})
	actions = append(actions, CommitTransactionAction{})
	actions = append(actions, RemoveSessionBindingsAction{SessionIds: allSessionIds(next.CheckpointState.Sessions)})
	actions = append(actions, RemoveFlowAction{FlowId: cp.Id, Outcome: outcome})

	return Result{NextCheckpoint: next, Actions: actions, Continuation: AbortContinuation{}}, nil
}

// handleInboundErrorPayload implements the receiving side of §4.1.2: a
// peer has propagated a FlowError to us over an Initiated session. The
// session is marked OtherSideErrored (invariant 4's "a session that has
// errored never carries ordinary data again") and the error is folded into
// this flow's own error_state under a fresh local ErrorId, correlated back
// to the sender's hop via OriginalErrorId, so the next call to
// beginErrorPropagation carries it onward to this flow's own live peers.
func handleInboundErrorPayload(tc TransitionContext, cp Checkpoint, e MessageReceivedEvent, payload ErrorPayload) (Result, error) {
	session, ok := cp.CheckpointState.Sessions[e.SessionId]
	if !ok {
		return Result{}, ErrSessionNotFound
	}
	initiated, ok := session.(InitiatedSession)
	if !ok {
		return Result{}, &EngineError{Code: "INVALID_TRANSITION", Message: "error message received for a session that is not initiated"}
	}

	next := bumpCommit(cp)
	initiated.OtherSideErrored = true
	next.CheckpointState.Sessions[e.SessionId] = initiated

	var cause error
	if payload.Exception != nil {
		cause = &FlowException{
			Code:            payload.Exception.Code,
			Message:         payload.Exception.Message,
			OriginalErrorId: payload.ErrorId,
		}
	} else {
		cause = &FlowException{Message: "propagated error", OriginalErrorId: payload.ErrorId}
	}
	fe := NewFlowError(cause)
	fe.ErrorId = tc.NewErrorId()
	next.ErrorState.Errored = true
	next.ErrorState.Errors = append(append([]FlowError(nil), next.ErrorState.Errors...), fe)

	// §4.1.1: "if the flow is currently awaiting this session, Resume(error);
	// else ProcessEvents" — unlike a DataMessage, a single errored session is
	// enough to resume even while other awaited sessions remain silent (§8
	// scenario 2: A resumes with B's exception so user code can catch or
	// propagate it).
	cont := Continuation(ProcessEventsContinuation{})
	if started, ok := next.FlowState.(StartedState); ok && started.Reason == SuspendAwaitingSession && awaiting(started.AwaitingSessions, e.SessionId) {
		next.FlowState = StartedState{Reason: "", CallStack: started.CallStack}
		cont = ResumeContinuation{Err: cause}
	}

	extra := []Action{AcknowledgeMessagesAction{Handlers: []DedupHandler{e.Handler}}}
	return Result{
		NextCheckpoint: next,
		Actions:        persistActions(next, true, extra...),
		Continuation:   cont,
	}, nil
}

// errorBufferedMessage encodes fe as a buffered error message, ready to be
// decoded back into an ErrorPayload by bufferedMessagePayload once the
// owning session is confirmed.
func errorBufferedMessage(fe FlowError, sessionId SessionId) BufferedMessage {
	wire := NewErrorSessionMessage(fe)
	body, err := json.Marshal(wire)
	if err != nil {
		// Marshal of a plain struct of strings/uints cannot fail; this
		// exists only to satisfy the error-return signature of json.Marshal.
		body = []byte("{}")
	}
	return BufferedMessage{
		DedupId: NewErrorDedupId(fe.ErrorId, sessionId),
		Kind:    ExistingMessageError,
		Payload: body,
	}
}

func allSessionIds(table SessionTable) []SessionId {
	ids := make([]SessionId, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	return ids
}
