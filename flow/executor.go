package flow

import "context"

// FlowRegistry is the scheduler's in-memory bookkeeping surface: the
// FlowId -> FiberHandle arena and SessionId -> FlowId routing table named
// in the Design Notes' "arena-and-index" guidance. Unlike CheckpointStore,
// MessageBus, TimerService, and TransactionalScope, these actions never
// touch external I/O, but the executor still drains them in strict order
// alongside the I/O actions so the ordering guarantee in §4.2 holds across
// the whole action list, not just its persistent half.
type FlowRegistry interface {
	TrackTransaction(id FlowId, tx Tx)
	RemoveSessionBindings(ids []SessionId)
	RemoveFlow(id FlowId, outcome FinishOutcome)
	RetryFlowFromSafePoint(id FlowId)
	// TrackTimer records the token TimerService.Schedule returned for a
	// ScheduleFlowTimeoutAction, so a later CancelFlowTimeoutAction (which
	// only carries the FlowId) can resolve it back to the opaque token
	// TimerService.Cancel expects.
	TrackTimer(id FlowId, token string)
	// ResolveTimerToken looks up the token tracked by TrackTimer.
	ResolveTimerToken(id FlowId) (string, bool)
}

// Executor interprets an []Action strictly in order against real
// collaborators, inside a single database transaction (§4.2). It is the
// only component in the engine that performs I/O; Transition only
// describes the actions, Executor performs them.
type Executor struct {
	Store    CheckpointStore
	Bus      MessageBus
	Timers   TimerService
	Async    AsyncOpRunner
	Scope    TransactionalScope
	Hospital FlowHospital
	Registry FlowRegistry
}

// Execute drains actions in order. If it faults between CreateTransaction
// and Commit/RollbackTransaction, the caller (the fiber/scheduler) is
// responsible for parking the fiber and notifying the hospital; Execute
// itself only reports the first error and stops, never partially
// continuing past a fault (§4.2: "must not reorder, batch, or drop
// actions").
func (x *Executor) Execute(ctx context.Context, actions []Action) error {
	var tx Tx
	var pendingAcks []DedupHandler

	closeTx := func(commit bool) error {
		if tx == nil {
			return nil
		}
		var err error
		if commit {
			err = tx.Commit(ctx)
		} else {
			err = tx.Rollback(ctx)
		}
		tx = nil
		return err
	}

	for _, action := range actions {
		if DBAccessForbidden(ctx) {
			switch action.(type) {
			case PersistCheckpointAction, RemoveCheckpointAction, PersistDeduplicationFactsAction:
				return ErrDatabaseAccessForbidden
			}
		}

		switch a := action.(type) {
		case CreateTransactionAction:
			if tx != nil {
				return ErrActionOutOfOrder
			}
			newTx, err := x.Scope.Begin(ctx)
			if err != nil {
				return err
			}
			tx = newTx
			ctx = ContextWithTx(ctx, tx)

		case CommitTransactionAction:
			if tx == nil {
				return ErrActionOutOfOrder
			}
			if err := closeTx(true); err != nil {
				return err
			}
			for _, h := range pendingAcks {
				if err := x.Bus.Ack(ctx, h); err != nil {
					return err
				}
			}
			pendingAcks = nil

		case RollbackTransactionAction:
			if tx == nil {
				return ErrActionOutOfOrder
			}
			if err := closeTx(false); err != nil {
				return err
			}
			pendingAcks = nil

		case PersistCheckpointAction:
			if tx == nil {
				return ErrActionOutOfOrder
			}
			if err := x.Store.Upsert(ctx, a.Checkpoint); err != nil {
				return err
			}

		case RemoveCheckpointAction:
			if tx == nil {
				return ErrActionOutOfOrder
			}
			if err := x.Store.Remove(ctx, a.Id, a.MayHavePersistentResults); err != nil {
				return err
			}

		case PersistDeduplicationFactsAction:
			// Facts ride inside the same checkpoint row (§9 open question
			// (b)); nothing further to do here beyond requiring the
			// enclosing transaction, since PersistCheckpointAction already
			// wrote cp.PendingDedupFacts.
			if tx == nil {
				return ErrActionOutOfOrder
			}

		case AcknowledgeMessagesAction:
			// Performed after commit, never before (§4.2); queue until the
			// matching CommitTransactionAction.
			pendingAcks = append(pendingAcks, a.Handlers...)

		case SendInitialAction:
			payload, err := encodeInitialMessage(a)
			if err != nil {
				return err
			}
			if err := x.Bus.Send(ctx, a.Destination, payload, a.DedupId); err != nil {
				return err
			}

		case SendExistingAction:
			if err := x.sendExisting(ctx, a.Message); err != nil {
				return err
			}

		case SendMultipleAction:
			for _, m := range a.Messages {
				if err := x.sendExisting(ctx, m); err != nil {
					return err
				}
			}

		case PropagateErrorsAction:
			for _, m := range a.Messages {
				if err := x.sendExisting(ctx, m); err != nil {
					return err
				}
			}

		case ScheduleFlowTimeoutAction:
			token, err := x.Timers.Schedule(ctx, a.FlowId, a.At)
			if err != nil {
				return err
			}
			x.Registry.TrackTimer(a.FlowId, token)

		case CancelFlowTimeoutAction:
			if token, ok := x.Registry.ResolveTimerToken(a.FlowId); ok {
				if err := x.Timers.Cancel(ctx, token); err != nil {
					return err
				}
			}

		case ExecuteAsyncOperationAction:
			if err := x.Async.Submit(ctx, a.FlowId, a.DedupId, a.Op); err != nil {
				return err
			}

		case SleepUntilAction:
			// A pure bookkeeping marker for the fiber/history recorder;
			// no collaborator call corresponds to it.

		case TrackTransactionAction:
			x.Registry.TrackTransaction(a.FlowId, tx)

		case ReleaseSoftLocksAction:
			if err := x.Hospital.ReleaseSoftLocks(ctx, a.FlowId); err != nil {
				return err
			}

		case RemoveFlowAction:
			x.Registry.RemoveFlow(a.FlowId, a.Outcome)

		case RemoveSessionBindingsAction:
			x.Registry.RemoveSessionBindings(a.SessionIds)

		case RetryFlowFromSafePointAction:
			x.Registry.RetryFlowFromSafePoint(a.FlowId)

		default:
			return newEngineError("UNKNOWN_ACTION", "unrecognised action kind: "+action.Kind())
		}
	}

	return nil
}

func (x *Executor) sendExisting(ctx context.Context, m OutboundMessage) error {
	payload, err := encodeExistingMessage(m)
	if err != nil {
		return err
	}
	return x.Bus.Send(ctx, sessionDestination(m.SessionId), payload, m.DedupId)
}

// sessionDestination derives a bus destination key from a SessionId. The
// wire/transport binding of SessionId to a concrete peer address is out of
// scope (spec.md §1 names the RPC shell as an external collaborator); real
// deployments resolve destinations through the session table built up by
// InitiateFlowEvent/handleConfirmSession instead of this placeholder.
func sessionDestination(id SessionId) string {
	return "session:" + id.String()
}
