package flow

// Action is the closed sum type of every side effect the transition
// function can request. The executor (executor.go) interprets a []Action
// strictly in order; it never reorders, batches, or drops entries (§4.2).
type Action interface {
	isAction()
	Kind() string
}

// CreateTransactionAction opens the transactional span that every
// persistence action in the same list must fall inside.
type CreateTransactionAction struct{}

func (CreateTransactionAction) isAction()      {}
func (CreateTransactionAction) Kind() string { return "create_transaction" }

// CommitTransactionAction closes a transactional span successfully.
type CommitTransactionAction struct{}

func (CommitTransactionAction) isAction()      {}
func (CommitTransactionAction) Kind() string { return "commit_transaction" }

// RollbackTransactionAction aborts a transactional span; nothing written
// inside it is durable.
type RollbackTransactionAction struct {
	Reason error
}

func (RollbackTransactionAction) isAction()      {}
func (RollbackTransactionAction) Kind() string { return "rollback_transaction" }

// PersistCheckpointAction upserts the checkpoint by (id, num_commits),
// rejecting a stale commit counter (ErrStaleCheckpoint).
type PersistCheckpointAction struct {
	Checkpoint Checkpoint
	IsUpdate   bool
}

func (PersistCheckpointAction) isAction()      {}
func (PersistCheckpointAction) Kind() string { return "persist_checkpoint" }

// RemoveCheckpointAction deletes the checkpoint row. When
// MayHavePersistentResults is true the result/exception rows are kept for
// later client_id retrieval (spec.md §3 Lifecycle).
type RemoveCheckpointAction struct {
	Id                       FlowId
	MayHavePersistentResults bool
}

func (RemoveCheckpointAction) isAction()      {}
func (RemoveCheckpointAction) Kind() string { return "remove_checkpoint" }

// PersistDeduplicationFactsAction atomically inserts dedup records; a
// conflict means the message was already delivered, which is not an error.
type PersistDeduplicationFactsAction struct {
	Facts []DeduplicationFact
}

func (PersistDeduplicationFactsAction) isAction()      {}
func (PersistDeduplicationFactsAction) Kind() string { return "persist_deduplication_facts" }

// AcknowledgeMessagesAction acks the given dedup handlers to the bus. Per
// §4.2, the executor must only perform this after the owning transaction
// has committed.
type AcknowledgeMessagesAction struct {
	Handlers []DedupHandler
}

func (AcknowledgeMessagesAction) isAction()      {}
func (AcknowledgeMessagesAction) Kind() string { return "acknowledge_messages" }

// OutboundMessage is one message this action asks the bus to deliver.
type OutboundMessage struct {
	SessionId SessionId
	DedupId   DedupId
	Payload   MessagePayload
}

// SendInitialAction publishes the handshake-opening message for a newly
// Initiating session.
type SendInitialAction struct {
	SessionId     SessionId
	Destination   string
	FlowClassName string
	Payload       Payload
	DedupId       DedupId
}

func (SendInitialAction) isAction()      {}
func (SendInitialAction) Kind() string { return "send_initial" }

// SendExistingAction publishes a single message on an already-Initiated
// session.
type SendExistingAction struct {
	Message OutboundMessage
}

func (SendExistingAction) isAction()      {}
func (SendExistingAction) Kind() string { return "send_existing" }

// SendMultipleAction publishes an ordered batch of messages, used to flush
// buffered_messages once a session upgrades to Initiated.
type SendMultipleAction struct {
	Messages []OutboundMessage
}

func (SendMultipleAction) isAction()      {}
func (SendMultipleAction) Kind() string { return "send_multiple" }

// PropagateErrorsAction emits the given error messages to every listed
// still-live Initiated session (§4.1.2 step 3).
type PropagateErrorsAction struct {
	Messages   []OutboundMessage
	SessionIds []SessionId
	SenderUUID FlowId
}

func (PropagateErrorsAction) isAction()      {}
func (PropagateErrorsAction) Kind() string { return "propagate_errors" }

// ScheduleFlowTimeoutAction schedules a timer keyed by FlowId; idempotent
// if called again before the timer fires.
type ScheduleFlowTimeoutAction struct {
	FlowId FlowId
	At     int64 // unix nanos; avoids time.Time so actions stay byte-comparable for replay tests
}

func (ScheduleFlowTimeoutAction) isAction()      {}
func (ScheduleFlowTimeoutAction) Kind() string { return "schedule_flow_timeout" }

// CancelFlowTimeoutAction cancels a previously scheduled timer.
type CancelFlowTimeoutAction struct {
	FlowId FlowId
}

func (CancelFlowTimeoutAction) isAction()      {}
func (CancelFlowTimeoutAction) Kind() string { return "cancel_flow_timeout" }

// ExecuteAsyncOperationAction hands off work to an external runner; its
// completion is surfaced back as an AsyncOpCompletedEvent.
type ExecuteAsyncOperationAction struct {
	FlowId  FlowId
	DedupId DedupId
	Op      Payload
}

func (ExecuteAsyncOperationAction) isAction()      {}
func (ExecuteAsyncOperationAction) Kind() string { return "execute_async_operation" }

// SleepUntilAction parks the fiber until the given instant without
// involving the timer service's retry semantics.
type SleepUntilAction struct {
	At int64
}

func (SleepUntilAction) isAction()      {}
func (SleepUntilAction) Kind() string { return "sleep_until" }

// TrackTransactionAction registers the live transaction in the concurrent
// FlowId → transaction registry described in §5.
type TrackTransactionAction struct {
	FlowId FlowId
}

func (TrackTransactionAction) isAction()      {}
func (TrackTransactionAction) Kind() string { return "track_transaction" }

// ReleaseSoftLocksAction releases advisory locks taken on state consumed
// by the flow, at flow termination.
type ReleaseSoftLocksAction struct {
	FlowId FlowId
}

func (ReleaseSoftLocksAction) isAction()      {}
func (ReleaseSoftLocksAction) Kind() string { return "release_soft_locks" }

// RemoveFlowAction destroys the flow's in-memory fiber/session bindings
// and records its terminal outcome. Per invariant 5, no action may
// reference this FlowId after this executes.
type RemoveFlowAction struct {
	FlowId  FlowId
	Outcome FinishOutcome
}

func (RemoveFlowAction) isAction()      {}
func (RemoveFlowAction) Kind() string { return "remove_flow" }

// RemoveSessionBindingsAction tears down the scheduler's session-id →
// FlowId routing entries for the given sessions.
type RemoveSessionBindingsAction struct {
	SessionIds []SessionId
}

func (RemoveSessionBindingsAction) isAction()      {}
func (RemoveSessionBindingsAction) Kind() string { return "remove_session_bindings" }

// RetryFlowFromSafePointAction is emitted by the error-flow transition's
// RetryFromSafePoint handling; it instructs the scheduler to reload the
// last committed checkpoint and re-drive the fiber from there.
type RetryFlowFromSafePointAction struct {
	FlowId FlowId
}

func (RetryFlowFromSafePointAction) isAction()      {}
func (RetryFlowFromSafePointAction) Kind() string { return "retry_flow_from_safe_point" }
