package flow

import "context"

// CheckpointStore is the durable key-value collaborator named in §6.
// Adapters live in package flow/store.
type CheckpointStore interface {
	Get(ctx context.Context, id FlowId) (Checkpoint, error)
	// Upsert rejects a supplied NumCommits that does not strictly exceed the
	// stored value with ErrStaleCheckpoint (invariant 6).
	Upsert(ctx context.Context, cp Checkpoint) error
	Remove(ctx context.Context, id FlowId, mayHavePersistentResults bool) error
	UpdateStatus(ctx context.Context, id FlowId, status Status) error
	List(ctx context.Context, status Status) ([]Checkpoint, error)
	// Result retrieves a persisted terminal outcome by client id, for flows
	// removed with MayHavePersistentResults set.
	Result(ctx context.Context, clientId string) (FinishOutcome, error)
}

// MessageBus is the reliable, per-destination-deduplicating transport
// named in §6. Adapters live in package flow/bus.
type MessageBus interface {
	Send(ctx context.Context, destination string, payload []byte, dedupId DedupId) error
	// Receive blocks until a message is available or ctx is cancelled. The
	// returned DedupHandler must be passed to Ack only after the
	// transaction that consumed the message has committed.
	Receive(ctx context.Context, destination string) (payload []byte, handler DedupHandler, err error)
	Ack(ctx context.Context, handler DedupHandler) error
}

// AsyncOpRunner is the external-operation collaborator named in §6.
type AsyncOpRunner interface {
	Submit(ctx context.Context, flowId FlowId, dedupId DedupId, op Payload) error
}

// TimerService is the deadline collaborator named in §6.
type TimerService interface {
	Schedule(ctx context.Context, flowId FlowId, atUnixNano int64) (token string, err error)
	Cancel(ctx context.Context, token string) error
}

// TransactionalScope is the scoped transaction-manager collaborator named
// in §6. It is acquired per engine entry point, never stashed globally
// (§5's "replace global thread-local context with scoped acquisition").
type TransactionalScope interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a single transactional span, bracketed by CreateTransactionAction
// and CommitTransactionAction/RollbackTransactionAction.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// HospitalVerdict is the flow hospital's instruction for an errored or
// stalled flow (§6, bidirectional collaborator).
type HospitalVerdict string

const (
	VerdictRetryFromSafePoint     HospitalVerdict = "retry_from_safe_point"
	VerdictStartErrorPropagation  HospitalVerdict = "start_error_propagation"
	VerdictPause                  HospitalVerdict = "pause"
	VerdictKill                   HospitalVerdict = "kill"
)

// FlowHospital receives errored/stalled flows and their transition history
// and decides their fate. Adapters live in package flow/hospital.
type FlowHospital interface {
	Admit(ctx context.Context, id FlowId, trace []HistoryEntry, cause error) (HospitalVerdict, error)
	ReleaseSoftLocks(ctx context.Context, id FlowId) error
}

// QueryService is the operator-facing read surface named in SPEC_FULL.md
// §1: the source spec states CheckpointStatus values are "surfaced to
// operators via a query interface" without spelling out that surface's
// shape, so this fills the gap with the minimum needed to list/inspect
// checkpoints and fetch retained results.
type QueryService interface {
	ListByStatus(ctx context.Context, status Status) ([]Checkpoint, error)
	Result(ctx context.Context, clientId string) (FinishOutcome, error)
}
