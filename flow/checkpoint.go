package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// Checkpoint handles durable execution snapshots.

// ErrIdempotencyViolation names an attempt to commit a checkpoint whose
// IdempotencyKey was already durably committed. No store or executor in this
// module returns it: a replayed commit carries a NumCommits that is not
// greater than the stored one, and the stores reject it with
// ErrStaleCheckpoint.
var ErrIdempotencyViolation = errors.New("flow: idempotency violation: checkpoint already committed")

// ErrStaleCheckpoint is returned by flow/store.CheckpointStore.Upsert when
// the supplied NumCommits is not strictly greater than the stored value —
// the optimistic-replace rejection named in spec.md §6.
var ErrStaleCheckpoint = errors.New("flow: stale checkpoint: num_commits did not advance")

// Status is the observable lifecycle state of a checkpoint (spec.md §3).
type Status string

const (
	StatusRunnable     Status = "runnable"
	StatusHospitalized Status = "hospitalized"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusKilled       Status = "killed"
)

// Terminal reports whether a flow in this status is done running: the
// checkpoint is scheduled for removal per invariant 2.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled:
		return true
	default:
		return false
	}
}

// FlowState is the closed sum type for §3's flow_state field: a flow is
// Unstarted (holding its invocation args), Started (suspended somewhere,
// with a frozen call stack blob), or Finished.
type FlowState interface {
	isFlowState()
	Kind() string
}

// UnstartedState holds the arguments a flow will be invoked with once Start
// is processed.
type UnstartedState struct {
	Args Payload `json:"args"`
}

func (UnstartedState) isFlowState() {}
func (UnstartedState) Kind() string { return "unstarted" }

// SuspendReason enumerates the cooperative suspension points of spec.md §5:
// a fiber only ever yields at one of these, and the scheduler only ever
// resumes it via the matching event.
type SuspendReason string

const (
	SuspendAwaitingSession SuspendReason = "awaiting_session"
	SuspendAwaitingAsyncOp SuspendReason = "awaiting_async_op"
	SuspendAwaitingTimer   SuspendReason = "awaiting_timer"
	SuspendAwaitingSubflow SuspendReason = "awaiting_subflow"
	SuspendExplicit        SuspendReason = "explicit_suspend"
)

// StartedState holds a flow's suspension point and its frozen user-code
// stack: the serializable blob the Design Notes describe as the Go
// rendering of the source's coroutine continuation. The engine never
// inspects CallStack's contents; it is opaque to everything except the
// fiber that froze it and will later thaw it on resume.
type StartedState struct {
	Reason SuspendReason `json:"reason"`
	// AwaitingSessions lists the sessions a SuspendAwaitingSession fiber is
	// blocked on; MessageReceived only resumes the fiber once every session
	// in this list has a message available (§4.1.1).
	AwaitingSessions []SessionId `json:"awaiting_sessions,omitempty"`
	CallStack        Payload     `json:"call_stack"`
}

func (StartedState) isFlowState() {}
func (StartedState) Kind() string { return "started" }

// FinishedState marks a flow that has produced its final outcome.
type FinishedState struct {
	Result FinishOutcome `json:"result"`
}

func (FinishedState) isFlowState() {}
func (FinishedState) Kind() string { return "finished" }

// FinishOutcome is a flow's terminal result: either an orderly value or the
// accumulated errors of an ErrorFinish (§7).
type FinishOutcome struct {
	Orderly bool        `json:"orderly"`
	Value   Payload     `json:"value,omitempty"`
	Errors  []FlowError `json:"errors,omitempty"`
}

// ErrorState holds §3's error_state field: whether the flow has errored, the
// errors raised so far, and how far they have been propagated.
type ErrorState struct {
	Errored bool `json:"errored"`
	// Errors accumulates every FlowError raised during this flow's life, in
	// raising order. Only meaningful when Errored is true.
	Errors []FlowError `json:"errors,omitempty"`
	// PropagatedIndex is the count of entries in Errors already propagated
	// to live peer sessions. Invariant 3: never exceeds len(Errors).
	PropagatedIndex int `json:"propagated_index"`
	// Propagating is true once StartErrorPropagation has fired for this
	// flow; until then, errors accumulate but are not sent to peers.
	Propagating bool `json:"propagating"`
}

// InvocationContext records who started the flow, when, with what
// arguments, and (optionally) a client id for external-result retrieval
// after the checkpoint is removed.
type InvocationContext struct {
	StartedBy string    `json:"started_by"`
	StartedAt time.Time `json:"started_at"`
	// FlowClassName names the FlowFunc this flow runs, resolved through a
	// FlowFuncRegistry both at Start and on every resume after a crash.
	FlowClassName string  `json:"flow_class_name"`
	Args          Payload `json:"args"`
	// ClientId, when set, keeps the checkpoint row (without the live
	// session table) after RemoveFlow so a client can later retrieve the
	// OrderlyFinish/ErrorFinish outcome by this id (spec.md §3 Lifecycle).
	ClientId string `json:"client_id,omitempty"`
}

// DeduplicationFact is one unacked inbound-message dedup record that must
// ride with the checkpoint commit that consumed it (invariant 5): it either
// lives here, pending, or has already been folded into the durable
// deduplication log — never both, never neither.
type DeduplicationFact struct {
	DedupId    DedupId   `json:"dedup_id"`
	SessionId  SessionId `json:"session_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CheckpointState bundles the two pieces of a checkpoint that change on
// essentially every commit: the session table and the monotonic commit
// counter used for optimistic-replace (invariant 6).
type CheckpointState struct {
	Sessions   SessionTable `json:"sessions"`
	NumCommits uint64       `json:"num_commits"`
}

// Checkpoint is the durable unit of spec.md §3: everything needed to
// resume a flow exactly where it left off.
type Checkpoint struct {
	Id                FlowId              `json:"id"`
	InvocationContext InvocationContext   `json:"invocation_context"`
	FlowState         FlowState           `json:"-"`
	CheckpointState   CheckpointState     `json:"checkpoint_state"`
	ErrorState        ErrorState          `json:"error_state"`
	Status            Status              `json:"status"`
	PendingDedupFacts []DeduplicationFact `json:"pending_deduplication_facts,omitempty"`
}

// IdempotencyKey derives the commit-deduplication hash described in
// SPEC_FULL.md §3, ported in shape from the teacher's computeIdempotencyKey:
// SHA-256 over the flow id, the commit counter, the sorted session table,
// and the error state, hex-encoded with a "sha256:" format prefix. Two
// independently-computed commits of the same logical state produce the
// same key. The executor and the stores do not use it; they detect a
// replayed commit by NumCommits alone (ErrStaleCheckpoint).
func (cp Checkpoint) IdempotencyKey() (string, error) {
	h := sha256.New()
	h.Write(cp.Id[:])

	var nc [8]byte
	for i := 0; i < 8; i++ {
		nc[7-i] = byte(cp.CheckpointState.NumCommits >> (8 * i))
	}
	h.Write(nc[:])

	ids := make([]SessionId, 0, len(cp.CheckpointState.Sessions))
	for id := range cp.CheckpointState.Sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		st := cp.CheckpointState.Sessions[id]
		b, err := json.Marshal(struct {
			ID    SessionId
			Kind  string
			State SessionState
		}{id, st.Kind(), st})
		if err != nil {
			return "", err
		}
		h.Write(b)
	}

	errBytes, err := json.Marshal(cp.ErrorState)
	if err != nil {
		return "", err
	}
	h.Write(errBytes)

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// checkpointWire is the JSON-serializable mirror of Checkpoint, needed
// because FlowState and SessionState are interfaces. CheckpointStore
// adapters marshal/unmarshal through this type rather than Checkpoint
// directly.
type checkpointWire struct {
	Id                FlowId              `json:"id"`
	InvocationContext InvocationContext   `json:"invocation_context"`
	FlowStateKind     string              `json:"flow_state_kind"`
	FlowStateBody     json.RawMessage     `json:"flow_state_body"`
	CheckpointState   checkpointStateWire `json:"checkpoint_state"`
	ErrorState        ErrorState          `json:"error_state"`
	Status            Status              `json:"status"`
	PendingDedupFacts []DeduplicationFact `json:"pending_deduplication_facts,omitempty"`
}

type checkpointStateWire struct {
	Sessions   []sessionWire `json:"sessions"`
	NumCommits uint64        `json:"num_commits"`
}

type sessionWire struct {
	Id   SessionId       `json:"id"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// MarshalJSON encodes Checkpoint through checkpointWire, tagging the
// FlowState and each SessionState with a Kind discriminator so
// UnmarshalJSON can reconstruct the correct concrete type.
func (cp Checkpoint) MarshalJSON() ([]byte, error) {
	w := checkpointWire{
		Id:                cp.Id,
		InvocationContext: cp.InvocationContext,
		ErrorState:        cp.ErrorState,
		Status:            cp.Status,
		PendingDedupFacts: cp.PendingDedupFacts,
		CheckpointState: checkpointStateWire{
			NumCommits: cp.CheckpointState.NumCommits,
		},
	}
	if cp.FlowState != nil {
		w.FlowStateKind = cp.FlowState.Kind()
		body, err := json.Marshal(cp.FlowState)
		if err != nil {
			return nil, err
		}
		w.FlowStateBody = body
	}
	for id, st := range cp.CheckpointState.Sessions {
		body, err := json.Marshal(st)
		if err != nil {
			return nil, err
		}
		w.CheckpointState.Sessions = append(w.CheckpointState.Sessions, sessionWire{
			Id: id, Kind: st.Kind(), Body: body,
		})
	}
	sort.Slice(w.CheckpointState.Sessions, func(i, j int) bool {
		return w.CheckpointState.Sessions[i].Id < w.CheckpointState.Sessions[j].Id
	})
	return json.Marshal(w)
}

// UnmarshalJSON decodes a Checkpoint previously produced by MarshalJSON,
// dispatching on the Kind discriminators to reconstruct the closed
// FlowState/SessionState sum types.
func (cp *Checkpoint) UnmarshalJSON(data []byte) error {
	var w checkpointWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	cp.Id = w.Id
	cp.InvocationContext = w.InvocationContext
	cp.ErrorState = w.ErrorState
	cp.Status = w.Status
	cp.PendingDedupFacts = w.PendingDedupFacts
	cp.CheckpointState.NumCommits = w.CheckpointState.NumCommits

	if len(w.FlowStateBody) > 0 {
		fs, err := decodeFlowState(w.FlowStateKind, w.FlowStateBody)
		if err != nil {
			return err
		}
		cp.FlowState = fs
	}

	if len(w.CheckpointState.Sessions) > 0 {
		cp.CheckpointState.Sessions = make(SessionTable, len(w.CheckpointState.Sessions))
		for _, sw := range w.CheckpointState.Sessions {
			st, err := decodeSessionState(sw.Kind, sw.Body)
			if err != nil {
				return err
			}
			cp.CheckpointState.Sessions[sw.Id] = st
		}
	}
	return nil
}

func decodeFlowState(kind string, body json.RawMessage) (FlowState, error) {
	switch kind {
	case "unstarted":
		var s UnstartedState
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		return s, nil
	case "started":
		var s StartedState
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		return s, nil
	case "finished":
		var s FinishedState
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, &EngineError{Code: "UNKNOWN_FLOW_STATE", Message: "unknown flow state kind: " + kind}
	}
}

func decodeSessionState(kind string, body json.RawMessage) (SessionState, error) {
	switch kind {
	case "uninitiated":
		var s UninitiatedSession
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		return s, nil
	case "initiating":
		var s InitiatingSession
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		return s, nil
	case "initiated":
		var s InitiatedSession
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, &EngineError{Code: "UNKNOWN_SESSION_STATE", Message: "unknown session state kind: " + kind}
	}
}

// MarshalJSON gives FlowError (declared in flowerror.go) a named encoder so
// the "Exception never appears on the wire directly" contract is explicit;
// the flattened Exception*/OriginalErrorId fields already carry everything
// needed to reconstruct it on the way back in.
func (fe FlowError) MarshalJSON() ([]byte, error) {
	type wire FlowError
	return json.Marshal(wire(fe))
}

// UnmarshalJSON reconstructs a live Exception value from the flattened wire
// fields so callers that deserialize a FlowError (e.g. after reading a
// checkpoint back from the store) can still use AsFlowException/IsInternal.
func (fe *FlowError) UnmarshalJSON(data []byte) error {
	type wire FlowError
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*fe = FlowError(w)
	switch fe.ExceptionKind {
	case "user":
		fe.Exception = &FlowException{
			Code:            fe.ExceptionCode,
			Message:         fe.ExceptionMessage,
			OriginalErrorId: fe.OriginalErrorId,
		}
	case "hospitalize":
		fe.Exception = &HospitalizeFlowException{Reason: fe.ExceptionMessage}
	default:
		fe.Exception = &InternalException{Message: fe.ExceptionMessage}
	}
	return nil
}
