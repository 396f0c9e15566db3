// Package flow implements a durable flow state machine: a pure transition
// function, an ordered action executor, a cooperative fiber/scheduler, and
// the session/error propagation protocol that lets peered flows exchange
// messages with exactly-once semantics.
package flow

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// FlowId uniquely identifies a flow for its entire lifetime. It is assigned
// once at flow creation and never reused.
type FlowId uuid.UUID

// NewFlowId mints a fresh, random FlowId.
func NewFlowId() FlowId {
	return FlowId(uuid.New())
}

// String renders the FlowId in canonical UUID form.
func (id FlowId) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero-value FlowId (never assigned).
func (id FlowId) IsZero() bool {
	return id == FlowId{}
}

// ParseFlowId parses a canonical UUID string into a FlowId.
func ParseFlowId(s string) (FlowId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return FlowId{}, fmt.Errorf("flow: invalid flow id %q: %w", s, err)
	}
	return FlowId(u), nil
}

// SessionId is an opaque 64-bit token, unique per flow per peer instance.
// It has no meaning outside the pair of flows that negotiated it.
type SessionId uint64

// sessionSalt randomizes the high bits of minted SessionIds so that two
// processes restarted with the same monotonic counter never collide.
var sessionSalt = mustRandomUint64()

var sessionCounter atomic.Uint64

func mustRandomUint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure on a supported platform indicates a broken
		// entropy source; there is no safe way to mint session ids without it.
		panic(fmt.Sprintf("flow: failed to seed session salt: %v", err))
	}
	return binary.BigEndian.Uint64(b[:])
}

// String renders the SessionId as a decimal string, used to derive bus
// destination keys and log fields.
func (id SessionId) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// NewSessionId mints a process-unique SessionId by combining a monotonic
// counter with a per-process random salt. This keeps SessionIds unique per
// flow per peer instance without a central allocator, matching the
// "opaque 64-bit token" contract of spec.md §3.
func NewSessionId() SessionId {
	n := sessionCounter.Add(1)
	return SessionId(n ^ sessionSalt)
}

// DedupId is derived from (sender, monotonic sequence) for normal messages
// and from (errorId, sourceSessionId) for error messages. Two engines that
// observe the same logical message independently derive the same DedupId,
// which is what lets the message bus's at-least-once delivery collapse to
// exactly-once processing.
type DedupId string

// NewDataDedupId builds the DedupId for a normal data/confirm/end message.
func NewDataDedupId(sender SessionId, seq uint64) DedupId {
	return DedupId(fmt.Sprintf("seq:%d:%d", sender, seq))
}

// NewErrorDedupId builds the DedupId for an error message, collision-free
// against data messages by construction (distinct prefix).
func NewErrorDedupId(errorId uint64, sourceSessionId SessionId) DedupId {
	return DedupId(fmt.Sprintf("err:%d:%d", errorId, sourceSessionId))
}

// errorIdCounter mints globally-unique FlowError.ErrorId values. A real
// deployment would derive these from the checkpoint store (e.g. a sequence),
// but a process-local monotonic counter combined with a random salt is
// sufficient for the uniqueness contract FlowError needs: peers only ever
// compare ids they received on the wire, never mint their own for someone
// else's error.
var errorIdSalt = mustRandomUint64()
var errorIdCounter atomic.Uint64

// NewErrorId mints a globally-unique error identifier used to correlate a
// propagated FlowError across peers.
func NewErrorId() uint64 {
	n := errorIdCounter.Add(1)
	return n ^ errorIdSalt
}
