package flow

// SessionState is the tagged variant of spec.md §3: a session on this side
// of a flow moves Uninitiated -> Initiating -> Initiated as the handshake
// of §4.5 progresses. It is a closed sum type via an unexported marker
// method, the same idiom the teacher uses for Next/Route (graph/node.go).
type SessionState interface {
	isSessionState()
	// Kind returns a stable discriminator used by JSON encoding and by
	// switches that want a string rather than a type assertion.
	Kind() string
}

// UninitiatedSession records a session this flow wants to open but has not
// yet sent the InitialSessionMessage for.
type UninitiatedSession struct {
	Destination string  `json:"destination"`
	Payload     Payload `json:"payload"`
}

func (UninitiatedSession) isSessionState() {}
func (UninitiatedSession) Kind() string    { return "uninitiated" }

// BufferedMessage is an outbound message queued behind an in-flight
// handshake: it cannot be sent until the peer confirms the session, or
// (per §4.1.2) it is an error message that jumps the queue ahead of data.
//
// Kind discriminates what Payload holds on flush: the zero value ("") and
// "data" both mean Payload is the raw application payload to wrap in a
// DataPayload; "error" means Payload is a JSON-encoded ErrorSessionMessage
// to wrap in an ErrorPayload instead (see handleConfirmSession).
type BufferedMessage struct {
	DedupId DedupId                    `json:"dedup_id"`
	Kind    ExistingSessionMessageKind `json:"kind,omitempty"`
	Payload Payload                    `json:"payload"`
}

// InitiatingSession records a session whose InitialSessionMessage has been
// (or is about to be) sent, awaiting the peer's ConfirmSession.
type InitiatingSession struct {
	OurSessionId      SessionId         `json:"our_session_id"`
	InitiatingMessage InitialMessage    `json:"initiating_message"`
	Sent              bool              `json:"sent"`
	BufferedMessages  []BufferedMessage `json:"buffered_messages"`
	// RejectionError is set once an error has been queued for this session,
	// per §4.1.2's "lacking a rejection_error" guard against double-queuing.
	RejectionError *FlowError `json:"rejection_error,omitempty"`
}

func (InitiatingSession) isSessionState() {}
func (InitiatingSession) Kind() string    { return "initiating" }

// ReceivedMessage is one buffered inbound data message awaiting consumption
// by the flow (popped in FIFO order when the flow resumes awaiting it).
type ReceivedMessage struct {
	Seq     uint64  `json:"seq"`
	Payload Payload `json:"payload"`
}

// InitiatedSession is a fully established, bidirectional session: both
// sides have swapped session ids and either may send data, end, or error
// messages (invariant 4).
type InitiatedSession struct {
	OurSessionId      SessionId         `json:"our_session_id"`
	PeerSessionId     SessionId         `json:"peer_session_id"`
	PeerParty         string            `json:"peer_party"`
	NextSendSeq       uint64            `json:"next_send_seq"`
	ReceivedMessages  []ReceivedMessage `json:"received_messages"`
	OtherSideErrored  bool              `json:"other_side_errored"`
	OtherSideClosed   bool              `json:"other_side_closed"`
}

func (InitiatedSession) isSessionState() {}
func (InitiatedSession) Kind() string    { return "initiated" }

// Payload is an opaque user message body. The wire serialization format is
// explicitly out of scope (spec.md §1); the engine only needs to carry
// bytes between the transition function and the message bus.
type Payload []byte

// SessionMessage pairs a SessionId with the payload popped from that
// session's ReceivedMessages queue. A fiber suspended awaiting more than one
// session resumes with a JSON-encoded []SessionMessage, one entry per
// AwaitingSessions id in order — the tuple spec.md §4.1.1 describes as
// "pop the oldest message from each and Resume with the tuple."
type SessionMessage struct {
	SessionId SessionId `json:"session_id"`
	Payload   Payload   `json:"payload"`
}

// InitialMessage is the payload-bearing handshake message recorded on an
// InitiatingSession, kept separate from the wire-level InitialSessionMessage
// (wire.go) so the session table does not need to know about app/platform
// version fields it never inspects.
type InitialMessage struct {
	FlowClassName string  `json:"flow_class_name"`
	Payload       Payload `json:"payload"`
}

// SessionTable maps a flow's local SessionId to that session's state. It is
// the in-checkpoint analogue of the source's "sessions" map, kept as a
// plain map rather than a cyclic fiber<->session reference per the Design
// Notes' arena-and-index guidance: sessions reference flows only by FlowId,
// never by pointer.
type SessionTable map[SessionId]SessionState
