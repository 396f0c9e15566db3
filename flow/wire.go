package flow

// Wire message shapes produced by the engine (§6). The wire serialization
// format itself is out of scope (spec.md §1); these three shapes are the
// session protocol's contract with the message bus and must round-trip
// through JSON.

// InitialSessionMessage opens a new session on the receiving flow.
type InitialSessionMessage struct {
	InitiatorSessionId SessionId `json:"initiator_session_id"`
	FlowClassName      string    `json:"flow_class_name"`
	AppName            string    `json:"app_name"`
	PlatformVersion    string    `json:"platform_version"`
	Payload            Payload   `json:"payload"`
}

// ExistingSessionMessageKind discriminates the payload carried by an
// ExistingSessionMessage.
type ExistingSessionMessageKind string

const (
	ExistingMessageData    ExistingSessionMessageKind = "data"
	ExistingMessageConfirm ExistingSessionMessageKind = "confirm"
	ExistingMessageEnd     ExistingSessionMessageKind = "end"
	ExistingMessageError   ExistingSessionMessageKind = "error"
)

// ExistingSessionMessage carries a message on an already-open session.
type ExistingSessionMessage struct {
	RecipientSessionId SessionId                  `json:"recipient_session_id"`
	Kind               ExistingSessionMessageKind `json:"kind"`
	Seq                uint64                     `json:"seq,omitempty"`
	Payload            Payload                    `json:"payload,omitempty"`
	// ConfirmPeerSessionId is set when Kind == ExistingMessageConfirm: it is
	// the sender's own session id, completing the peer's handshake.
	ConfirmPeerSessionId SessionId            `json:"confirm_peer_session_id,omitempty"`
	// ConfirmPeerParty identifies the confirming party (flow class / node
	// name) for display purposes; the engine does not interpret it.
	ConfirmPeerParty string               `json:"confirm_peer_party,omitempty"`
	Error            *ErrorSessionMessage `json:"error,omitempty"`
}

// ErrorSessionMessage carries either a full FlowException payload (first
// hop) or just the correlating error id (subsequent hops), per §4.1.2.
type ErrorSessionMessage struct {
	ErrorId        uint64  `json:"error_id"`
	ExceptionCode  string  `json:"exception_code,omitempty"`
	ExceptionMsg   string  `json:"exception_message,omitempty"`
	HasException   bool    `json:"has_exception"`
}

// ToPayload derives the MessagePayload this error session message
// represents, for feeding into MessageReceivedEvent.
func (m ErrorSessionMessage) ToPayload() ErrorPayload {
	if !m.HasException {
		return ErrorPayload{ErrorId: m.ErrorId}
	}
	return ErrorPayload{
		ErrorId: m.ErrorId,
		Exception: &FlowException{
			Code:    m.ExceptionCode,
			Message: m.ExceptionMsg,
		},
	}
}

// NewErrorSessionMessage builds the wire form of a FlowError, including
// the payload only when the error is user-raised and originated locally
// (originalErrorId == 0), matching §7's "propagates ... on first hop only."
func NewErrorSessionMessage(fe FlowError) ErrorSessionMessage {
	msg := ErrorSessionMessage{ErrorId: fe.ErrorId}
	if ux, ok := fe.AsFlowException(); ok && ux.IsOriginal() {
		msg.HasException = true
		msg.ExceptionCode = ux.Code
		msg.ExceptionMsg = ux.Message
	}
	return msg
}
