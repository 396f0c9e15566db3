package flow

import "encoding/json"

// encodeInitialMessage renders a SendInitialAction as the on-the-wire
// InitialSessionMessage bytes the message bus carries (§6). AppName and
// PlatformVersion are populated by the bus adapter from deployment-level
// configuration the engine itself does not know; they are left zero here.
func encodeInitialMessage(a SendInitialAction) ([]byte, error) {
	return json.Marshal(InitialSessionMessage{
		InitiatorSessionId: a.SessionId,
		FlowClassName:      a.FlowClassName,
		Payload:            a.Payload,
	})
}

// encodeExistingMessage renders one OutboundMessage as the on-the-wire
// ExistingSessionMessage bytes, dispatching on the MessagePayload's
// concrete kind.
func encodeExistingMessage(m OutboundMessage) ([]byte, error) {
	wire := ExistingSessionMessage{RecipientSessionId: m.SessionId}
	switch p := m.Payload.(type) {
	case DataPayload:
		wire.Kind = ExistingMessageData
		wire.Seq = p.Seq
		wire.Payload = p.Payload
	case ConfirmSessionPayload:
		wire.Kind = ExistingMessageConfirm
		wire.ConfirmPeerSessionId = p.PeerSessionId
		wire.ConfirmPeerParty = p.PeerParty
	case EndPayload:
		wire.Kind = ExistingMessageEnd
	case ErrorPayload:
		wire.Kind = ExistingMessageError
		esm := ErrorSessionMessage{ErrorId: p.ErrorId}
		if p.Exception != nil {
			esm.HasException = true
			esm.ExceptionCode = p.Exception.Code
			esm.ExceptionMsg = p.Exception.Message
		}
		wire.Error = &esm
	default:
		return nil, newEngineError("UNKNOWN_MESSAGE_PAYLOAD", "unrecognised message payload kind: "+p.Kind())
	}
	return json.Marshal(wire)
}

// decodeExistingMessage is the bus-adapter-facing inverse of
// encodeExistingMessage, used by the fiber/scheduler to turn raw bus bytes
// back into a MessageReceivedEvent's MessagePayload.
func decodeExistingMessage(body []byte) (ExistingSessionMessage, error) {
	var wire ExistingSessionMessage
	err := json.Unmarshal(body, &wire)
	return wire, err
}

// ToMessagePayload classifies an ExistingSessionMessage into the
// MessagePayload variant the transition function expects.
func (m ExistingSessionMessage) ToMessagePayload() (MessagePayload, error) {
	switch m.Kind {
	case ExistingMessageData:
		return DataPayload{Seq: m.Seq, Payload: m.Payload}, nil
	case ExistingMessageConfirm:
		return ConfirmSessionPayload{PeerSessionId: m.ConfirmPeerSessionId, PeerParty: m.ConfirmPeerParty}, nil
	case ExistingMessageEnd:
		return EndPayload{}, nil
	case ExistingMessageError:
		if m.Error == nil {
			return nil, newEngineError("MALFORMED_MESSAGE", "error message missing error body")
		}
		return m.Error.ToPayload(), nil
	default:
		return nil, newEngineError("UNKNOWN_MESSAGE_KIND", "unrecognised wire message kind: "+string(m.Kind))
	}
}
