package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type messageType string

const (
	messageTypeAuth          messageType = "auth"
	messageTypeSearchUsers   messageType = "search-users"
	messageTypeSendInvite    messageType = "send-invite"
	messageTypeRespondInvite messageType = "respond-invite"
	messageTypeCallInitiate  messageType = "call-initiate"
	messageTypeCallAccept    messageType = "call-accept"
	messageTypeCallReject    messageType = "call-reject"
	messageTypeOffer         messageType = "webrtc-offer"
	messageTypeAnswer        messageType = "webrtc-answer"
	messageTypeICECandidate  messageType = "webrtc-ice-candidate"
	messageTypeConnected     messageType = "webrtc-connected"
)

const (
	decisionAccept = "accept"
	decisionReject = "reject"
)

// clientMessage is the envelope for every client-to-server frame. Payload is
// relayed verbatim and never inspected; the coordinator has no opinion on
// SDP or ICE internals.
type clientMessage struct {
	Type messageType `json:"type"`

	Token string `json:"token,omitempty"`

	Term string `json:"term,omitempty"`

	ToName  string `json:"toName,omitempty"`
	Message string `json:"message,omitempty"`

	InviteID string `json:"inviteId,omitempty"`
	Decision string `json:"decision,omitempty"`

	CallID string `json:"callId,omitempty"`
	ChatID string `json:"chatId,omitempty"`
	// TargetID is optional on call-initiate and the webrtc-* messages; when
	// present it must name the chat counterpart.
	TargetID string `json:"targetId,omitempty"`
	Reason   string `json:"reason,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeAuth:
		if m.Token == "" {
			return fmt.Errorf("auth message missing token")
		}
	case messageTypeSearchUsers:
		if m.Term == "" {
			return fmt.Errorf("search-users message missing term")
		}
	case messageTypeSendInvite:
		if m.ToName == "" {
			return fmt.Errorf("send-invite message missing toName")
		}
	case messageTypeRespondInvite:
		if m.InviteID == "" {
			return fmt.Errorf("respond-invite message missing inviteId")
		}
		if m.Decision != decisionAccept && m.Decision != decisionReject {
			return fmt.Errorf("respond-invite message has decision=%q", m.Decision)
		}
	case messageTypeCallInitiate:
		if m.ChatID == "" {
			return fmt.Errorf("call-initiate message missing chatId")
		}
	case messageTypeCallAccept, messageTypeCallReject:
		if m.CallID == "" {
			return fmt.Errorf("%s message missing callId", m.Type)
		}
	case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
		if m.ChatID == "" {
			return fmt.Errorf("%s message missing chatId", m.Type)
		}
		if len(m.Payload) == 0 {
			return fmt.Errorf("%s message missing payload", m.Type)
		}
	case messageTypeConnected:
		if m.ChatID == "" {
			return fmt.Errorf("webrtc-connected message missing chatId")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
