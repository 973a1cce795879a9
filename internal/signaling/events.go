package signaling

import (
	"encoding/json"
	"time"

	"github.com/peerlink-chat/peerlink/internal/store"
)

// Server-to-client event types. Every frame the coordinator emits carries one
// of these in its "type" field.
const (
	eventError = "error"

	eventOnlineUsers = "online-users"
	eventUserJoined  = "user-joined"
	eventUserLeft    = "user-left"

	eventSearchResults = "search-results"

	eventPendingInvites = "pending-invites"
	eventNewInvite      = "new-invite"
	eventInviteSent     = "invite-sent"
	eventInviteError    = "invite-error"
	eventInviteAccepted = "invite-accepted"
	eventInviteRejected = "invite-rejected"

	eventActiveChats = "active-chats"

	eventCallInitiated = "call-initiated"
	eventIncomingCall  = "incoming-call"
	eventCallAccepted  = "call-accepted"
	eventCallWaitOffer = "call-accepted-wait-for-offer"
	eventCallRejected  = "call-rejected"
	eventCallFailed    = "call-failed"
	eventCallTimeout   = "call-timeout"
	eventCallEnded     = "call-ended"

	eventOffer        = "webrtc-offer"
	eventAnswer       = "webrtc-answer"
	eventICECandidate = "webrtc-ice-candidate"
	eventOfferPending = "webrtc-offer-pending"
)

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newErrorEvent(message string) errorEvent {
	return errorEvent{Type: eventError, Message: message}
}

type userRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type onlineUsersEvent struct {
	Type  string    `json:"type"`
	Users []userRef `json:"users"`
}

type userPresenceEvent struct {
	Type string  `json:"type"`
	User userRef `json:"user"`
}

type searchResult struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Online   bool   `json:"online"`
}

type searchResultsEvent struct {
	Type  string         `json:"type"`
	Users []searchResult `json:"users"`
}

type inviteView struct {
	ID        string    `json:"id"`
	FromID    string    `json:"fromId"`
	FromName  string    `json:"fromName"`
	ToID      string    `json:"toId"`
	ToName    string    `json:"toName"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func newInviteView(inv *store.Invite) inviteView {
	return inviteView{
		ID:        inv.ID,
		FromID:    inv.FromID,
		FromName:  inv.FromName,
		ToID:      inv.ToID,
		ToName:    inv.ToName,
		Message:   inv.Message,
		CreatedAt: inv.CreatedAt,
	}
}

type pendingInvitesEvent struct {
	Type    string       `json:"type"`
	Invites []inviteView `json:"invites"`
}

type inviteEvent struct {
	Type   string     `json:"type"`
	Invite inviteView `json:"invite"`
}

type inviteErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type inviteAcceptedEvent struct {
	Type     string  `json:"type"`
	InviteID string  `json:"inviteId"`
	ChatID   string  `json:"chatId"`
	Peer     userRef `json:"peer"`
	Online   bool    `json:"online"`
}

type inviteRejectedEvent struct {
	Type     string `json:"type"`
	InviteID string `json:"inviteId"`
	ByID     string `json:"byId"`
	ByName   string `json:"byName"`
}

type chatView struct {
	ChatID     string    `json:"chatId"`
	PeerID     string    `json:"peerId"`
	PeerName   string    `json:"peerName"`
	PeerOnline bool      `json:"peerOnline"`
	CreatedAt  time.Time `json:"createdAt"`
}

type activeChatsEvent struct {
	Type  string     `json:"type"`
	Chats []chatView `json:"chats"`
}

type callInitiatedEvent struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	ChatID string `json:"chatId"`
}

type incomingCallEvent struct {
	Type     string `json:"type"`
	CallID   string `json:"callId"`
	ChatID   string `json:"chatId"`
	FromID   string `json:"fromId"`
	FromName string `json:"fromName"`
}

type callAcceptedEvent struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	ChatID string `json:"chatId"`
	ByID   string `json:"byId"`
	ByName string `json:"byName"`
}

type callWaitOfferEvent struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	ChatID string `json:"chatId"`
}

type callRejectedEvent struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	ChatID string `json:"chatId"`
	Reason string `json:"reason,omitempty"`
}

type callFailedEvent struct {
	Type   string `json:"type"`
	CallID string `json:"callId,omitempty"`
	ChatID string `json:"chatId"`
	Reason string `json:"reason"`
}

type callTimeoutEvent struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	ChatID string `json:"chatId"`
}

type callEndedEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	Reason string `json:"reason"`
}

type offerEvent struct {
	Type     string          `json:"type"`
	ChatID   string          `json:"chatId"`
	FromID   string          `json:"fromId"`
	FromName string          `json:"fromName"`
	Payload  json.RawMessage `json:"payload"`
}

type answerEvent struct {
	Type    string          `json:"type"`
	ChatID  string          `json:"chatId"`
	FromID  string          `json:"fromId"`
	Payload json.RawMessage `json:"payload"`
}

type iceCandidateEvent struct {
	Type    string          `json:"type"`
	ChatID  string          `json:"chatId"`
	FromID  string          `json:"fromId"`
	Payload json.RawMessage `json:"payload"`
}

type offerPendingEvent struct {
	Type     string `json:"type"`
	ChatID   string `json:"chatId"`
	TargetID string `json:"targetId"`
}
