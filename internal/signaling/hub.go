package signaling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/peerlink-chat/peerlink/internal/auth"
	"github.com/peerlink-chat/peerlink/internal/call"
	"github.com/peerlink-chat/peerlink/internal/invite"
	"github.com/peerlink-chat/peerlink/internal/metrics"
	"github.com/peerlink-chat/peerlink/internal/presence"
	"github.com/peerlink-chat/peerlink/internal/store"
)

// Hub is the post-authentication core of the coordinator. It owns no
// sockets; the server hands it parsed frames plus a session handle, and it
// mutates presence, invite, and call state and fans events out to the
// affected parties.
type Hub struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	store    *store.Store
	presence *presence.Registry
	calls    *call.Machine
	invites  *invite.Ledger
	offers   *offerBuffer

	searchLimit   int
	sweepInterval time.Duration
	now           func() time.Time
}

type HubOptions struct {
	Log      *slog.Logger
	Metrics  *metrics.Metrics
	Store    *store.Store
	Presence *presence.Registry
	Calls    *call.Machine
	Invites  *invite.Ledger

	SearchLimit     int
	PendingOfferTTL time.Duration
	SweepInterval   time.Duration
}

func NewHub(opts HubOptions) *Hub {
	return &Hub{
		log:           opts.Log,
		metrics:       opts.Metrics,
		store:         opts.Store,
		presence:      opts.Presence,
		calls:         opts.Calls,
		invites:       opts.Invites,
		offers:        newOfferBuffer(opts.PendingOfferTTL),
		searchLimit:   opts.SearchLimit,
		sweepInterval: opts.SweepInterval,
		now:           time.Now,
	}
}

// peerConn is the hub's view of one connection's write side.
type peerConn interface {
	Send(v any) error
	Close(reason string)
}

// session is one authenticated connection as the hub sees it.
type session struct {
	conn     peerConn
	handle   *presence.Conn
	identity auth.Identity
}

// Connect registers the identity and replays state a reconnecting client
// needs: buffered offers first (most time-critical), then pending invites,
// active chats, and the current online roster. Finally the join is announced
// to everyone else.
func (h *Hub) Connect(ctx context.Context, c peerConn, id auth.Identity) *session {
	handle, prev := h.presence.Register(id.ID, id.Name, c)
	if prev != nil {
		prev.Close("replaced by new login")
		h.log.Info("replaced existing connection", slog.String("user_id", id.ID))
	}

	sess := &session{conn: c, handle: handle, identity: id}
	h.metrics.Inc(metrics.ConnectionsOpen)

	now := h.now()
	live, expired := h.offers.TakeAll(id.ID, now)
	h.metrics.Add(metrics.OffersExpired, uint64(expired))
	for _, o := range live {
		_ = c.Send(offerEvent{
			Type:     eventOffer,
			ChatID:   o.ChatID,
			FromID:   o.SenderID,
			FromName: o.SenderName,
			Payload:  o.Payload,
		})
		h.metrics.Inc(metrics.OffersDelivered)
	}

	if invites, err := h.invites.ListPending(ctx, id.ID); err != nil {
		h.log.Error("list pending invites", slog.String("user_id", id.ID), slog.Any("error", err))
	} else {
		views := make([]inviteView, 0, len(invites))
		for _, inv := range invites {
			views = append(views, newInviteView(inv))
		}
		_ = c.Send(pendingInvitesEvent{Type: eventPendingInvites, Invites: views})
	}

	if chats, err := h.activeChats(ctx, id.ID); err != nil {
		h.log.Error("list active chats", slog.String("user_id", id.ID), slog.Any("error", err))
	} else {
		_ = c.Send(activeChatsEvent{Type: eventActiveChats, Chats: chats})
	}

	others := h.presence.ListOthers(id.ID)
	users := make([]userRef, 0, len(others))
	for _, o := range others {
		users = append(users, userRef{ID: o.ID, Name: o.Name})
	}
	_ = c.Send(onlineUsersEvent{Type: eventOnlineUsers, Users: users})

	h.presence.Broadcast(id.ID, userPresenceEvent{
		Type: eventUserJoined,
		User: userRef{ID: id.ID, Name: id.Name},
	})

	h.log.Info("user connected", slog.String("user_id", id.ID), slog.String("name", id.Name))
	return sess
}

// Disconnect runs the lifecycle cleanup for a dropped connection: fail any
// call the user was party to, then unregister and announce the departure.
// The unregister is guarded, so cleanup for a connection that was already
// replaced by a fresh login stops after the call teardown.
func (h *Hub) Disconnect(sess *session) {
	id := sess.identity

	for _, dropped := range h.calls.DropInvolving(id.ID) {
		h.metrics.Inc(metrics.CallsFailed)
		peer, ok := h.presence.Lookup(dropped.Counterpart(id.ID))
		if !ok {
			continue
		}
		// An accepted call the peers were negotiating ends; one that was
		// still ringing fails.
		if dropped.Status == call.StatusAccepted {
			_ = peer.Send(callEndedEvent{
				Type:   eventCallEnded,
				ChatID: dropped.ChatID,
				Reason: "peer disconnected",
			})
		} else {
			_ = peer.Send(callFailedEvent{
				Type:   eventCallFailed,
				CallID: dropped.ID,
				ChatID: dropped.ChatID,
				Reason: "peer disconnected",
			})
		}
	}

	if !h.presence.Unregister(id.ID, sess.handle) {
		return
	}
	h.metrics.Inc(metrics.ConnectionsClose)

	h.presence.Broadcast(id.ID, userPresenceEvent{
		Type: eventUserLeft,
		User: userRef{ID: id.ID, Name: id.Name},
	})
	h.log.Info("user disconnected", slog.String("user_id", id.ID))
}

// Handle dispatches one parsed client frame. Errors in domain logic are
// reported back on the same connection; only transport-level failures ever
// terminate the session, and those surface in the server's read loop.
func (h *Hub) Handle(ctx context.Context, sess *session, msg clientMessage) {
	switch msg.Type {
	case messageTypeAuth:
		// Already authenticated; a second auth is harmless noise.
	case messageTypeSearchUsers:
		h.handleSearch(ctx, sess, msg)
	case messageTypeSendInvite:
		h.handleSendInvite(ctx, sess, msg)
	case messageTypeRespondInvite:
		h.handleRespondInvite(ctx, sess, msg)
	case messageTypeCallInitiate:
		h.handleCallInitiate(ctx, sess, msg)
	case messageTypeCallAccept:
		h.handleCallAccept(sess, msg)
	case messageTypeCallReject:
		h.handleCallReject(sess, msg)
	case messageTypeOffer:
		h.handleOffer(sess, msg)
	case messageTypeAnswer:
		h.handleAnswer(ctx, sess, msg)
	case messageTypeICECandidate:
		h.handleICECandidate(ctx, sess, msg)
	case messageTypeConnected:
		h.handleConnected(sess, msg)
	}
}

func (h *Hub) handleSearch(ctx context.Context, sess *session, msg clientMessage) {
	users, err := h.store.SearchUsers(ctx, msg.Term, sess.identity.ID, h.searchLimit)
	if err != nil {
		h.log.Error("search users", slog.Any("error", err))
		_ = sess.conn.Send(newErrorEvent("search failed"))
		return
	}

	results := make([]searchResult, 0, len(users))
	for _, u := range users {
		results = append(results, searchResult{
			ID:       u.ID,
			Username: u.Username,
			Name:     u.Name,
			Online:   h.presence.Online(u.ID),
		})
	}
	_ = sess.conn.Send(searchResultsEvent{Type: eventSearchResults, Users: results})
}

func (h *Hub) handleSendInvite(ctx context.Context, sess *session, msg clientMessage) {
	id := sess.identity
	inv, to, err := h.invites.Send(ctx, id.ID, id.Name, msg.ToName, msg.Message)
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrSelfInvite),
			errors.Is(err, invite.ErrUnknownTarget),
			errors.Is(err, invite.ErrDuplicatePending),
			errors.Is(err, invite.ErrChatExists):
			_ = sess.conn.Send(inviteErrorEvent{Type: eventInviteError, Message: err.Error()})
		default:
			h.log.Error("send invite", slog.Any("error", err))
			_ = sess.conn.Send(inviteErrorEvent{Type: eventInviteError, Message: "invite failed"})
		}
		return
	}

	h.metrics.Inc(metrics.InvitesSent)
	_ = sess.conn.Send(inviteEvent{Type: eventInviteSent, Invite: newInviteView(inv)})
	if peer, ok := h.presence.Lookup(to.ID); ok {
		_ = peer.Send(inviteEvent{Type: eventNewInvite, Invite: newInviteView(inv)})
	}
}

func (h *Hub) handleRespondInvite(ctx context.Context, sess *session, msg clientMessage) {
	id := sess.identity
	res, err := h.invites.Respond(ctx, msg.InviteID, id.ID, msg.Decision == decisionAccept)
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrNotFound):
			_ = sess.conn.Send(newErrorEvent("invite not found"))
		case errors.Is(err, invite.ErrNotRecipient):
			_ = sess.conn.Send(newErrorEvent("not the recipient of this invite"))
		default:
			h.log.Error("respond invite", slog.Any("error", err))
			_ = sess.conn.Send(newErrorEvent("invite response failed"))
		}
		return
	}

	inv := res.Invite
	if !res.Accepted {
		h.metrics.Inc(metrics.InvitesRejected)
		if peer, ok := h.presence.Lookup(inv.FromID); ok {
			_ = peer.Send(inviteRejectedEvent{
				Type:     eventInviteRejected,
				InviteID: inv.ID,
				ByID:     id.ID,
				ByName:   id.Name,
			})
		}
		return
	}

	h.metrics.Inc(metrics.InvitesAccepted)
	_ = sess.conn.Send(inviteAcceptedEvent{
		Type:     eventInviteAccepted,
		InviteID: inv.ID,
		ChatID:   res.Chat.ID,
		Peer:     userRef{ID: inv.FromID, Name: inv.FromName},
		Online:   h.presence.Online(inv.FromID),
	})
	if peer, ok := h.presence.Lookup(inv.FromID); ok {
		_ = peer.Send(inviteAcceptedEvent{
			Type:     eventInviteAccepted,
			InviteID: inv.ID,
			ChatID:   res.Chat.ID,
			Peer:     userRef{ID: id.ID, Name: id.Name},
			Online:   true,
		})
	}
}

func (h *Hub) handleCallInitiate(ctx context.Context, sess *session, msg clientMessage) {
	id := sess.identity

	chat, err := h.store.FindChat(ctx, msg.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		_ = sess.conn.Send(callFailedEvent{Type: eventCallFailed, ChatID: msg.ChatID, Reason: "unknown chat"})
		return
	}
	if err != nil {
		h.log.Error("look up chat", slog.Any("error", err))
		_ = sess.conn.Send(callFailedEvent{Type: eventCallFailed, ChatID: msg.ChatID, Reason: "call failed"})
		return
	}

	calleeID := chat.Counterpart(id.ID)
	if calleeID == "" {
		_ = sess.conn.Send(newErrorEvent("not a participant of this chat"))
		return
	}
	if !h.targetMatches(sess, msg, calleeID) {
		return
	}

	callee, online := h.presence.Lookup(calleeID)
	if !online {
		h.metrics.Inc(metrics.CallsFailed)
		_ = sess.conn.Send(callFailedEvent{Type: eventCallFailed, ChatID: chat.ID, Reason: "peer offline"})
		return
	}

	c, err := h.calls.Initiate(id.ID, calleeID, chat.ID)
	if errors.Is(err, call.ErrAlreadyInProgress) {
		_ = sess.conn.Send(callFailedEvent{Type: eventCallFailed, ChatID: chat.ID, Reason: "call already in progress"})
		return
	}
	if err != nil {
		h.log.Error("initiate call", slog.Any("error", err))
		_ = sess.conn.Send(callFailedEvent{Type: eventCallFailed, ChatID: chat.ID, Reason: "call failed"})
		return
	}

	h.metrics.Inc(metrics.CallsInitiated)
	_ = sess.conn.Send(callInitiatedEvent{Type: eventCallInitiated, CallID: c.ID, ChatID: c.ChatID})
	_ = callee.Send(incomingCallEvent{
		Type:     eventIncomingCall,
		CallID:   c.ID,
		ChatID:   c.ChatID,
		FromID:   id.ID,
		FromName: id.Name,
	})
}

func (h *Hub) handleCallAccept(sess *session, msg clientMessage) {
	id := sess.identity

	c, err := h.calls.Accept(msg.CallID, id.ID)
	if errors.Is(err, call.ErrNotFound) {
		_ = sess.conn.Send(newErrorEvent("call not found"))
		return
	}
	if errors.Is(err, call.ErrNotCallee) {
		_ = sess.conn.Send(newErrorEvent("not the callee of this call"))
		return
	}

	// The caller can drop in the window between ringing and the accept
	// landing. Waiting for an offer that cannot arrive helps nobody, so the
	// call fails on the spot.
	caller, ok := h.presence.Lookup(c.CallerID)
	if !ok {
		h.calls.Delete(c.ID)
		h.metrics.Inc(metrics.CallsFailed)
		_ = sess.conn.Send(callFailedEvent{Type: eventCallFailed, CallID: c.ID, ChatID: c.ChatID, Reason: "peer offline"})
		return
	}

	h.metrics.Inc(metrics.CallsAccepted)
	_ = caller.Send(callAcceptedEvent{
		Type:   eventCallAccepted,
		CallID: c.ID,
		ChatID: c.ChatID,
		ByID:   id.ID,
		ByName: id.Name,
	})
	_ = sess.conn.Send(callWaitOfferEvent{Type: eventCallWaitOffer, CallID: c.ID, ChatID: c.ChatID})
}

// handleCallReject covers both the callee declining and the caller
// cancelling; either party may end an in-flight call before media starts.
func (h *Hub) handleCallReject(sess *session, msg clientMessage) {
	id := sess.identity

	c, ok := h.calls.Get(msg.CallID)
	if !ok {
		_ = sess.conn.Send(newErrorEvent("call not found"))
		return
	}
	if !c.Involves(id.ID) {
		_ = sess.conn.Send(newErrorEvent("not a party to this call"))
		return
	}

	if _, ok := h.calls.Delete(c.ID); !ok {
		return
	}
	h.metrics.Inc(metrics.CallsRejected)
	if peer, online := h.presence.Lookup(c.Counterpart(id.ID)); online {
		_ = peer.Send(callRejectedEvent{
			Type:   eventCallRejected,
			CallID: c.ID,
			ChatID: c.ChatID,
			Reason: msg.Reason,
		})
	}
}

// handleOffer relays the caller's SDP offer. An offer is only legal while the
// chat has an accepted call with the sender as caller; anything else is a
// protocol violation reported back to the sender. If the callee dropped
// between accept and offer, the offer is parked for redelivery and the call
// record is released.
func (h *Hub) handleOffer(sess *session, msg clientMessage) {
	id := sess.identity

	c, ok := h.calls.GetByChat(msg.ChatID)
	if !ok || c.Status != call.StatusAccepted || c.CallerID != id.ID {
		_ = sess.conn.Send(newErrorEvent("no accepted call for this chat"))
		return
	}
	if !h.targetMatches(sess, msg, c.CalleeID) {
		return
	}

	if callee, online := h.presence.Lookup(c.CalleeID); online {
		h.metrics.Inc(metrics.OffersForwarded)
		_ = callee.Send(offerEvent{
			Type:     eventOffer,
			ChatID:   c.ChatID,
			FromID:   id.ID,
			FromName: id.Name,
			Payload:  msg.Payload,
		})
		return
	}

	h.offers.Put(pendingOffer{
		TargetID:   c.CalleeID,
		SenderID:   id.ID,
		SenderName: id.Name,
		ChatID:     c.ChatID,
		Payload:    msg.Payload,
		StoredAt:   h.now(),
	})
	h.calls.DeleteByChat(c.ChatID)
	h.metrics.Inc(metrics.OffersBuffered)
	_ = sess.conn.Send(offerPendingEvent{Type: eventOfferPending, ChatID: c.ChatID, TargetID: c.CalleeID})
}

// handleAnswer relays the callee's SDP answer and releases the call record:
// once both descriptions have crossed, negotiation is the peers' problem and
// the chat is free for a future call.
func (h *Hub) handleAnswer(ctx context.Context, sess *session, msg clientMessage) {
	id := sess.identity

	peerID, ok := h.chatCounterpart(ctx, sess, msg.ChatID)
	if !ok || !h.targetMatches(sess, msg, peerID) {
		return
	}

	peer, online := h.presence.Lookup(peerID)
	if !online {
		_ = sess.conn.Send(newErrorEvent("peer offline"))
		return
	}
	_ = peer.Send(answerEvent{
		Type:    eventAnswer,
		ChatID:  msg.ChatID,
		FromID:  id.ID,
		Payload: msg.Payload,
	})
	if _, ok := h.calls.DeleteByChat(msg.ChatID); ok {
		h.metrics.Inc(metrics.CallsCompleted)
	}
}

// handleICECandidate relays trickle candidates. Candidates for an offline
// peer are silently dropped; the eventual reconnect renegotiates from a
// fresh offer anyway.
func (h *Hub) handleICECandidate(ctx context.Context, sess *session, msg clientMessage) {
	id := sess.identity

	peerID, ok := h.chatCounterpart(ctx, sess, msg.ChatID)
	if !ok || !h.targetMatches(sess, msg, peerID) {
		return
	}

	if peer, online := h.presence.Lookup(peerID); online {
		_ = peer.Send(iceCandidateEvent{
			Type:    eventICECandidate,
			ChatID:  msg.ChatID,
			FromID:  id.ID,
			Payload: msg.Payload,
		})
	}
}

// handleConnected ends call tracking once the peers report a direct
// connection. The record is usually gone already (the answer relay releases
// it), so this mostly covers calls whose answer never travelled through the
// coordinator.
func (h *Hub) handleConnected(sess *session, msg clientMessage) {
	c, ok := h.calls.GetByChat(msg.ChatID)
	if !ok || !c.Involves(sess.identity.ID) {
		return
	}
	if _, ok := h.calls.Delete(c.ID); ok {
		h.metrics.Inc(metrics.CallsCompleted)
		h.log.Debug("call connected", slog.String("chat_id", msg.ChatID), slog.String("call_id", c.ID))
	}
}

// targetMatches checks the optional explicit targetId against the resolved
// counterpart; a client naming anyone else is confused or probing.
func (h *Hub) targetMatches(sess *session, msg clientMessage, peerID string) bool {
	if msg.TargetID != "" && msg.TargetID != peerID {
		_ = sess.conn.Send(newErrorEvent("targetId does not match chat counterpart"))
		return false
	}
	return true
}

// chatCounterpart validates chat membership and resolves the other
// participant, reporting failures on the session.
func (h *Hub) chatCounterpart(ctx context.Context, sess *session, chatID string) (string, bool) {
	chat, err := h.store.FindChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		_ = sess.conn.Send(newErrorEvent("unknown chat"))
		return "", false
	}
	if err != nil {
		h.log.Error("look up chat", slog.Any("error", err))
		_ = sess.conn.Send(newErrorEvent("internal error"))
		return "", false
	}
	peerID := chat.Counterpart(sess.identity.ID)
	if peerID == "" {
		_ = sess.conn.Send(newErrorEvent("not a participant of this chat"))
		return "", false
	}
	return peerID, true
}

func (h *Hub) activeChats(ctx context.Context, userID string) ([]chatView, error) {
	chats, err := h.store.FindChatsForParticipant(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]chatView, 0, len(chats))
	for _, chat := range chats {
		peerID := chat.Counterpart(userID)
		peerName := peerID
		if u, err := h.store.FindUserByID(ctx, peerID); err == nil {
			peerName = u.Name
		}
		views = append(views, chatView{
			ChatID:     chat.ID,
			PeerID:     peerID,
			PeerName:   peerName,
			PeerOnline: h.presence.Online(peerID),
			CreatedAt:  chat.CreatedAt,
		})
	}
	return views, nil
}

// Run drives the periodic expiry sweep until ctx is cancelled. Each expired
// call produces exactly one timeout notification per party.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.sweep(now)
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	expired := h.calls.Sweep(now)
	for _, c := range expired {
		h.metrics.Inc(metrics.CallsTimedOut)
		h.log.Info("call timed out",
			slog.String("call_id", c.ID),
			slog.String("chat_id", c.ChatID),
			slog.String("status", string(c.Status)))
		for _, party := range []string{c.CallerID, c.CalleeID} {
			if conn, ok := h.presence.Lookup(party); ok {
				_ = conn.Send(callTimeoutEvent{Type: eventCallTimeout, CallID: c.ID, ChatID: c.ChatID})
			}
		}
	}

	h.metrics.Add(metrics.OffersExpired, uint64(h.offers.Sweep(now)))
}
