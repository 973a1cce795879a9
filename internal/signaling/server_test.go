package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerlink-chat/peerlink/internal/auth"
	"github.com/peerlink-chat/peerlink/internal/call"
	"github.com/peerlink-chat/peerlink/internal/invite"
	"github.com/peerlink-chat/peerlink/internal/metrics"
	"github.com/peerlink-chat/peerlink/internal/presence"
	"github.com/peerlink-chat/peerlink/internal/store"
)

type wsFixture struct {
	srv  *httptest.Server
	auth *auth.Service
	hub  *Hub
	url  string
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	authSvc := auth.NewService(st, "test-secret", time.Hour)

	hub := NewHub(HubOptions{
		Log:             logger,
		Metrics:         m,
		Store:           st,
		Presence:        presence.NewRegistry(),
		Calls:           call.NewMachine(30*time.Second, 60*time.Second, nil),
		Invites:         invite.NewLedger(st),
		SearchLimit:     10,
		PendingOfferTTL: 5 * time.Minute,
		SweepInterval:   time.Minute,
	})

	server := NewServer(ServerOptions{
		Log:                  logger,
		Metrics:              m,
		Auth:                 authSvc,
		Hub:                  hub,
		AllowedOrigins:       []string{"*"},
		AuthTimeout:          2 * time.Second,
		IdleTimeout:          30 * time.Second,
		PingInterval:         10 * time.Second,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 200,
	})

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	return &wsFixture{
		srv:  srv,
		auth: authSvc,
		hub:  hub,
		url:  "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (f *wsFixture) register(t *testing.T, username, password string) string {
	t.Helper()
	if _, err := f.auth.Register(context.Background(), username, "", password); err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	token, _, err := f.auth.Login(context.Background(), username, password)
	if err != nil {
		t.Fatalf("Login(%s): %v", username, err)
	}
	return token
}

func (f *wsFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// waitFor reads frames until one of the wanted type arrives, skipping
// unrelated broadcasts (presence churn, state replays).
func waitFor(t *testing.T, conn *websocket.Conn, eventType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", eventType, err)
		}
		var event map[string]any
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		if event["type"] == eventType {
			return event
		}
	}
}

func TestWSQueryTokenAuth(t *testing.T) {
	f := newWSFixture(t)
	token := f.register(t, "alice", "hunter2secret")

	conn := f.dial(t, token)

	// The connect replay arrives unprompted.
	waitFor(t, conn, eventPendingInvites)
	waitFor(t, conn, eventActiveChats)
	waitFor(t, conn, eventOnlineUsers)
}

func TestWSFirstMessageAuth(t *testing.T) {
	f := newWSFixture(t)
	token := f.register(t, "alice", "hunter2secret")

	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	sendJSON(t, conn, map[string]any{"type": "auth", "token": token})
	waitFor(t, conn, eventOnlineUsers)
}

func TestWSRejectsBadToken(t *testing.T) {
	f := newWSFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token=garbage", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected close for bad token")
	} else if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v, want policy violation close", err)
	}
}

func TestWSRejectsNonAuthFirstFrame(t *testing.T) {
	f := newWSFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	sendJSON(t, conn, map[string]any{"type": "search-users", "term": "x"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected close for unauthenticated frame")
	} else if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v, want policy violation close", err)
	}
}

func TestWSInvalidFrameReportsErrorAndKeepsConnection(t *testing.T) {
	f := newWSFixture(t)
	token := f.register(t, "alice", "hunter2secret")

	conn := f.dial(t, token)
	waitFor(t, conn, eventOnlineUsers)

	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, conn, eventError)

	// Still usable afterwards.
	sendJSON(t, conn, map[string]any{"type": "search-users", "term": "ali"})
	waitFor(t, conn, eventSearchResults)
}

func TestWSEndToEndCall(t *testing.T) {
	f := newWSFixture(t)
	aliceToken := f.register(t, "alice", "hunter2secret")
	bobToken := f.register(t, "bob", "hunter2secret")

	aliceConn := f.dial(t, aliceToken)
	bobConn := f.dial(t, bobToken)
	waitFor(t, aliceConn, eventOnlineUsers)
	waitFor(t, bobConn, eventOnlineUsers)

	// Invite.
	sendJSON(t, aliceConn, map[string]any{"type": "send-invite", "toName": "bob", "message": "hi"})
	newInv := waitFor(t, bobConn, eventNewInvite)
	inviteID := newInv["invite"].(map[string]any)["id"].(string)

	sendJSON(t, bobConn, map[string]any{"type": "respond-invite", "inviteId": inviteID, "decision": "accept"})
	aliceAccepted := waitFor(t, aliceConn, eventInviteAccepted)
	bobAccepted := waitFor(t, bobConn, eventInviteAccepted)
	chatID := aliceAccepted["chatId"].(string)
	if chatID == "" || chatID != bobAccepted["chatId"] {
		t.Fatalf("chat ids: %v vs %v", aliceAccepted["chatId"], bobAccepted["chatId"])
	}

	// Call.
	sendJSON(t, aliceConn, map[string]any{"type": "call-initiate", "chatId": chatID})
	incoming := waitFor(t, bobConn, eventIncomingCall)
	callID := incoming["callId"].(string)

	sendJSON(t, bobConn, map[string]any{"type": "call-accept", "callId": callID})
	waitFor(t, aliceConn, eventCallAccepted)
	waitFor(t, bobConn, eventCallWaitOffer)

	// Signaling relay, payloads untouched.
	sendJSON(t, aliceConn, map[string]any{
		"type": "webrtc-offer", "chatId": chatID,
		"payload": map[string]any{"sdp": "v=0 offer"},
	})
	offer := waitFor(t, bobConn, eventOffer)
	if offer["payload"].(map[string]any)["sdp"] != "v=0 offer" {
		t.Fatalf("offer payload = %v", offer["payload"])
	}

	sendJSON(t, bobConn, map[string]any{
		"type": "webrtc-answer", "chatId": chatID,
		"payload": map[string]any{"sdp": "v=0 answer"},
	})
	answer := waitFor(t, aliceConn, eventAnswer)
	if answer["payload"].(map[string]any)["sdp"] != "v=0 answer" {
		t.Fatalf("answer payload = %v", answer["payload"])
	}

	sendJSON(t, aliceConn, map[string]any{
		"type": "webrtc-ice-candidate", "chatId": chatID,
		"payload": map[string]any{"candidate": "candidate:1"},
	})
	waitFor(t, bobConn, eventICECandidate)

	sendJSON(t, aliceConn, map[string]any{"type": "webrtc-connected", "chatId": chatID})

	// The coordinator steps aside once the peers connect.
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.calls.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("calls.Len = %d, want 0", f.hub.calls.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
