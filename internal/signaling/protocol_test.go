package signaling

import (
	"strings"
	"testing"
)

func TestParseClientMessage(t *testing.T) {
	msg, err := parseClientMessage([]byte(`{"type":"auth","token":"abc"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type != messageTypeAuth || msg.Token != "abc" {
		t.Fatalf("msg = %+v", msg)
	}

	msg, err = parseClientMessage([]byte(`{"type":"webrtc-offer","chatId":"c1","targetId":"u2","payload":{"sdp":"v=0"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.ChatID != "c1" || msg.TargetID != "u2" {
		t.Fatalf("msg = %+v", msg)
	}
	// The payload stays opaque.
	if string(msg.Payload) != `{"sdp":"v=0"}` {
		t.Fatalf("Payload = %s", msg.Payload)
	}
}

func TestParseClientMessageRejects(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `nope`},
		{"unknown type", `{"type":"shutdown"}`},
		{"unknown field", `{"type":"auth","token":"abc","admin":true}`},
		{"trailing data", `{"type":"auth","token":"abc"}{}`},
		{"auth without token", `{"type":"auth"}`},
		{"search without term", `{"type":"search-users"}`},
		{"invite without target", `{"type":"send-invite","message":"hi"}`},
		{"respond without id", `{"type":"respond-invite","decision":"accept"}`},
		{"respond bad decision", `{"type":"respond-invite","inviteId":"i1","decision":"maybe"}`},
		{"initiate without chat", `{"type":"call-initiate"}`},
		{"accept without call", `{"type":"call-accept"}`},
		{"reject without call", `{"type":"call-reject"}`},
		{"offer without chat", `{"type":"webrtc-offer","payload":{}}`},
		{"offer without payload", `{"type":"webrtc-offer","chatId":"c1"}`},
		{"answer without payload", `{"type":"webrtc-answer","chatId":"c1"}`},
		{"candidate without payload", `{"type":"webrtc-ice-candidate","chatId":"c1"}`},
		{"connected without chat", `{"type":"webrtc-connected"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseClientMessage([]byte(tc.data)); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestRespondDecisions(t *testing.T) {
	for _, decision := range []string{decisionAccept, decisionReject} {
		data := `{"type":"respond-invite","inviteId":"i1","decision":"` + decision + `"}`
		if _, err := parseClientMessage([]byte(data)); err != nil {
			t.Fatalf("decision %q rejected: %v", decision, err)
		}
	}
}

func TestParseErrorNamesType(t *testing.T) {
	_, err := parseClientMessage([]byte(`{"type":"call-accept"}`))
	if err == nil || !strings.Contains(err.Error(), "call-accept") {
		t.Fatalf("err = %v, want message naming the type", err)
	}
}
