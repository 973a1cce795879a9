package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Inc(InvitesSent)
	m.Inc(InvitesSent)
	m.Add(OffersExpired, 3)

	if got := m.Get(InvitesSent); got != 2 {
		t.Fatalf("Get(%s) = %d, want 2", InvitesSent, got)
	}
	if got := m.Get(OffersExpired); got != 3 {
		t.Fatalf("Get(%s) = %d, want 3", OffersExpired, got)
	}
	if got := m.Get(CallsInitiated); got != 0 {
		t.Fatalf("Get(%s) = %d, want 0", CallsInitiated, got)
	}

	snap := m.Snapshot()
	if snap[InvitesSent] != 2 {
		t.Fatalf("Snapshot[%s] = %d, want 2", InvitesSent, snap[InvitesSent])
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.Inc(AuthFailure)
	m.Add(AuthFailure, 2)
	if got := m.Get(AuthFailure); got != 0 {
		t.Fatalf("Get on nil = %d, want 0", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := New()
	m.Inc(CallsCompleted)
	m.Inc(CallsCompleted)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "# TYPE peerlink_events_total counter") {
		t.Fatalf("missing TYPE line in:\n%s", body)
	}
	if !strings.Contains(body, `peerlink_events_total{event="calls_completed"} 2`) {
		t.Fatalf("missing counter line in:\n%s", body)
	}
}
