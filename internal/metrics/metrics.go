package metrics

import "sync"

// Event counter names. Kept as plain strings so components can increment
// without importing anything beyond this package.
const (
	AuthFailure      = "auth_failure"
	RateLimited      = "rate_limited"
	ConnectionsOpen  = "connections_opened"
	ConnectionsClose = "connections_closed"

	InvitesSent     = "invites_sent"
	InvitesAccepted = "invites_accepted"
	InvitesRejected = "invites_rejected"

	CallsInitiated = "calls_initiated"
	CallsAccepted  = "calls_accepted"
	CallsRejected  = "calls_rejected"
	CallsCompleted = "calls_completed"
	CallsTimedOut  = "calls_timed_out"
	CallsFailed    = "calls_failed"

	OffersForwarded = "offers_forwarded"
	OffersBuffered  = "offers_buffered"
	OffersDelivered = "offers_delivered"
	OffersExpired   = "offers_expired"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A production deployment scrapes these through the /metrics handler in
// prometheus.go; the type exists so core logic stays testable without a
// metrics backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
