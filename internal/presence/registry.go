// Package presence tracks which identities currently have a live signaling
// connection. It is the single source of truth for "is user X reachable".
package presence

import (
	"sync"
	"time"
)

// Sink is the write side of a live connection. Implementations must be safe
// for concurrent use; Send failures are the caller's problem (a failed send
// surfaces later as a read error on that connection).
type Sink interface {
	Send(v any) error
	Close(reason string)
}

// Conn is the handle for one live connection. A Conn is never reused: the
// registry compares handles by pointer identity to guard unregistration
// against stale disconnect events.
type Conn struct {
	UserID      string
	Name        string
	ConnectedAt time.Time

	sink Sink
}

func (c *Conn) Send(v any) error { return c.sink.Send(v) }

// Close shuts down the underlying connection. Used when a fresh login
// replaces an older one.
func (c *Conn) Close(reason string) { c.sink.Close(reason) }

// Summary is the per-user view used for presence broadcasts and search
// annotation.
type Summary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		now:   time.Now,
	}
}

// Register maps userID to a new connection handle, unconditionally replacing
// any existing mapping (last-writer-wins; duplicate logins are not rejected).
// The previous handle, if any, is returned so the caller can close it.
func (r *Registry) Register(userID, name string, sink Sink) (conn, prev *Conn) {
	conn = &Conn{
		UserID:      userID,
		Name:        name,
		ConnectedAt: r.now(),
		sink:        sink,
	}

	r.mu.Lock()
	prev = r.conns[userID]
	r.conns[userID] = conn
	r.mu.Unlock()
	return conn, prev
}

func (r *Registry) Lookup(userID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[userID]
	return c, ok
}

func (r *Registry) Online(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Unregister removes the mapping for userID only if it still points at
// expected. A disconnect event for a connection that has already been
// replaced by a fresh login must not clobber the new mapping.
func (r *Registry) Unregister(userID string, expected *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[userID] != expected {
		return false
	}
	delete(r.conns, userID)
	return true
}

// ListOthers returns summaries of every registered identity except excludeID.
func (r *Registry) ListOthers(excludeID string) []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Summary, 0, len(r.conns))
	for id, c := range r.conns {
		if id == excludeID {
			continue
		}
		out = append(out, Summary{ID: id, Name: c.Name})
	}
	return out
}

// Broadcast best-effort sends v to every registered connection except
// excludeID. Send errors are ignored; a dead connection will be reaped by its
// own read loop.
func (r *Registry) Broadcast(excludeID string, v any) {
	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.conns))
	for id, c := range r.conns {
		if id == excludeID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		_ = c.Send(v)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
