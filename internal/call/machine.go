// Package call tracks in-flight call attempts. A call exists only to gate
// one offer/answer exchange for a chat; it collapses back to absent on
// completion, rejection, failure, or timeout.
package call

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("call not found")
	// ErrAlreadyInProgress is returned when a call-initiate arrives for a chat
	// that already has an outstanding call. The existing call wins; the new
	// attempt is rejected.
	ErrAlreadyInProgress = errors.New("call already in progress for this chat")
	// ErrNotCallee is returned when someone other than the callee tries to
	// accept a call.
	ErrNotCallee = errors.New("not the callee of this call")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
)

type Call struct {
	ID       string
	ChatID   string
	CallerID string
	CalleeID string
	Status   Status
	// UpdatedAt is the start of the current phase: creation time while
	// pending, accept time once accepted. The expiry sweep measures age
	// against it.
	UpdatedAt time.Time
}

func (c Call) Involves(userID string) bool {
	return c.CallerID == userID || c.CalleeID == userID
}

// Counterpart returns the other party of the call relative to userID.
func (c Call) Counterpart(userID string) string {
	if c.CallerID == userID {
		return c.CalleeID
	}
	return c.CallerID
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Machine owns the call map plus a secondary index keyed by chat id. The
// index makes "at most one call per chat" structural and call-by-chat
// lookups O(1).
type Machine struct {
	pendingTimeout  time.Duration
	acceptedTimeout time.Duration
	clock           Clock

	mu     sync.Mutex
	calls  map[string]*Call
	byChat map[string]string // chat id -> call id
}

func NewMachine(pendingTimeout, acceptedTimeout time.Duration, clock Clock) *Machine {
	if clock == nil {
		clock = realClock{}
	}
	return &Machine{
		pendingTimeout:  pendingTimeout,
		acceptedTimeout: acceptedTimeout,
		clock:           clock,
		calls:           make(map[string]*Call),
		byChat:          make(map[string]string),
	}
}

// Initiate creates a pending call for the chat. The caller is responsible
// for checking callee presence first; an offline callee must never reach the
// map.
func (m *Machine) Initiate(callerID, calleeID, chatID string) (Call, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byChat[chatID]; ok {
		return Call{}, ErrAlreadyInProgress
	}

	c := &Call{
		ID:        chatID + ":" + strconv.FormatInt(now.UnixNano(), 10),
		ChatID:    chatID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		Status:    StatusPending,
		UpdatedAt: now,
	}
	m.calls[c.ID] = c
	m.byChat[chatID] = c.ID
	return *c, nil
}

// Accept transitions the call to accepted and restarts its timeout clock for
// the WebRTC negotiation phase.
func (m *Machine) Accept(callID, accepterID string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	if c.CalleeID != accepterID {
		return Call{}, ErrNotCallee
	}

	c.Status = StatusAccepted
	c.UpdatedAt = m.clock.Now()
	return *c, nil
}

func (m *Machine) Get(callID string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, false
	}
	return *c, true
}

func (m *Machine) GetByChat(chatID string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byChat[chatID]
	if !ok {
		return Call{}, false
	}
	return *m.calls[id], true
}

// Delete removes the call if present. Idempotent.
func (m *Machine) Delete(callID string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(callID)
}

// DeleteByChat removes the chat's current call if present. Idempotent.
func (m *Machine) DeleteByChat(chatID string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byChat[chatID]
	if !ok {
		return Call{}, false
	}
	return m.deleteLocked(id)
}

func (m *Machine) deleteLocked(callID string) (Call, bool) {
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, false
	}
	delete(m.calls, callID)
	if m.byChat[c.ChatID] == callID {
		delete(m.byChat, c.ChatID)
	}
	return *c, true
}

// DropInvolving deletes every call the given user is party to and returns
// the removed calls, for disconnect cleanup.
func (m *Machine) DropInvolving(userID string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []Call
	for id, c := range m.calls {
		if !c.Involves(userID) {
			continue
		}
		if removed, ok := m.deleteLocked(id); ok {
			dropped = append(dropped, removed)
		}
	}
	return dropped
}

// Sweep deletes calls whose current phase has outlived its timeout and
// returns them so the caller can notify both parties.
func (m *Machine) Sweep(now time.Time) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Call
	for id, c := range m.calls {
		timeout := m.pendingTimeout
		if c.Status == StatusAccepted {
			timeout = m.acceptedTimeout
		}
		if now.Sub(c.UpdatedAt) <= timeout {
			continue
		}
		if removed, ok := m.deleteLocked(id); ok {
			expired = append(expired, removed)
		}
	}
	return expired
}

func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
