// Package serverstate holds the inspector's readiness and drain status. The
// default store is in memory; a Redis store lets replicas behind one load
// balancer share it.
package serverstate

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status values.
const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
)

// State is updated as a whole so readers always observe a consistent
// snapshot.
type State struct {
	Status         string    `json:"status"`
	Draining       bool      `json:"draining"`
	ActiveSessions int       `json:"active_sessions"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store persists State.
type Store interface {
	Load() State
	Store(State)
}

var (
	mu     sync.Mutex // serializes read-modify-write updates
	active Store = NewMemoryStore()
)

// UseStore replaces the active Store.
func UseStore(s Store) {
	if s == nil {
		return
	}
	mu.Lock()
	active = s
	mu.Unlock()
}

func current() Store {
	mu.Lock()
	defer mu.Unlock()
	return active
}

type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to not_ready.
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusNotReady})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *memoryStore) Store(s State) { m.v.Store(s) }

func update(fn func(*State)) {
	mu.Lock()
	defer mu.Unlock()
	st := active.Load()
	fn(&st)
	st.UpdatedAt = time.Now().UTC()
	active.Store(st)
}

// SetState updates the status string.
func SetState(status string) {
	update(func(st *State) { st.Status = status })
}

// GetState returns the current status.
func GetState() string { return current().Load().Status }

// Snapshot returns the full current state.
func Snapshot() State { return current().Load() }

// SetActiveSessions records the number of relayed sessions.
func SetActiveSessions(n int) {
	update(func(st *State) { st.ActiveSessions = n })
}

// StartDrain marks the server as draining; new sessions are refused.
func StartDrain() {
	update(func(st *State) {
		st.Draining = true
		st.Status = StatusDraining
	})
}

// IsDraining reports whether the server is draining.
func IsDraining() bool { return current().Load().Draining }
