// Package session tracks the browser sessions relayed by the inspector.
package session

import (
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/mcpinspector/internal/transport"
)

// State is the lifecycle stage of a Session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session pairs a browser-facing transport with its upstream transport.
type Session struct {
	ID string
	// ClientKind is the browser transport, "sse" or "ws".
	ClientKind string
	// UpstreamKind is "stdio" or "sse".
	UpstreamKind string
	// Target is the spawned command or the upstream URL.
	Target    string
	CreatedAt time.Time

	Client   transport.Downstream
	Upstream transport.Transport

	state atomic.Int32
}

// New returns a Session in the Connecting state, identified by the client
// transport's session id.
func New(client transport.Downstream, upstream transport.Transport, clientKind, upstreamKind, target string) *Session {
	return &Session{
		ID:           client.SessionID(),
		ClientKind:   clientKind,
		UpstreamKind: upstreamKind,
		Target:       target,
		CreatedAt:    time.Now().UTC(),
		Client:       client,
		Upstream:     upstream,
	}
}

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// SetState moves the session forward. Transitions never go backwards; the
// return value reports whether the state changed.
func (s *Session) SetState(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur) >= next {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// live reports whether the session can still accept messages.
func (s *Session) live() bool {
	return s.State() < StateClosing && !s.Client.Closing()
}

// Close marks the session as closing and closes both transports.
func (s *Session) Close() {
	s.SetState(StateClosing)
	_ = s.Client.Close()
	if s.Upstream != nil {
		_ = s.Upstream.Close()
	}
	s.SetState(StateClosed)
}
