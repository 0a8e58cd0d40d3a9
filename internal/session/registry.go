package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/mcpinspector/internal/proxyerr"
	"github.com/gaspardpetit/mcpinspector/internal/transport"
)

// ErrDuplicate is returned when a session id is already registered.
var ErrDuplicate = errors.New("session id already registered")

// Registry maps session ids to live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Insert registers s. A session whose id is already present is rejected.
func (r *Registry) Insert(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return ErrDuplicate
	}
	r.sessions[s.ID] = s
	return nil
}

// Lookup returns the browser-facing transport of a live session. Sessions
// that have started closing are reported as not found.
func (r *Registry) Lookup(id string) (transport.Downstream, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Client, nil
}

// Get returns the live session registered under id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || !s.live() {
		return nil, proxyerr.Errorf(proxyerr.SessionNotFound, "session %q not found", id)
	}
	return s, nil
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered session concurrently and waits for the
// transports, including spawned processes, to be released.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()
	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
}

// Info is a point-in-time view of a session.
type Info struct {
	ID        string    `json:"id"`
	Client    string    `json:"client"`
	Transport string    `json:"transport"`
	Target    string    `json:"target"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	PID       int       `json:"pid,omitempty"`
	Running   *bool     `json:"running,omitempty"`
	RSSBytes  uint64    `json:"rss_bytes,omitempty"`
}

type pidSource interface{ Pid() int }

// Snapshot lists registered sessions, oldest first. Sessions with a spawned
// server include the child's liveness and resident memory.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	pids := make([]int, 0, len(r.sessions))
	for _, s := range r.sessions {
		pid := 0
		if ps, ok := s.Upstream.(pidSource); ok {
			pid = ps.Pid()
		}
		out = append(out, Info{
			ID:        s.ID,
			Client:    s.ClientKind,
			Transport: s.UpstreamKind,
			Target:    s.Target,
			State:     s.State().String(),
			CreatedAt: s.CreatedAt,
			PID:       pid,
		})
		pids = append(pids, pid)
	}
	r.mu.RUnlock()

	// Process stats are gathered outside the lock.
	for i, pid := range pids {
		if pid == 0 {
			continue
		}
		running, rss := processStats(pid)
		out[i].Running = &running
		out[i].RSSBytes = rss
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func processStats(pid int) (bool, uint64) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false, 0
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		return false, 0
	}
	mem, err := p.MemoryInfo()
	if err != nil || mem == nil {
		return true, 0
	}
	return true, mem.RSS
}
