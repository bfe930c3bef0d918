package regen

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vpnhub/keyfleet/internal/directory"
)

// State is a step of the regeneration selection flow.
type State string

const (
	StateSelectingServers   State = "selecting_servers"
	StateSelectingProtocols State = "selecting_protocols"
	StateConfirming         State = "confirming"
	StateExecuting          State = "executing"
)

// ErrBadTransition rejects an operation not valid in the session's
// current state.
var ErrBadTransition = fmt.Errorf("regen: operation not valid in current state")

// Session is one in-progress regeneration selection. The flow is a
// strict forward walk: servers, then protocols, then confirm, then
// execute. Toggles are only legal in their own selection state.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	state     State
	servers   map[string]bool
	protocols map[directory.Protocol]bool
}

func newSession() *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		state:     StateSelectingServers,
		servers:   make(map[string]bool),
		protocols: make(map[directory.Protocol]bool),
	}
}

// State returns the current flow state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ToggleServer flips a server's membership in the selection.
func (s *Session) ToggleServer(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSelectingServers {
		return fmt.Errorf("%w: toggle server in %s", ErrBadTransition, s.state)
	}
	if s.servers[name] {
		delete(s.servers, name)
	} else {
		s.servers[name] = true
	}
	return nil
}

// SelectProtocols advances to protocol selection. At least one server
// must be selected.
func (s *Session) SelectProtocols() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSelectingServers {
		return fmt.Errorf("%w: select protocols in %s", ErrBadTransition, s.state)
	}
	if len(s.servers) == 0 {
		return fmt.Errorf("regen: no servers selected")
	}
	s.state = StateSelectingProtocols
	return nil
}

// ToggleProtocol flips a protocol's membership in the selection.
func (s *Session) ToggleProtocol(p directory.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSelectingProtocols {
		return fmt.Errorf("%w: toggle protocol in %s", ErrBadTransition, s.state)
	}
	if !p.IsValid() {
		return fmt.Errorf("regen: unknown protocol %q", p)
	}
	if s.protocols[p] {
		delete(s.protocols, p)
	} else {
		s.protocols[p] = true
	}
	return nil
}

// Confirm advances to the confirmation state. At least one protocol
// must be selected.
func (s *Session) Confirm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSelectingProtocols {
		return fmt.Errorf("%w: confirm in %s", ErrBadTransition, s.state)
	}
	if len(s.protocols) == 0 {
		return fmt.Errorf("regen: no protocols selected")
	}
	s.state = StateConfirming
	return nil
}

// BeginExecution moves a confirmed session into execution. Confirmation
// is the last cancellation point; from here the selection is frozen.
func (s *Session) BeginExecution() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConfirming {
		return fmt.Errorf("%w: execute in %s", ErrBadTransition, s.state)
	}
	s.state = StateExecuting
	return nil
}

// Selection returns the frozen server and protocol sets.
func (s *Session) Selection() (servers map[string]bool, protocols map[directory.Protocol]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	servers = make(map[string]bool, len(s.servers))
	for k, v := range s.servers {
		servers[k] = v
	}
	protocols = make(map[directory.Protocol]bool, len(s.protocols))
	for k, v := range s.protocols {
		protocols[k] = v
	}
	return servers, protocols
}

// Sessions is the registry of in-progress selections, keyed by session
// id. Safe for concurrent API handlers.
type Sessions struct {
	m *xsync.Map[string, *Session]
}

func NewSessions() *Sessions {
	return &Sessions{m: xsync.NewMap[string, *Session]()}
}

// Create opens a new selection flow.
func (r *Sessions) Create() *Session {
	s := newSession()
	r.m.Store(s.ID, s)
	return s
}

// Get looks up a session by id.
func (r *Sessions) Get(id string) (*Session, bool) {
	return r.m.Load(id)
}

// Remove drops a session (cancel, or cleanup after execution).
func (r *Sessions) Remove(id string) {
	r.m.Delete(id)
}

// List returns all live sessions.
func (r *Sessions) List() []*Session {
	var out []*Session
	r.m.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}
