// Package session tracks the MCP sessions of a server: one logical
// conversation per connection, moving through the initialize handshake
// and expiring after a period of inactivity.
package session

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State int

// Session states. Closed is terminal.
const (
	StateCreated State = iota
	StateInitializing
	StateInitialized
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// canTransition reports whether from -> to is an edge of the state machine.
func canTransition(from, to State) bool {
	switch to {
	case StateInitializing:
		return from == StateCreated
	case StateInitialized:
		return from == StateInitializing
	case StateClosed:
		return from != StateClosed
	default:
		return false
	}
}

// ClientInfo is the name and version a client declares in initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Info is a point-in-time copy of a session's fields.
type Info struct {
	Token           string
	ConnectionID    string
	State           State
	CreatedAt       time.Time
	LastActivity    time.Time
	ProtocolVersion string
	Client          ClientInfo
	Capabilities    json.RawMessage
	LogLevel        string
}

// Session is a live MCP session. Its mutable fields are guarded by its own
// mutex so that unrelated sessions never contend.
type Session struct {
	token     string
	connID    string
	createdAt time.Time

	mu              sync.Mutex
	state           State
	lastActivity    time.Time
	protocolVersion string
	client          ClientInfo
	capabilities    json.RawMessage
	logLevel        string
}

// Token returns the session token.
func (s *Session) Token() string { return s.token }

// ConnectionID returns the id of the connection that owns the session.
func (s *Session) ConnectionID() string { return s.connID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last routed message.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// LogLevel returns the minimum log level requested by the client.
func (s *Session) LogLevel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logLevel
}

// Info returns a copy of the session's fields.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Token:           s.token,
		ConnectionID:    s.connID,
		State:           s.state,
		CreatedAt:       s.createdAt,
		LastActivity:    s.lastActivity,
		ProtocolVersion: s.protocolVersion,
		Client:          s.client,
		Capabilities:    s.capabilities,
		LogLevel:        s.logLevel,
	}
}

// transition moves the session to the given state. Callers hold s.mu.
func (s *Session) transition(to State) (State, error) {
	from := s.state
	if !canTransition(from, to) {
		if from == StateClosed {
			return from, ErrNotFound
		}
		return from, &TransitionError{From: from, To: to}
	}
	s.state = to
	return from, nil
}

// newToken returns 32 hex characters of random data.
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
