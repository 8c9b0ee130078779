package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultMaxSessions is the capacity used when none is configured.
const DefaultMaxSessions = 10

// Store owns the set of live sessions.
//
// Structural changes (insert, remove, sweep) hold mu exclusively; lookups
// and Touch hold it shared, so a sweep never closes a session that an
// in-flight request is touching.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session // token -> session
	byConn   map[string]string   // connection id -> token

	maxSessions int
	clock       clockwork.Clock
	logger      *slog.Logger
	observer    Observer

	created atomic.Uint64
	closed  atomic.Uint64
	expired atomic.Uint64
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSessions sets the capacity of the store.
func WithMaxSessions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

// WithClock sets the time source.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Store) {
		s.observer = o
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions:    make(map[string]*Session),
		byConn:      make(map[string]string),
		maxSessions: DefaultMaxSessions,
		clock:       clockwork.NewRealClock(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer:    nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts a new session for the connection and returns its token.
// A session already bound to the connection is closed first.
func (s *Store) Create(connID string) (string, error) {
	var replaced *Info

	s.mu.Lock()
	if old, ok := s.byConn[connID]; ok {
		if sess, ok := s.sessions[old]; ok {
			info := s.removeLocked(sess)
			replaced = &info
		}
	}

	if len(s.sessions) >= s.maxSessions {
		s.mu.Unlock()
		if replaced != nil {
			s.notifyClosed(*replaced, ReasonReplaced)
		}
		return "", ErrResourceExhausted
	}

	token := newToken()
	for _, exists := s.sessions[token]; exists; _, exists = s.sessions[token] {
		token = newToken()
	}

	now := s.clock.Now()
	s.sessions[token] = &Session{
		token:        token,
		connID:       connID,
		createdAt:    now,
		state:        StateCreated,
		lastActivity: now,
	}
	s.byConn[connID] = token
	s.mu.Unlock()

	s.created.Add(1)
	if replaced != nil {
		s.notifyClosed(*replaced, ReasonReplaced)
	}
	s.logger.Debug("session created", slog.String("session", token), slog.String("connection", connID))
	return token, nil
}

// Find returns the live session with the given token.
func (s *Store) Find(token string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[token]
	return sess, ok
}

// FindByConnection returns the live session bound to the connection.
func (s *Store) FindByConnection(connID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.byConn[connID]
	if !ok {
		return nil, false
	}
	sess, ok := s.sessions[token]
	return sess, ok
}

// MarkInitializing moves a Created session to Initializing.
func (s *Store) MarkInitializing(token string) error {
	return s.transition(token, StateInitializing)
}

// MarkInitialized moves an Initializing session to Initialized.
func (s *Store) MarkInitialized(token string) error {
	return s.transition(token, StateInitialized)
}

func (s *Store) transition(token string, to State) error {
	s.mu.RLock()
	sess, ok := s.sessions[token]
	if !ok {
		s.mu.RUnlock()
		return ErrNotFound
	}
	sess.mu.Lock()
	from, err := sess.transition(to)
	sess.mu.Unlock()
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	s.observer.SessionStateChanged(sess.Info(), from)
	s.logger.Debug("session state changed",
		slog.String("session", token),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	return nil
}

// Touch refreshes the last-activity time of a session.
func (s *Store) Touch(token string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[token]
	if !ok {
		return ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == StateClosed {
		return ErrNotFound
	}
	sess.lastActivity = s.clock.Now()
	return nil
}

// SetClientInfo records what the client declared during initialize.
func (s *Store) SetClientInfo(token, protocolVersion string, client ClientInfo, capabilities json.RawMessage) error {
	return s.update(token, func(sess *Session) {
		sess.protocolVersion = protocolVersion
		sess.client = client
		sess.capabilities = capabilities
	})
}

// SetLogLevel records the minimum log level the client wants to receive.
func (s *Store) SetLogLevel(token, level string) error {
	return s.update(token, func(sess *Session) {
		sess.logLevel = level
	})
}

func (s *Store) update(token string, fn func(*Session)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[token]
	if !ok {
		return ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	fn(sess)
	return nil
}

// Close removes a session from the store.
func (s *Store) Close(token string) error {
	return s.closeWith(token, ReasonClosed)
}

// CloseConnection closes the session bound to the connection, if any.
func (s *Store) CloseConnection(connID string) bool {
	s.mu.RLock()
	token, ok := s.byConn[connID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return s.closeWith(token, ReasonConnectionClosed) == nil
}

func (s *Store) closeWith(token string, reason CloseReason) error {
	s.mu.Lock()
	sess, ok := s.sessions[token]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	info := s.removeLocked(sess)
	s.mu.Unlock()

	s.notifyClosed(info, reason)
	return nil
}

// SweepExpired closes every session idle for longer than timeout and
// returns how many were closed.
func (s *Store) SweepExpired(timeout time.Duration) int {
	var swept []Info

	s.mu.Lock()
	now := s.clock.Now()
	for _, sess := range s.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastActivity)
		sess.mu.Unlock()
		if idle > timeout {
			swept = append(swept, s.removeLocked(sess))
		}
	}
	s.mu.Unlock()

	for _, info := range swept {
		s.expired.Add(1)
		s.notifyClosed(info, ReasonExpired)
	}
	return len(swept)
}

// CloseAll closes every session and returns how many were closed.
func (s *Store) CloseAll() int {
	var closed []Info

	s.mu.Lock()
	for _, sess := range s.sessions {
		closed = append(closed, s.removeLocked(sess))
	}
	s.mu.Unlock()

	for _, info := range closed {
		s.notifyClosed(info, ReasonShutdown)
	}
	return len(closed)
}

// Run sweeps expired sessions every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval, timeout time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := s.SweepExpired(timeout); n > 0 {
				s.logger.Info("expired sessions closed", slog.Int("count", n))
			}
		}
	}
}

// removeLocked unindexes sess and marks it closed. Callers hold s.mu.
func (s *Store) removeLocked(sess *Session) Info {
	sess.mu.Lock()
	sess.state = StateClosed
	sess.mu.Unlock()

	delete(s.sessions, sess.token)
	if s.byConn[sess.connID] == sess.token {
		delete(s.byConn, sess.connID)
	}
	s.closed.Add(1)
	return sess.Info()
}

func (s *Store) notifyClosed(info Info, reason CloseReason) {
	s.logger.Debug("session closed",
		slog.String("session", info.Token),
		slog.String("connection", info.ConnectionID),
		slog.String("reason", string(reason)),
	)
	s.observer.SessionClosed(info, reason)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sessions returns a snapshot of every live session.
func (s *Store) Sessions() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Info())
	}
	return out
}

// Stats is a snapshot of store counters.
type Stats struct {
	Active  int
	Max     int
	Created uint64
	Closed  uint64
	Expired uint64
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	return Stats{
		Active:  s.Len(),
		Max:     s.maxSessions,
		Created: s.created.Load(),
		Closed:  s.closed.Load(),
		Expired: s.expired.Load(),
	}
}
