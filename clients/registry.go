// Package clients tracks the transport connections of a server with
// reference-counted handles, activity and heartbeat bookkeeping, an
// inactivity reaper and broadcast delivery.
package clients

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/panics"
)

// DefaultMaxClients is the capacity used when none is configured.
const DefaultMaxClients = 16

// Sender delivers an encoded message to one connection.
type Sender interface {
	Send(ctx context.Context, connID string, data []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, connID string, data []byte) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, connID string, data []byte) error {
	return f(ctx, connID, data)
}

// Registry owns the set of live clients.
//
// Insert and remove hold mu exclusively; lookups and snapshots hold it
// shared. Per-client fields are guarded by each client's own mutex.
type Registry struct {
	mu        sync.RWMutex
	clients   map[string]*Client // connection id -> client
	bySession map[string]string  // session token -> connection id

	maxClients        int
	heartbeatInterval time.Duration
	requireHeartbeat  bool
	clock             clockwork.Clock
	logger            *slog.Logger
	observer          Observer

	live              atomic.Int64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
	totalTimedOut     atomic.Uint64
	totalDestroyed    atomic.Uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxClients sets the capacity of the registry.
func WithMaxClients(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxClients = n
		}
	}
}

// WithHeartbeat evicts clients that miss two heartbeat intervals when
// required is true.
func WithHeartbeat(interval time.Duration, required bool) Option {
	return func(r *Registry) {
		r.heartbeatInterval = interval
		r.requireHeartbeat = required && interval > 0
	}
}

// WithClock sets the time source.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clients:    make(map[string]*Client),
		bySession:  make(map[string]string),
		maxClients: DefaultMaxClients,
		clock:      clockwork.NewRealClock(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// --- Lookup ---

// Add registers a new connection and returns a reference to its client.
func (r *Registry) Add(conn Connection) (*Client, error) {
	now := r.clock.Now()
	c := &Client{
		registry:      r,
		conn:          conn,
		connectedAt:   now,
		state:         StateConnected,
		refs:          2, // registry index + caller
		indexed:       true,
		lastActivity:  now,
		lastHeartbeat: now,
	}

	r.mu.Lock()
	if _, exists := r.clients[conn.ID]; exists {
		r.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	if len(r.clients) >= r.maxClients {
		r.mu.Unlock()
		return nil, ErrResourceExhausted
	}
	r.clients[conn.ID] = c
	r.mu.Unlock()

	r.live.Add(1)
	r.totalConnected.Add(1)
	r.logger.Debug("client connected",
		slog.String("client", conn.ID),
		slog.String("transport", string(conn.Transport)),
		slog.String("remote", conn.RemoteAddr),
	)
	return c, nil
}

// Find returns a new reference to the client, or nil.
func (r *Registry) Find(id string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil
	}
	return c.acquire()
}

// FindByConnection returns a new reference to the client of conn, or nil.
func (r *Registry) FindByConnection(conn Connection) *Client {
	return r.Find(conn.ID)
}

// FindBySession returns a new reference to the client bound to the
// session token, or nil.
func (r *Registry) FindBySession(token string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySession[token]
	if !ok {
		return nil
	}
	c, ok := r.clients[id]
	if !ok {
		return nil
	}
	return c.acquire()
}

// Remove disconnects the client with the given id.
func (r *Registry) Remove(id string) error {
	c := r.Find(id)
	if c == nil {
		return ErrNotFound
	}
	defer c.Release()

	if !r.disconnect(c) {
		return ErrNotFound
	}
	return nil
}

// --- Lifecycle ---

// Authenticate binds a session token to the client and moves a Connected
// client to Authenticated.
func (r *Registry) Authenticate(c *Client, token string) error {
	r.mu.Lock()
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		r.mu.Unlock()
		return ErrDisconnected
	}
	if c.sessionToken != "" && r.bySession[c.sessionToken] == c.conn.ID {
		delete(r.bySession, c.sessionToken)
	}
	c.sessionToken = token
	if c.indexed {
		r.bySession[token] = c.conn.ID
	}
	from, changed := StateConnected, false
	if c.state == StateConnected {
		from, changed = c.setStateLocked(StateAuthenticated)
	}
	info := c.infoLocked()
	c.mu.Unlock()
	r.mu.Unlock()

	if changed {
		r.stateChanged(info, from)
	}
	return nil
}

// Unbind drops the binding of token to its client, if any, so that
// FindBySession no longer resolves a closed session. It reports whether a
// binding was removed.
func (r *Registry) Unbind(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySession[token]
	if !ok {
		return false
	}
	delete(r.bySession, token)
	if c, ok := r.clients[id]; ok {
		c.mu.Lock()
		if c.sessionToken == token {
			c.sessionToken = ""
		}
		c.mu.Unlock()
	}
	return true
}

// Activate marks an authenticated or inactive client as Active.
func (r *Registry) Activate(c *Client) error {
	return r.transition(c, StateActive, StateAuthenticated, StateInactive, StateActive)
}

// Deactivate marks an authenticated or active client as Inactive.
func (r *Registry) Deactivate(c *Client) error {
	return r.transition(c, StateInactive, StateAuthenticated, StateActive, StateInactive)
}

func (r *Registry) transition(c *Client, to State, allowed ...State) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return ErrDisconnected
	}
	ok := false
	for _, s := range allowed {
		if c.state == s {
			ok = true
			break
		}
	}
	if !ok {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	from, changed := c.setStateLocked(to)
	info := c.infoLocked()
	c.mu.Unlock()

	if changed {
		r.stateChanged(info, from)
	}
	return nil
}

// Disconnect moves the client to Disconnected and drops the registry's
// reference. The client is destroyed once every other holder has released
// its reference. Disconnecting twice is a no-op.
func (r *Registry) Disconnect(c *Client) {
	r.disconnect(c)
}

// disconnect reports whether this call performed the disconnection.
func (r *Registry) disconnect(c *Client) bool {
	_, ok := r.disconnectIf(c, nil)
	return ok
}

// disconnectIf disconnects c when cond, evaluated under c's lock, holds or
// is nil. It returns the client info at the time of disconnection.
func (r *Registry) disconnectIf(c *Client, cond func(*Client) bool) (Info, bool) {
	r.mu.Lock()
	c.mu.Lock()
	if !c.indexed || (cond != nil && !cond(c)) {
		c.mu.Unlock()
		r.mu.Unlock()
		return Info{}, false
	}
	c.indexed = false
	if r.clients[c.conn.ID] == c {
		delete(r.clients, c.conn.ID)
	}
	if c.sessionToken != "" && r.bySession[c.sessionToken] == c.conn.ID {
		delete(r.bySession, c.sessionToken)
	}
	from, changed := c.setStateLocked(StateDisconnected)
	info := c.infoLocked()
	c.mu.Unlock()
	r.mu.Unlock()

	r.totalDisconnected.Add(1)
	if changed {
		r.stateChanged(info, from)
	}
	r.observer.ClientDisconnected(info)
	r.logger.Debug("client disconnected", slog.String("client", info.ID))

	// drop the index reference
	_ = c.Release()
	return info, true
}

// DisconnectAll disconnects every live client and returns how many were
// disconnected.
func (r *Registry) DisconnectAll() int {
	r.mu.RLock()
	snapshot := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		snapshot = append(snapshot, c.acquire())
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range snapshot {
		if r.disconnect(c) {
			n++
		}
		_ = c.Release()
	}
	return n
}

// UpdateActivity refreshes the client's last activity and reactivates an
// Inactive client.
func (r *Registry) UpdateActivity(c *Client) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.lastActivity = r.clock.Now()
	from, changed := StateInactive, false
	if c.state == StateInactive {
		from, changed = c.setStateLocked(StateActive)
	}
	info := c.infoLocked()
	c.mu.Unlock()

	if changed {
		r.stateChanged(info, from)
	}
	return nil
}

// UpdateHeartbeat records a heartbeat from the client.
func (r *Registry) UpdateHeartbeat(c *Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return ErrDisconnected
	}
	c.lastHeartbeat = r.clock.Now()
	return nil
}

func (r *Registry) stateChanged(info Info, from State) {
	r.logger.Debug("client state changed",
		slog.String("client", info.ID),
		slog.String("from", from.String()),
		slog.String("to", info.State.String()),
	)
	r.observer.ClientStateChanged(info, from)
}

func (r *Registry) destroy(c *Client) {
	r.live.Add(-1)
	r.totalDestroyed.Add(1)
	r.logger.Debug("client destroyed", slog.String("client", c.conn.ID))
}

// --- Delivery ---

// Broadcast sends data to every Active client and returns the number of
// successful sends. A failed send does not stop delivery to the others.
func (r *Registry) Broadcast(ctx context.Context, sender Sender, data []byte) int {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.State() == StateActive {
			targets = append(targets, c.acquire())
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := sender.Send(ctx, c.conn.ID, data); err != nil {
			r.logger.Warn("broadcast send failed", slog.String("client", c.conn.ID), slog.Any("error", err))
		} else {
			c.RecordSent(len(data))
			c.RecordNotification()
			sent++
		}
		_ = c.Release()
	}
	return sent
}

// --- Sweep ---

// CleanupInactive disconnects every client idle for longer than timeout,
// or missing heartbeats when heartbeats are required, and returns how many
// were disconnected. Staleness is checked again under the client's lock at
// eviction, so a client touched during the sweep survives. The timeout
// observer runs once per evicted client after it is disconnected; a panic
// in it is logged and does not stop the sweep. Active clients idle for
// more than half the timeout are marked Inactive.
func (r *Registry) CleanupInactive(timeout time.Duration) int {
	r.mu.RLock()
	snapshot := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		snapshot = append(snapshot, c.acquire())
	}
	r.mu.RUnlock()

	removed := 0
	for _, c := range snapshot {
		c.mu.Lock()
		expired := r.expiredLocked(c, timeout)
		idle := r.clock.Now().Sub(c.lastActivity)
		state := c.state
		c.mu.Unlock()

		switch {
		case state == StateDisconnected:
		case expired:
			info, ok := r.disconnectIf(c, func(c *Client) bool { return r.expiredLocked(c, timeout) })
			if !ok {
				break
			}
			r.totalTimedOut.Add(1)
			removed++
			var pc panics.Catcher
			pc.Try(func() { r.observer.ClientTimedOut(info) })
			if rec := pc.Recovered(); rec != nil {
				r.logger.Error("client timeout callback panicked",
					slog.String("client", info.ID),
					slog.Any("error", rec.AsError()),
				)
			}
		case state == StateActive && idle > timeout/2:
			_ = r.Deactivate(c)
		}
		_ = c.Release()
	}
	return removed
}

// expiredLocked reports whether c is past its idle or heartbeat deadline.
// c.mu must be held.
func (r *Registry) expiredLocked(c *Client, timeout time.Duration) bool {
	now := r.clock.Now()
	if now.Sub(c.lastActivity) > timeout {
		return true
	}
	return r.requireHeartbeat && now.Sub(c.lastHeartbeat) > 2*r.heartbeatInterval
}

// Run calls CleanupInactive every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, timeout time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := r.CleanupInactive(timeout); n > 0 {
				r.logger.Info("inactive clients disconnected", slog.Int("count", n))
			}
		}
	}
}

// --- Stats ---

// Snapshot is a point-in-time view of registry counters.
type Snapshot struct {
	Current           int
	Max               int
	ByState           map[State]int
	Live              int64
	TotalConnected    uint64
	TotalDisconnected uint64
	TotalTimedOut     uint64
	TotalDestroyed    uint64
}

// Stats returns the current counters. Live counts clients that are not yet
// destroyed, including disconnected clients still referenced by a holder.
func (r *Registry) Stats() Snapshot {
	r.mu.RLock()
	byState := make(map[State]int)
	for _, c := range r.clients {
		byState[c.State()]++
	}
	current := len(r.clients)
	r.mu.RUnlock()

	return Snapshot{
		Current:           current,
		Max:               r.maxClients,
		ByState:           byState,
		Live:              r.live.Load(),
		TotalConnected:    r.totalConnected.Load(),
		TotalDisconnected: r.totalDisconnected.Load(),
		TotalTimedOut:     r.totalTimedOut.Load(),
		TotalDestroyed:    r.totalDestroyed.Load(),
	}
}

// Len returns the number of connected clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Clients returns a snapshot of every connected client.
func (r *Registry) Clients() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.Info())
	}
	return out
}
