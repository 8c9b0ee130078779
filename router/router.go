// Package router maps MCP method names to handlers, enforces the
// initialize handshake and turns handler outcomes into JSON-RPC responses.
//
// Every method except initialize requires the connection to have an
// Initialized session. Requests that fail this check get -32600;
// notifications are dropped and logged.
package router

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/felixgeelhaar/embed-mcp/clients"
	"github.com/felixgeelhaar/embed-mcp/middleware"
	"github.com/felixgeelhaar/embed-mcp/protocol"
	"github.com/felixgeelhaar/embed-mcp/server"
	"github.com/felixgeelhaar/embed-mcp/session"
)

// Handler handles one method. The returned value becomes the result of the
// response; a non-nil error is converted with ToProtocolError. For
// notifications both are discarded.
type Handler func(ctx context.Context, req *protocol.Request) (any, error)

// Notifier delivers server-initiated notifications to one connection.
type Notifier interface {
	Notify(ctx context.Context, connID, method string, params any) error
}

// MethodStats is a snapshot of one method's counters.
type MethodStats struct {
	Method            string
	Description       string
	RequestsHandled   uint64
	ErrorsEncountered uint64
	LastUsed          time.Time
}

type entry struct {
	method      string
	description string
	handler     Handler

	mu       sync.Mutex
	handled  uint64
	errors   uint64
	lastUsed time.Time
}

func (e *entry) record(failed bool, now time.Time) {
	e.mu.Lock()
	e.handled++
	if failed {
		e.errors++
	}
	e.lastUsed = now
	e.mu.Unlock()
}

func (e *entry) stats() MethodStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return MethodStats{
		Method:            e.method,
		Description:       e.description,
		RequestsHandled:   e.handled,
		ErrorsEncountered: e.errors,
		LastUsed:          e.lastUsed,
	}
}

// Option configures a Router.
type Option func(*Router)

// WithMiddleware sets the middleware every handler runs inside.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(r *Router) {
		r.middleware = append(r.middleware, mw...)
	}
}

// WithLogger sets the logger for dropped notifications and handshake events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// WithClock sets the clock used for last-used timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(r *Router) {
		r.clock = c
	}
}

// WithNotifier enables progress notifications from tool handlers.
func WithNotifier(n Notifier) Option {
	return func(r *Router) {
		r.notifier = n
	}
}

// Router dispatches parsed messages to method handlers.
type Router struct {
	sessions *session.Store
	clients  *clients.Registry
	registry *server.Server

	logger     *slog.Logger
	clock      clockwork.Clock
	notifier   Notifier
	middleware []middleware.Middleware

	mu      sync.RWMutex
	entries map[string]*entry

	chain    middleware.HandlerFunc
	inflight *inflight
}

// New creates a router with the built-in MCP methods registered.
func New(sessions *session.Store, reg *clients.Registry, registry *server.Server, opts ...Option) *Router {
	r := &Router{
		sessions: sessions,
		clients:  reg,
		registry: registry,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:    clockwork.NewRealClock(),
		entries:  make(map[string]*entry),
		inflight: newInflight(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.chain = middleware.Chain(r.middleware...)(r.invoke)
	r.registerBuiltins()
	return r
}

// Register adds a handler for method.
func (r *Router) Register(method string, h Handler, description string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[method]; ok {
		return ErrAlreadyRegistered
	}
	r.entries[method] = &entry{method: method, description: description, handler: h}
	return nil
}

// Unregister removes the handler for method and reports whether one existed.
func (r *Router) Unregister(method string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[method]; !ok {
		return false
	}
	delete(r.entries, method)
	return true
}

func (r *Router) lookup(method string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[method]
	return e, ok
}

// Stats returns a snapshot of every method's counters sorted by method.
func (r *Router) Stats() []MethodStats {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]MethodStats, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// InFlight returns the number of tool calls that can still be cancelled.
func (r *Router) InFlight() int {
	return r.inflight.len()
}

// CancelConnection cancels every in-flight tool call of the connection.
func (r *Router) CancelConnection(connID string) int {
	return r.inflight.cancelConnection(connID)
}

type entryKey struct{}

// Route handles one message received on connID. It returns exactly one
// response for a request, carrying the request's id, and nil for a
// notification.
func (r *Router) Route(ctx context.Context, connID string, req *protocol.Request) *protocol.Response {
	ctx = protocol.ContextWithConnectionID(ctx, connID)

	token, err := r.checkInitialized(connID, req.Method)
	if err != nil {
		return r.fail(ctx, req, err)
	}
	if token != "" {
		ctx = protocol.ContextWithSessionToken(ctx, token)
	}

	e, ok := r.lookup(req.Method)
	if !ok {
		return r.fail(ctx, req, protocol.NewMethodNotFound("Method not found: "+req.Method))
	}

	resp, err := r.chain(context.WithValue(ctx, entryKey{}, e), req)
	failed := err != nil || (resp != nil && resp.Error != nil)
	e.record(failed, r.clock.Now())

	if token != "" && !failed {
		_ = r.sessions.Touch(token)
	}

	if err != nil {
		return r.fail(ctx, req, err)
	}
	if req.IsNotification() {
		if failed {
			r.logger.WarnContext(ctx, "notification failed",
				slog.String("method", req.Method),
				slog.String("connection", connID),
				slog.Any("error", resp.Error))
		}
		return nil
	}
	if resp == nil {
		resp = protocol.NewResponse(req.ID, nil)
	}
	resp.ID = req.ID
	return resp
}

// invoke is the innermost handler of the middleware chain.
func (r *Router) invoke(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	e := ctx.Value(entryKey{}).(*entry)

	result, err := e.handler(ctx, req)
	if err != nil {
		return nil, ToProtocolError(err)
	}
	if req.IsNotification() {
		return nil, nil
	}
	return protocol.NewResponse(req.ID, result), nil
}

// checkInitialized enforces the handshake and returns the session token
// bound to the connection.
func (r *Router) checkInitialized(connID, method string) (string, error) {
	sess, ok := r.sessions.FindByConnection(connID)

	switch method {
	case protocol.MethodInitialize:
		return "", nil
	case protocol.MethodInitialized:
		if !ok {
			return "", ErrNotInitialized
		}
		return sess.Token(), nil
	}

	if !ok || sess.State() != session.StateInitialized {
		return "", ErrNotInitialized
	}
	return sess.Token(), nil
}

func (r *Router) fail(ctx context.Context, req *protocol.Request, err error) *protocol.Response {
	perr := ToProtocolError(err)
	if req.IsNotification() {
		r.logger.WarnContext(ctx, "dropping notification",
			slog.String("method", req.Method),
			slog.String("connection", protocol.ConnectionIDFromContext(ctx)),
			slog.String("error", perr.Message))
		return nil
	}
	return protocol.NewErrorResponse(req.ID, perr)
}
