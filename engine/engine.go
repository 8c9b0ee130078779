// Package engine connects transports to the MCP core. It parses raw
// messages, routes them, and hands responses back to the transport through
// a Sender. It also owns the session and client sweeps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/felixgeelhaar/embed-mcp/clients"
	"github.com/felixgeelhaar/embed-mcp/config"
	"github.com/felixgeelhaar/embed-mcp/logging"
	"github.com/felixgeelhaar/embed-mcp/middleware"
	"github.com/felixgeelhaar/embed-mcp/protocol"
	"github.com/felixgeelhaar/embed-mcp/router"
	"github.com/felixgeelhaar/embed-mcp/server"
	"github.com/felixgeelhaar/embed-mcp/session"
)

var (
	// ErrUnknownConnection is returned for a connection that was never
	// opened or is already closed.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("engine closed")
)

// Sender delivers serialized messages to a connection. Transports
// implement it.
type Sender = clients.Sender

// SenderFunc adapts a function to Sender.
type SenderFunc = clients.SenderFunc

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine and every component it builds.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock sets the clock used by the stores and sweeps.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithMiddleware appends middleware after the default stack.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(e *Engine) {
		e.middleware = append(e.middleware, mw...)
	}
}

// WithTracerProvider sets the tracer provider for per-message spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracerProvider = tp
	}
}

// WithMeterProvider sets the meter provider for message metrics and the
// live session and client gauges.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		e.meterProvider = mp
	}
}

// WithSessionObserver subscribes o to session lifecycle events.
func WithSessionObserver(o session.Observer) Option {
	return func(e *Engine) {
		e.sessionObservers = append(e.sessionObservers, o)
	}
}

// WithClientObserver subscribes o to client lifecycle events.
func WithClientObserver(o clients.Observer) Option {
	return func(e *Engine) {
		e.clientObservers = append(e.clientObservers, o)
	}
}

// Engine is the protocol engine of one MCP server.
type Engine struct {
	cfg      config.Config
	logger   *slog.Logger
	clock    clockwork.Clock
	sender   Sender
	registry *server.Server

	sessions *session.Store
	clients  *clients.Registry
	router   *router.Router

	middleware       []middleware.Middleware
	tracerProvider   trace.TracerProvider
	meterProvider    metric.MeterProvider
	sessionObservers []session.Observer
	clientObservers  []clients.Observer
	gauges           metric.Registration

	mu      sync.Mutex
	cancel  context.CancelFunc
	sweeps  *conc.WaitGroup
	running bool
	closed  bool
}

// New builds an engine serving registry over sender.
func New(cfg config.Config, registry *server.Server, sender Sender, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &Engine{
		cfg:            cfg,
		logger:         logging.Discard(),
		clock:          clockwork.NewRealClock(),
		sender:         sender,
		registry:       registry,
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.sessions = session.NewStore(
		session.WithMaxSessions(cfg.MaxSessions),
		session.WithClock(e.clock),
		session.WithLogger(e.logger.With(slog.String("component", "sessions"))),
		session.WithObserver(sessionObservers(append([]session.Observer{session.ObserverFuncs{
			OnClosed: e.sessionClosed,
		}}, e.sessionObservers...))),
	)

	clientObs := append([]clients.Observer{clients.ObserverFuncs{
		OnDisconnected: e.clientDisconnected,
		OnTimedOut:     e.clientTimedOut,
	}}, e.clientObservers...)
	e.clients = clients.NewRegistry(
		clients.WithMaxClients(cfg.MaxClients),
		clients.WithHeartbeat(cfg.HeartbeatInterval, cfg.RequireHeartbeat),
		clients.WithClock(e.clock),
		clients.WithLogger(e.logger.With(slog.String("component", "clients"))),
		clients.WithObserver(clientObservers(clientObs)),
	)

	mwLogger := e.logger.With(slog.String("component", "middleware"))
	stack := middleware.DefaultStack(mwLogger, cfg.MaxParamsBytes)
	stack = append(stack, middleware.OTel(
		middleware.WithTracerProvider(e.tracerProvider),
		middleware.WithMeterProvider(e.meterProvider),
		middleware.WithOTelServiceName(cfg.Name),
		middleware.WithOTelSkipMethods(protocol.MethodPing),
	))
	if cfg.RateLimit > 0 {
		stack = append(stack, middleware.RateLimit(cfg.RateLimit, cfg.RateBurst,
			middleware.WithRateLimitLogger(mwLogger)))
	}
	stack = append(stack, e.middleware...)

	e.router = router.New(e.sessions, e.clients, registry,
		router.WithMiddleware(stack...),
		router.WithLogger(e.logger.With(slog.String("component", "router"))),
		router.WithClock(e.clock),
		router.WithNotifier(e),
	)

	registry.OnListChanged(func(method string) {
		e.Broadcast(context.Background(), method, nil)
	})

	if err := e.registerGauges(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) registerGauges() error {
	meter := e.meterProvider.Meter(middleware.InstrumentationName)

	sessionsGauge, err := meter.Int64ObservableGauge("mcp.server.sessions",
		metric.WithDescription("Live MCP sessions"),
		metric.WithUnit("{session}"))
	if err != nil {
		return fmt.Errorf("sessions gauge: %w", err)
	}
	clientsGauge, err := meter.Int64ObservableGauge("mcp.server.clients",
		metric.WithDescription("Connected MCP clients"),
		metric.WithUnit("{client}"))
	if err != nil {
		return fmt.Errorf("clients gauge: %w", err)
	}

	e.gauges, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(sessionsGauge, int64(e.sessions.Len()))
		o.ObserveInt64(clientsGauge, int64(e.clients.Len()))
		return nil
	}, sessionsGauge, clientsGauge)
	if err != nil {
		return fmt.Errorf("register gauges: %w", err)
	}
	return nil
}

// Sessions returns the session store.
func (e *Engine) Sessions() *session.Store { return e.sessions }

// Clients returns the client registry.
func (e *Engine) Clients() *clients.Registry { return e.clients }

// Router returns the request router, for registering custom methods.
func (e *Engine) Router() *router.Router { return e.router }

// Registry returns the tool, resource and prompt registry.
func (e *Engine) Registry() *server.Server { return e.registry }

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.Config { return e.cfg }

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// --- Transport callbacks ---

// ConnectionOpened registers a new transport connection. It fails with
// clients.ErrResourceExhausted when the registry is full.
func (e *Engine) ConnectionOpened(ctx context.Context, conn clients.Connection) error {
	if e.isClosed() {
		return ErrClosed
	}

	c, err := e.clients.Add(conn)
	if err != nil {
		e.logger.WarnContext(ctx, "connection rejected",
			slog.String("connection", conn.ID),
			slog.Any("error", err))
		return err
	}
	_ = e.clients.UpdateHeartbeat(c)
	_ = c.Release()

	e.logger.InfoContext(ctx, "connection opened",
		slog.String("connection", conn.ID),
		slog.String("transport", string(conn.Transport)),
		slog.String("remote", conn.RemoteAddr))
	return nil
}

// ConnectionClosed disconnects the client and closes its session.
func (e *Engine) ConnectionClosed(ctx context.Context, connID string) {
	if c := e.clients.Find(connID); c != nil {
		e.clients.Disconnect(c)
		_ = c.Release()
	}
	e.sessions.CloseConnection(connID)
	e.logger.InfoContext(ctx, "connection closed", slog.String("connection", connID))
}

// HandleMessage processes one raw message received on connID. A response
// is sent for every request and for envelopes that cannot be parsed;
// notifications never produce one. The returned error reports an unknown
// connection or a failed send, never a protocol error.
//
// HandleMessage is safe for concurrent use across connections; transports
// serialize messages of a single connection.
func (e *Engine) HandleMessage(ctx context.Context, connID string, raw []byte) error {
	c := e.clients.Find(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	defer func() { _ = c.Release() }()

	c.RecordReceived(len(raw))
	_ = e.clients.UpdateActivity(c)

	req, err := protocol.Parse(raw)
	if err != nil {
		e.logger.DebugContext(ctx, "invalid message",
			slog.String("connection", connID),
			slog.Any("error", err))
		if !errors.Is(err, protocol.ErrMalformed) && protocol.IsResponse(raw) {
			return nil
		}
		return e.send(ctx, c, protocol.NewErrorResponse(protocol.RecoverID(raw), protocol.ErrorFor(err)))
	}

	resp := e.router.Route(ctx, connID, req)
	if resp == nil {
		return nil
	}
	c.RecordRequest()
	return e.send(ctx, c, resp)
}

func (e *Engine) send(ctx context.Context, c *clients.Client, v any) error {
	data, err := protocol.Serialize(v)
	if err != nil {
		return fmt.Errorf("serialize: %w", err)
	}
	if err := e.sender.Send(ctx, c.ID(), data); err != nil {
		return fmt.Errorf("send to %s: %w", c.ID(), err)
	}
	c.RecordSent(len(data))
	return nil
}

// --- Server-initiated messages ---

// Notify sends a notification to one connection. Log messages below the
// level the session asked for with logging/setLevel are dropped.
func (e *Engine) Notify(ctx context.Context, connID, method string, params any) error {
	c := e.clients.Find(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	defer func() { _ = c.Release() }()

	if method == protocol.MethodLogMessage && !e.admitsLog(connID, params) {
		return nil
	}

	if err := e.send(ctx, c, protocol.NewNotification(method, params)); err != nil {
		return err
	}
	c.RecordNotification()
	return nil
}

func (e *Engine) admitsLog(connID string, params any) bool {
	var level server.LogLevel
	switch m := params.(type) {
	case server.LoggingMessage:
		level = m.Level
	case *server.LoggingMessage:
		level = m.Level
	default:
		return true
	}

	sess, ok := e.sessions.FindByConnection(connID)
	if !ok || sess.LogLevel() == "" {
		return true
	}
	return server.ShouldLog(level, server.LogLevel(sess.LogLevel()))
}

// Log sends a notifications/message to one connection.
func (e *Engine) Log(ctx context.Context, connID string, level server.LogLevel, logger string, data any) error {
	return e.Notify(ctx, connID, protocol.MethodLogMessage, server.LoggingMessage{
		Level:  level,
		Logger: logger,
		Data:   data,
	})
}

// Broadcast sends a notification to every Active client and returns the
// number of successful sends.
func (e *Engine) Broadcast(ctx context.Context, method string, params any) int {
	data, err := protocol.Serialize(protocol.NewNotification(method, params))
	if err != nil {
		e.logger.ErrorContext(ctx, "serialize broadcast", slog.String("method", method), slog.Any("error", err))
		return 0
	}
	return e.clients.Broadcast(ctx, e.sender, data)
}

// --- Lifecycle ---

// Start launches the session expiry sweep and the client inactivity sweep.
// They run until ctx is done or Shutdown is called. With auto cleanup
// disabled Start does nothing.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.running {
		return ErrAlreadyStarted
	}
	e.running = true

	if !e.cfg.AutoCleanup {
		return nil
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.sweeps = conc.NewWaitGroup()

	e.sweeps.Go(func() {
		e.sessions.Run(ctx, e.cfg.CleanupInterval, e.cfg.SessionTimeout)
	})
	e.sweeps.Go(func() {
		e.clients.Run(ctx, e.clientSweepInterval(), e.cfg.ClientTimeout)
	})

	e.logger.InfoContext(ctx, "sweeps started",
		slog.Duration("interval", e.cfg.CleanupInterval),
		slog.Duration("session_timeout", e.cfg.SessionTimeout),
		slog.Duration("client_timeout", e.cfg.ClientTimeout))
	return nil
}

func (e *Engine) clientSweepInterval() time.Duration {
	if e.cfg.RequireHeartbeat && e.cfg.HeartbeatInterval < e.cfg.CleanupInterval {
		return e.cfg.HeartbeatInterval
	}
	return e.cfg.CleanupInterval
}

// Shutdown stops the sweeps and waits for them, then disconnects every
// client and closes every session. Calling it again is a no-op.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel, sweeps := e.cancel, e.sweeps
	e.mu.Unlock()

	var result *multierror.Error

	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			sweeps.Wait()
		}()
		select {
		case <-done:
		case <-ctx.Done():
			result = multierror.Append(result, fmt.Errorf("wait for sweeps: %w", ctx.Err()))
		}
	}

	disconnected := e.clients.DisconnectAll()
	closed := e.sessions.CloseAll()

	if e.gauges != nil {
		if err := e.gauges.Unregister(); err != nil {
			result = multierror.Append(result, fmt.Errorf("unregister gauges: %w", err))
		}
	}

	e.logger.InfoContext(ctx, "engine stopped",
		slog.Int("clients_disconnected", disconnected),
		slog.Int("sessions_closed", closed))
	return result.ErrorOrNil()
}

// Stats is a snapshot of the engine's counters.
type Stats struct {
	Sessions session.Stats
	Clients  clients.Snapshot
	Methods  []router.MethodStats
}

// Stats returns the current counters of every component.
func (e *Engine) Stats() Stats {
	return Stats{
		Sessions: e.sessions.Stats(),
		Clients:  e.clients.Stats(),
		Methods:  e.router.Stats(),
	}
}

// --- Lifecycle events ---

func (e *Engine) clientDisconnected(info clients.Info) {
	if n := e.router.CancelConnection(info.ID); n > 0 {
		e.logger.Debug("in-flight requests cancelled", slog.String("connection", info.ID), slog.Int("count", n))
	}
	e.sessions.CloseConnection(info.ID)
}

func (e *Engine) sessionClosed(info session.Info, _ session.CloseReason) {
	e.clients.Unbind(info.Token)
}

func (e *Engine) clientTimedOut(info clients.Info) {
	e.logger.Info("client timed out",
		slog.String("connection", info.ID),
		slog.Time("last_activity", info.LastActivity))
}
