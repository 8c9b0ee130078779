package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/tmaxmax/go-sse"

	"github.com/felixgeelhaar/embed-mcp/clients"
	"github.com/felixgeelhaar/embed-mcp/engine"
	"github.com/felixgeelhaar/embed-mcp/logging"
)

// DefaultPath is the URL prefix of the MCP endpoints.
const DefaultPath = "/mcp"

// HTTP serves MCP over HTTP with Server-Sent Events.
//
// A client opens GET <path>/sse. The first event, "endpoint", carries the
// URL to POST messages to: <path>/message?connectionId=<id>. Each POST is
// answered with 202 Accepted and replies arrive as "message" events on the
// stream. GET /health reports liveness.
type HTTP struct {
	addr         string
	path         string
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxBytes     int64
	logger       *slog.Logger
	cors         *CORSConfig
	shutdown     *ShutdownManager

	mu         sync.RWMutex
	listenAddr string
	conns      map[string]*sseConn

	done      chan struct{}
	closeOnce sync.Once
}

type sseConn struct {
	id     string
	sess   *sse.Session
	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes writes to the stream; handleMu serializes
	// message handling for the connection.
	writeMu  sync.Mutex
	handleMu sync.Mutex
}

func (c *sseConn) send(msg *sse.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sess.Send(msg); err != nil {
		return err
	}
	return c.sess.Flush()
}

// HTTPOption configures the HTTP transport.
type HTTPOption func(*HTTP)

// WithPath sets the URL prefix of the MCP endpoints.
func WithPath(p string) HTTPOption {
	return func(h *HTTP) {
		h.path = "/" + strings.Trim(p, "/")
	}
}

// WithReadTimeout sets the read timeout for HTTP requests.
func WithReadTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) {
		h.readTimeout = d
	}
}

// WithWriteTimeout sets the write timeout for non-streaming responses.
func WithWriteTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) {
		h.writeTimeout = d
	}
}

// WithHTTPLogger sets the transport logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTP) {
		h.logger = l
	}
}

// WithHTTPMaxMessageBytes bounds a POSTed message body.
func WithHTTPMaxMessageBytes(n int64) HTTPOption {
	return func(h *HTTP) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// WithShutdown sets how in-flight messages are drained on shutdown.
func WithShutdown(cfg ShutdownConfig) HTTPOption {
	return func(h *HTTP) {
		h.shutdown = NewShutdownManager(cfg)
	}
}

// NewHTTP creates an HTTP transport listening on addr.
func NewHTTP(addr string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		addr:         addr,
		path:         DefaultPath,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		maxBytes:     DefaultMaxMessageBytes,
		logger:       logging.Discard(),
		shutdown:     NewShutdownManager(DefaultShutdownConfig()),
		conns:        make(map[string]*sseConn),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Addr returns the configured address.
func (h *HTTP) Addr() string {
	return h.addr
}

// ListenAddr returns the address the server is bound to once serving.
func (h *HTTP) ListenAddr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listenAddr
}

// Connections returns the number of open streams.
func (h *HTTP) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Serve listens on the configured address. On cancellation it drains
// in-flight messages, ends every stream and shuts the server down.
func (h *HTTP) Serve(ctx context.Context, handler Handler) error {
	listener, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}

	srv := &http.Server{
		Handler:           h.Handler(handler),
		ReadHeaderTimeout: h.readTimeout,
		ReadTimeout:       h.readTimeout,
		WriteTimeout:      h.writeTimeout,
	}

	h.mu.Lock()
	h.listenAddr = listener.Addr().String()
	h.mu.Unlock()

	h.logger.InfoContext(ctx, "http transport listening",
		slog.String("addr", listener.Addr().String()),
		slog.String("path", h.path))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		h.closeStreams()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdown.cfg.Timeout)
	defer cancel()

	var result *multierror.Error
	if err := h.shutdown.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("drain messages: %w", err))
	}
	h.closeStreams()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("shutdown server: %w", err))
	}
	return result.ErrorOrNil()
}

func (h *HTTP) closeStreams() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Handler returns the HTTP handler serving the MCP endpoints for handler.
func (h *HTTP) Handler(handler Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET "+h.path+"/sse", h.handleStream(handler))
	mux.HandleFunc("POST "+h.path+"/message", h.handleMessage(handler))

	if h.cors != nil {
		return CORSHandler(*h.cors, mux)
	}
	return mux
}

func (h *HTTP) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if h.shutdown.IsDraining() {
		status = "draining"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"connections": h.Connections(),
	})
}

func (h *HTTP) handleStream(handler Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.shutdown.IsDraining() {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}

		// Streams outlive the server write timeout.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		id := uuid.NewString()
		if err := handler.ConnectionOpened(r.Context(), remoteConnection(id, clients.TransportHTTP, r)); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, clients.ErrResourceExhausted) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		defer handler.ConnectionClosed(context.WithoutCancel(r.Context()), id)

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "upgrade to event stream", slog.Any("error", err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		conn := &sseConn{id: id, sess: sess, ctx: ctx, cancel: cancel}

		h.mu.Lock()
		h.conns[id] = conn
		h.mu.Unlock()
		defer func() {
			h.mu.Lock()
			delete(h.conns, id)
			h.mu.Unlock()
		}()

		endpoint := sse.Message{Type: sse.Type("endpoint")}
		endpoint.AppendData(h.path + "/message?connectionId=" + url.QueryEscape(id))
		if err := conn.send(&endpoint); err != nil {
			h.logger.WarnContext(ctx, "send endpoint event",
				slog.String("connection", id),
				slog.Any("error", err))
			return
		}

		select {
		case <-ctx.Done():
		case <-h.done:
		}
	}
}

func (h *HTTP) handleMessage(handler Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("connectionId")
		if id == "" {
			http.Error(w, "missing connectionId query parameter", http.StatusBadRequest)
			return
		}
		conn := h.lookup(id)
		if conn == nil {
			http.Error(w, "unknown connection", http.StatusNotFound)
			return
		}

		if !h.shutdown.Track() {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		defer h.shutdown.Complete()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}

		conn.handleMu.Lock()
		err = handler.HandleMessage(conn.ctx, id, body)
		conn.handleMu.Unlock()

		switch {
		case errors.Is(err, engine.ErrUnknownConnection):
			conn.cancel()
			http.Error(w, "unknown connection", http.StatusNotFound)
			return
		case err != nil:
			h.logger.WarnContext(r.Context(), "handle message",
				slog.String("connection", id),
				slog.Any("error", err))
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *HTTP) lookup(id string) *sseConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

// Send delivers data as a "message" event on the connection's stream.
func (h *HTTP) Send(_ context.Context, connID string, data []byte) error {
	conn := h.lookup(connID)
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, connID)
	}
	msg := sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(data))
	return conn.send(&msg)
}
