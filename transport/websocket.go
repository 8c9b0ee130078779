package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"

	"github.com/felixgeelhaar/embed-mcp/clients"
	"github.com/felixgeelhaar/embed-mcp/engine"
	"github.com/felixgeelhaar/embed-mcp/logging"
)

// WebSocket serves MCP over WebSocket. Every socket is one connection and
// every text frame one message.
type WebSocket struct {
	addr         string
	path         string
	upgrader     websocket.Upgrader
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxBytes     int64
	logger       *slog.Logger
	shutdown     *ShutdownManager

	mu         sync.RWMutex
	listenAddr string
	conns      map[string]*wsConn
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(messageType int, data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) close(code int, reason string) {
	_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Second)
	_ = c.conn.Close()
}

// WebSocketOption configures a WebSocket transport.
type WebSocketOption func(*WebSocket)

// WithWebSocketPath sets the upgrade path. Default DefaultPath.
func WithWebSocketPath(p string) WebSocketOption {
	return func(ws *WebSocket) {
		ws.path = p
	}
}

// WithWebSocketReadTimeout closes sockets silent for longer than d. Zero
// leaves idle detection to the client registry.
func WithWebSocketReadTimeout(d time.Duration) WebSocketOption {
	return func(ws *WebSocket) {
		ws.readTimeout = d
	}
}

// WithWebSocketWriteTimeout bounds a single frame write.
func WithWebSocketWriteTimeout(d time.Duration) WebSocketOption {
	return func(ws *WebSocket) {
		ws.writeTimeout = d
	}
}

// WithWebSocketCheckOrigin sets the origin check of the upgrader.
func WithWebSocketCheckOrigin(fn func(r *http.Request) bool) WebSocketOption {
	return func(ws *WebSocket) {
		ws.upgrader.CheckOrigin = fn
	}
}

// WithWebSocketLogger sets the transport logger.
func WithWebSocketLogger(l *slog.Logger) WebSocketOption {
	return func(ws *WebSocket) {
		ws.logger = l
	}
}

// WithWebSocketMaxMessageBytes bounds one inbound frame.
func WithWebSocketMaxMessageBytes(n int64) WebSocketOption {
	return func(ws *WebSocket) {
		if n > 0 {
			ws.maxBytes = n
		}
	}
}

// WithWebSocketShutdown sets how in-flight messages are drained.
func WithWebSocketShutdown(cfg ShutdownConfig) WebSocketOption {
	return func(ws *WebSocket) {
		ws.shutdown = NewShutdownManager(cfg)
	}
}

// NewWebSocket creates a WebSocket transport listening on addr.
func NewWebSocket(addr string, opts ...WebSocketOption) *WebSocket {
	ws := &WebSocket{
		addr: addr,
		path: DefaultPath,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		writeTimeout: 10 * time.Second,
		maxBytes:     DefaultMaxMessageBytes,
		logger:       logging.Discard(),
		shutdown:     NewShutdownManager(DefaultShutdownConfig()),
		conns:        make(map[string]*wsConn),
	}
	for _, opt := range opts {
		opt(ws)
	}
	return ws
}

// Addr returns the configured address.
func (ws *WebSocket) Addr() string {
	return ws.addr
}

// ListenAddr returns the address the server is bound to once serving.
func (ws *WebSocket) ListenAddr() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.listenAddr
}

// Connections returns the number of open sockets.
func (ws *WebSocket) Connections() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.conns)
}

// Serve listens on the configured address until ctx is cancelled, then
// drains in-flight messages and closes every socket.
func (ws *WebSocket) Serve(ctx context.Context, handler Handler) error {
	listener, err := net.Listen("tcp", ws.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", ws.addr, err)
	}

	srv := &http.Server{Handler: ws.Handler(handler), ReadHeaderTimeout: 10 * time.Second}

	ws.mu.Lock()
	ws.listenAddr = listener.Addr().String()
	ws.mu.Unlock()

	ws.logger.InfoContext(ctx, "websocket transport listening",
		slog.String("addr", listener.Addr().String()),
		slog.String("path", ws.path))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		ws.closeAll()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ws.shutdown.cfg.Timeout)
	defer cancel()

	var result *multierror.Error
	if err := ws.shutdown.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("drain messages: %w", err))
	}
	ws.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("shutdown server: %w", err))
	}
	return result.ErrorOrNil()
}

// Handler returns the HTTP handler upgrading requests on the configured
// path.
func (ws *WebSocket) Handler(handler Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+ws.path, func(w http.ResponseWriter, r *http.Request) {
		ws.serveConn(handler, w, r)
	})
	return mux
}

func (ws *WebSocket) serveConn(handler Handler, w http.ResponseWriter, r *http.Request) {
	if ws.shutdown.IsDraining() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.DebugContext(r.Context(), "websocket upgrade", slog.Any("error", err))
		return
	}
	c := &wsConn{conn: conn}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	id := uuid.NewString()
	if err := handler.ConnectionOpened(ctx, remoteConnection(id, clients.TransportWebSocket, r)); err != nil {
		c.close(websocket.CloseTryAgainLater, "connection limit reached")
		return
	}

	ws.mu.Lock()
	ws.conns[id] = c
	ws.mu.Unlock()

	defer func() {
		ws.mu.Lock()
		delete(ws.conns, id)
		ws.mu.Unlock()
		handler.ConnectionClosed(ctx, id)
		_ = conn.Close()
	}()

	conn.SetReadLimit(ws.maxBytes)
	for {
		if ws.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(ws.readTimeout))
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.logger.DebugContext(ctx, "websocket read",
					slog.String("connection", id),
					slog.Any("error", err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		if !ws.shutdown.Track() {
			c.close(websocket.CloseGoingAway, "server is shutting down")
			return
		}
		err = handler.HandleMessage(ctx, id, data)
		ws.shutdown.Complete()

		switch {
		case errors.Is(err, engine.ErrUnknownConnection):
			c.close(websocket.ClosePolicyViolation, "connection expired")
			return
		case err != nil:
			ws.logger.WarnContext(ctx, "handle message",
				slog.String("connection", id),
				slog.Any("error", err))
		}
	}
}

func (ws *WebSocket) closeAll() {
	ws.mu.RLock()
	conns := make([]*wsConn, 0, len(ws.conns))
	for _, c := range ws.conns {
		conns = append(conns, c)
	}
	ws.mu.RUnlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// Send writes data as one text frame to the connection's socket.
func (ws *WebSocket) Send(_ context.Context, connID string, data []byte) error {
	ws.mu.RLock()
	c, ok := ws.conns[connID]
	ws.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, connID)
	}
	return c.write(websocket.TextMessage, data, ws.writeTimeout)
}
