package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

// WebSocketTransport sends one JSON-RPC message per text frame.
type WebSocketTransport struct {
	conn    *websocket.Conn
	pending *pending
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialWebSocket connects to a WebSocket transport at url, for example
// ws://localhost:8080/mcp.
func DialWebSocket(ctx context.Context, url string, header http.Header, opts ...TransportOption) (*WebSocketTransport, error) {
	o := newTransportOptions(opts)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(int64(o.maxBytes))

	t := &WebSocketTransport{
		conn:    conn,
		pending: newPending(o.onNotify),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.done)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.pending.fail(err)
			return
		}
		t.pending.dispatch(data)
	}
}

// Send writes req and waits for its response.
func (t *WebSocketTransport) Send(ctx context.Context, req *protocol.Request) (*Response, error) {
	return t.pending.roundTrip(ctx, req, t.write)
}

// Notify writes a notification.
func (t *WebSocketTransport) Notify(_ context.Context, n *protocol.Request) error {
	data, err := protocol.Serialize(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return t.write(data)
}

func (t *WebSocketTransport) write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Done is closed when the socket is gone.
func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.done
}

// CloseError returns the close frame sent by the server, if any, once Done
// is closed.
func (t *WebSocketTransport) CloseError() *websocket.CloseError {
	<-t.done
	var ce *websocket.CloseError
	if errors.As(t.pending.closedErr(), &ce) {
		return ce
	}
	return nil
}

// Close sends a normal close frame and closes the socket.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
		<-t.done
	})
	return err
}
