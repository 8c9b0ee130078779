package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/felixgeelhaar/embed-mcp/clients"
)

// DefaultMaxMessageBytes bounds a single inbound message.
const DefaultMaxMessageBytes = 4 << 20

// ErrConnectionClosed is returned by Send for a connection the transport
// no longer holds.
var ErrConnectionClosed = errors.New("transport: connection closed")

// Handler consumes connection events. *engine.Engine implements it.
type Handler interface {
	ConnectionOpened(ctx context.Context, conn clients.Connection) error
	ConnectionClosed(ctx context.Context, connID string)
	HandleMessage(ctx context.Context, connID string, raw []byte) error
}

// Transport is a communication layer for an engine.
type Transport interface {
	clients.Sender

	// Serve accepts connections and feeds them to h until ctx is
	// cancelled or the transport fails.
	Serve(ctx context.Context, h Handler) error

	// Addr describes where the transport listens.
	Addr() string
}

// remoteConnection describes an HTTP-borne connection.
func remoteConnection(id string, kind clients.TransportType, r *http.Request) clients.Connection {
	conn := clients.Connection{ID: id, Transport: kind, RemoteAddr: r.RemoteAddr}
	if host, port, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		conn.RemoteAddr = host
		conn.RemotePort, _ = strconv.Atoi(port)
	}
	return conn
}
