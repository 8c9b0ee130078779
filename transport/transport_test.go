package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/felixgeelhaar/embed-mcp/clients"
	"github.com/felixgeelhaar/embed-mcp/config"
	"github.com/felixgeelhaar/embed-mcp/engine"
	"github.com/felixgeelhaar/embed-mcp/protocol"
	"github.com/felixgeelhaar/embed-mcp/server"
)

const (
	initializeMsg  = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"transport-test","version":"1"}}}`
	initializedMsg = `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	echoMsg        = `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hello"}}}`
)

type reply struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *protocol.Error `json:"error"`
}

func decodeReply(t *testing.T, data []byte) reply {
	t.Helper()
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return r
}

type echoInput struct {
	Text string `json:"text" jsonschema:"required"`
}

func newEngine(t *testing.T, sender engine.Sender, mutate func(*config.Config), opts ...engine.Option) *engine.Engine {
	t.Helper()

	cfg := config.Default()
	cfg.Name = "transport-test"
	if mutate != nil {
		mutate(&cfg)
	}

	registry := server.New(server.Info{Name: cfg.Name, Version: "test"})
	registry.Tool("echo").Description("Echo text").Handler(func(_ context.Context, in echoInput) (string, error) {
		return in.Text, nil
	})

	e, err := engine.New(cfg, registry, sender, opts...)
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

// fakeHandler records connection events without an engine.
type fakeHandler struct {
	openErr  error
	opened   []clients.Connection
	closed   []string
	messages []string
}

func (f *fakeHandler) ConnectionOpened(_ context.Context, conn clients.Connection) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = append(f.opened, conn)
	return nil
}

func (f *fakeHandler) ConnectionClosed(_ context.Context, connID string) {
	f.closed = append(f.closed, connID)
}

func (f *fakeHandler) HandleMessage(_ context.Context, _ string, raw []byte) error {
	f.messages = append(f.messages, string(raw))
	return nil
}

var (
	_ Transport = (*Stdio)(nil)
	_ Transport = (*HTTP)(nil)
	_ Transport = (*WebSocket)(nil)
	_ Handler   = (*engine.Engine)(nil)
)
