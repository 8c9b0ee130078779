// Package testutil drives an engine in-process for tests.
//
// A TestClient owns one connection on an engine and exchanges raw JSON-RPC
// messages with it through a Recorder, so tests exercise the same parsing,
// routing and session handling a transport would:
//
//	func TestGreet(t *testing.T) {
//	    srv := server.New(server.Info{Name: "test", Version: "1.0.0"})
//	    srv.Tool("greet").Handler(func(ctx context.Context, in GreetInput) (string, error) {
//	        return "Hello, " + in.Name, nil
//	    })
//
//	    tc := testutil.NewTestClient(t, srv)
//	    got, err := tc.CallTool("greet", map[string]any{"name": "World"})
//	    if err != nil || got != "Hello, World" {
//	        t.Fatalf("CallTool() = %q, %v", got, err)
//	    }
//	}
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/felixgeelhaar/embed-mcp/clients"
	"github.com/felixgeelhaar/embed-mcp/config"
	"github.com/felixgeelhaar/embed-mcp/engine"
	"github.com/felixgeelhaar/embed-mcp/protocol"
	"github.com/felixgeelhaar/embed-mcp/router"
	"github.com/felixgeelhaar/embed-mcp/server"
)

// Message is a decoded message the engine sent to a connection.
type Message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *protocol.Error `json:"error,omitempty"`
}

// IsNotification reports whether the message is a server notification.
func (m Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// Recorder is an engine.Sender that keeps every message per connection.
type Recorder struct {
	mu   sync.Mutex
	msgs map[string][]Message
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{msgs: make(map[string][]Message)}
}

// Send records data for connID.
func (r *Recorder) Send(_ context.Context, connID string, data []byte) error {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	r.mu.Lock()
	r.msgs[connID] = append(r.msgs[connID], m)
	r.mu.Unlock()
	return nil
}

// Messages returns everything sent to connID so far.
func (r *Recorder) Messages(connID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs[connID]...)
}

// Reset forgets the messages of connID.
func (r *Recorder) Reset(connID string) {
	r.mu.Lock()
	delete(r.msgs, connID)
	r.mu.Unlock()
}

type options struct {
	mutate     func(*config.Config)
	engineOpts []engine.Option
	skipInit   bool
}

// Option configures NewTestClient.
type Option func(*options)

// WithConfig adjusts the engine configuration before it is built.
func WithConfig(fn func(*config.Config)) Option {
	return func(o *options) {
		o.mutate = fn
	}
}

// WithEngineOptions passes options to engine.New.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

// WithoutInitialize leaves the connection uninitialized.
func WithoutInitialize() Option {
	return func(o *options) {
		o.skipInit = true
	}
}

// TestClient is one in-process connection to an engine.
type TestClient struct {
	t        testing.TB
	engine   *engine.Engine
	recorder *Recorder
	connID   string

	mu    sync.Mutex
	reqID int64
	seen  int
}

// NewTestClient builds an engine around srv, opens a connection and runs
// the initialize handshake. The engine is shut down when the test ends.
func NewTestClient(t testing.TB, srv *server.Server, opts ...Option) *TestClient {
	t.Helper()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	info := srv.Info()
	cfg := config.Default()
	cfg.Name = info.Name
	if info.Version != "" {
		cfg.Version = info.Version
	}
	if o.mutate != nil {
		o.mutate(&cfg)
	}

	rec := NewRecorder()
	e, err := engine.New(cfg, srv, rec, o.engineOpts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	tc := Connect(t, e, rec, "test-client")
	if !o.skipInit {
		if _, err := tc.Initialize(); err != nil {
			t.Fatalf("initialize: %v", err)
		}
	}
	return tc
}

// Connect opens connID on an existing engine whose sender is rec.
func Connect(t testing.TB, e *engine.Engine, rec *Recorder, connID string) *TestClient {
	t.Helper()
	conn := clients.Connection{ID: connID, Transport: clients.TransportStdio}
	if err := e.ConnectionOpened(context.Background(), conn); err != nil {
		t.Fatalf("open connection %s: %v", connID, err)
	}
	return &TestClient{t: t, engine: e, recorder: rec, connID: connID}
}

// Connect opens another connection on the same engine.
func (tc *TestClient) Connect(connID string) *TestClient {
	tc.t.Helper()
	return Connect(tc.t, tc.engine, tc.recorder, connID)
}

// Engine returns the engine under test.
func (tc *TestClient) Engine() *engine.Engine { return tc.engine }

// ConnectionID returns the id of the client's connection.
func (tc *TestClient) ConnectionID() string { return tc.connID }

// Close closes the connection.
func (tc *TestClient) Close() {
	tc.engine.ConnectionClosed(context.Background(), tc.connID)
}

// SendRaw hands raw to the engine and returns the messages it produced.
func (tc *TestClient) SendRaw(raw string) ([]Message, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if err := tc.engine.HandleMessage(context.Background(), tc.connID, []byte(raw)); err != nil {
		return nil, err
	}
	all := tc.recorder.Messages(tc.connID)
	out := all[min(tc.seen, len(all)):]
	tc.seen = len(all)
	return out, nil
}

func (tc *TestClient) nextID() json.RawMessage {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.reqID++
	return json.RawMessage(strconv.FormatInt(tc.reqID, 10))
}

func encode(method string, id json.RawMessage, params any) (string, error) {
	msg := map[string]any{"jsonrpc": protocol.JSONRPCVersion, "method": method}
	if id != nil {
		msg["id"] = id
	}
	if params != nil {
		msg["params"] = params
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", method, err)
	}
	return string(data), nil
}

// Request sends a request and returns its response along with any
// notifications emitted while it was handled. A JSON-RPC error is returned
// as *protocol.Error.
func (tc *TestClient) Request(method string, params any) (json.RawMessage, []Message, error) {
	id := tc.nextID()
	raw, err := encode(method, id, params)
	if err != nil {
		return nil, nil, err
	}

	msgs, err := tc.SendRaw(raw)
	if err != nil {
		return nil, nil, err
	}

	var notes []Message
	for _, m := range msgs {
		if m.IsNotification() {
			notes = append(notes, m)
			continue
		}
		if string(m.ID) != string(id) {
			return nil, notes, fmt.Errorf("response id %s, want %s", m.ID, id)
		}
		if m.Error != nil {
			return nil, notes, m.Error
		}
		return m.Result, notes, nil
	}
	return nil, notes, errors.New("no response")
}

// Notify sends a notification. It fails if the engine answered.
func (tc *TestClient) Notify(method string, params any) error {
	raw, err := encode(method, nil, params)
	if err != nil {
		return err
	}
	msgs, err := tc.SendRaw(raw)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if !m.IsNotification() {
			return fmt.Errorf("notification %s was answered: %+v", method, m)
		}
	}
	return nil
}

func (tc *TestClient) call(method string, params, out any) error {
	result, _, err := tc.Request(method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Initialize runs initialize followed by notifications/initialized.
func (tc *TestClient) Initialize() (*router.InitializeResult, error) {
	var result router.InitializeResult
	err := tc.call(protocol.MethodInitialize, map[string]any{
		"protocolVersion": protocol.MCPVersion,
		"clientInfo":      map[string]any{"name": "test-client", "version": "1.0.0"},
	}, &result)
	if err != nil {
		return nil, err
	}
	if err := tc.Notify(protocol.MethodInitialized, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListTools lists the registered tools.
func (tc *TestClient) ListTools() ([]server.ToolInfo, error) {
	var result struct {
		Tools []server.ToolInfo `json:"tools"`
	}
	if err := tc.call(protocol.MethodToolsList, nil, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// ErrToolFailed wraps the text of a tool result flagged isError.
var ErrToolFailed = errors.New("tool failed")

// CallTool calls a tool and returns the text of its first content item.
func (tc *TestClient) CallTool(name string, args any) (string, error) {
	result, err := tc.CallToolRaw(name, args)
	if err != nil {
		return "", err
	}
	if len(result.Content) == 0 {
		return "", errors.New("empty content")
	}
	text := result.Content[0].Text
	if result.IsError {
		return "", fmt.Errorf("%w: %s", ErrToolFailed, text)
	}
	return text, nil
}

// CallToolRaw calls a tool and returns the whole result envelope.
func (tc *TestClient) CallToolRaw(name string, args any) (*server.ToolResult, error) {
	var result server.ToolResult
	if err := tc.call(protocol.MethodToolsCall, map[string]any{"name": name, "arguments": args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResources lists the concrete resources.
func (tc *TestClient) ListResources() ([]server.ResourceInfo, error) {
	var result struct {
		Resources []server.ResourceInfo `json:"resources"`
	}
	if err := tc.call(protocol.MethodResourcesList, nil, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

// ReadResource reads uri and returns the text of its first content.
func (tc *TestClient) ReadResource(uri string) (string, error) {
	var result server.ReadResult
	if err := tc.call(protocol.MethodResourcesRead, map[string]any{"uri": uri}, &result); err != nil {
		return "", err
	}
	if len(result.Contents) == 0 {
		return "", errors.New("empty contents")
	}
	return result.Contents[0].Text, nil
}

// ListPrompts lists the registered prompts.
func (tc *TestClient) ListPrompts() ([]server.PromptInfo, error) {
	var result struct {
		Prompts []server.PromptInfo `json:"prompts"`
	}
	if err := tc.call(protocol.MethodPromptsList, nil, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

// GetPrompt renders a prompt.
func (tc *TestClient) GetPrompt(name string, args map[string]string) (*server.PromptResult, error) {
	var result server.PromptResult
	if err := tc.call(protocol.MethodPromptsGet, map[string]any{"name": name, "arguments": args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetLogLevel asks for log notifications at level and above.
func (tc *TestClient) SetLogLevel(level string) error {
	return tc.call(protocol.MethodLoggingSetLevel, map[string]any{"level": level}, nil)
}

// Ping sends a ping request.
func (tc *TestClient) Ping() error {
	return tc.call(protocol.MethodPing, nil, nil)
}

// AssertToolExists fails the test if no tool is called name.
func (tc *TestClient) AssertToolExists(name string) {
	tc.t.Helper()
	tools, err := tc.ListTools()
	if err != nil {
		tc.t.Fatalf("ListTools: %v", err)
	}
	for _, tool := range tools {
		if tool.Name == name {
			return
		}
	}
	tc.t.Errorf("tool %q not found", name)
}

// AssertResourceExists fails the test if no resource has uri.
func (tc *TestClient) AssertResourceExists(uri string) {
	tc.t.Helper()
	resources, err := tc.ListResources()
	if err != nil {
		tc.t.Fatalf("ListResources: %v", err)
	}
	for _, res := range resources {
		if res.URI == uri {
			return
		}
	}
	tc.t.Errorf("resource %q not found", uri)
}

// AssertErrorCode fails the test unless err is a JSON-RPC error with code.
func AssertErrorCode(t testing.TB, err error, code int) {
	t.Helper()
	got, ok := protocol.CodeOf(err)
	if !ok {
		t.Fatalf("error = %v, want JSON-RPC error %d", err, code)
	}
	if got != code {
		t.Errorf("error code = %d, want %d (%v)", got, code, err)
	}
}
