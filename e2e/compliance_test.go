// Package e2e runs protocol compliance checks against a served runtime on
// every transport.
package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	mcp "github.com/felixgeelhaar/embed-mcp"
	"github.com/felixgeelhaar/embed-mcp/client"
	"github.com/felixgeelhaar/embed-mcp/config"
	"github.com/felixgeelhaar/embed-mcp/logging"
	"github.com/felixgeelhaar/embed-mcp/protocol"
	"github.com/felixgeelhaar/embed-mcp/server"
	"github.com/felixgeelhaar/embed-mcp/transport"
)

type addInput struct {
	A int `json:"a" jsonschema:"required"`
	B int `json:"b" jsonschema:"required"`
}

func newServer(cfg config.Config) *mcp.Server {
	srv := mcp.NewServerFromConfig(cfg)

	srv.Tool("add").
		Description("Add two numbers").
		Handler(func(_ context.Context, in addInput) (int, error) {
			return in.A + in.B, nil
		})

	srv.Tool("slow").
		Description("Waits for its deadline").
		Handler(func(ctx context.Context, _ struct{}) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})

	srv.Resource("file:///{path}").
		Name("Files").
		Handler(func(_ context.Context, uri string, params map[string]string) (*server.ResourceContent, error) {
			return &server.ResourceContent{URI: uri, Text: "content of " + params["path"]}, nil
		})

	srv.Prompt("greeting").
		Argument("name", "Who to greet", true).
		Handler(func(_ context.Context, args map[string]string) (*server.PromptResult, error) {
			return &server.PromptResult{Messages: []server.PromptMessage{
				{Role: "user", Content: server.TextContent("Hello, " + args["name"])},
			}}, nil
		})

	return srv
}

// runtime is a served server plus a way to open client connections to it.
type runtime struct {
	dial func(t *testing.T) client.Transport
	// multi is false when the transport carries a single connection.
	multi bool
}

type startFunc func(t *testing.T, cfg config.Config) runtime

var transports = []struct {
	name  string
	start startFunc
}{
	{"stdio", startStdio},
	{"http", startHTTP},
	{"websocket", startWebSocket},
}

func serve(t *testing.T, cfg config.Config, tr mcp.Transport) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- mcp.Serve(ctx, cfg, newServer(cfg), mcp.WithTransport(tr), mcp.WithLogger(logging.Discard()))
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Serve() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve() did not return")
		}
	})
}

func waitListening(t *testing.T, addr func() string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("transport did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return addr()
}

func startStdio(t *testing.T, cfg config.Config) runtime {
	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()
	cfg.Transport = config.TransportStdio
	serve(t, cfg, transport.NewStdio(transport.WithStdin(serverIn), transport.WithStdout(serverOut)))

	var once sync.Once
	return runtime{dial: func(t *testing.T) client.Transport {
		var tr client.Transport
		once.Do(func() {
			tr = client.NewStreamTransport(clientIn, clientOut)
			t.Cleanup(func() { tr.Close() })
		})
		if tr == nil {
			t.Fatal("stdio carries a single connection")
		}
		return tr
	}}
}

func startHTTP(t *testing.T, cfg config.Config) runtime {
	h := transport.NewHTTP("127.0.0.1:0")
	cfg.Transport = config.TransportHTTP
	serve(t, cfg, h)
	addr := waitListening(t, h.ListenAddr)

	return runtime{multi: true, dial: func(t *testing.T) client.Transport {
		tr, err := client.DialSSE(context.Background(), "http://"+addr+transport.DefaultPath)
		if err != nil {
			t.Fatalf("DialSSE() error = %v", err)
		}
		t.Cleanup(func() { tr.Close() })
		return tr
	}}
}

func startWebSocket(t *testing.T, cfg config.Config) runtime {
	ws := transport.NewWebSocket("127.0.0.1:0")
	cfg.Transport = config.TransportWebSocket
	serve(t, cfg, ws)
	addr := waitListening(t, ws.ListenAddr)

	return runtime{multi: true, dial: func(t *testing.T) client.Transport {
		tr, err := client.DialWebSocket(context.Background(), "ws://"+addr+transport.DefaultPath, nil)
		if err != nil {
			t.Fatalf("DialWebSocket() error = %v", err)
		}
		t.Cleanup(func() { tr.Close() })
		return tr
	}}
}

func defaultConfig() config.Config {
	cfg := config.Default()
	cfg.Name = "compliance-test"
	cfg.Version = "1.0.0"
	return cfg
}

func assertCode(t *testing.T, err error, code int) {
	t.Helper()
	got, ok := protocol.CodeOf(err)
	if !ok {
		t.Fatalf("error = %v, want JSON-RPC error %d", err, code)
	}
	if got != code {
		t.Errorf("error code = %d, want %d (%v)", got, code, err)
	}
}

// TestMCPCompliance_Initialize checks the handshake result.
func TestMCPCompliance_Initialize(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			rt := tt.start(t, defaultConfig())
			c := client.New(rt.dial(t))

			info, err := c.Initialize(context.Background())
			if err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}
			if info.ProtocolVersion != protocol.MCPVersion {
				t.Errorf("protocolVersion = %q, want %q", info.ProtocolVersion, protocol.MCPVersion)
			}
			if info.Name != "compliance-test" || info.Version != "1.0.0" {
				t.Errorf("serverInfo = %s %s", info.Name, info.Version)
			}
			caps := info.Capabilities
			if !caps.Tools || !caps.Resources || !caps.Prompts {
				t.Errorf("capabilities = %+v", caps)
			}
			if info.SessionToken == "" {
				t.Error("no session token in _meta")
			}
		})
	}
}

// TestMCPCompliance_Lifecycle checks that requests before the handshake
// are refused and that re-initializing replaces the session.
func TestMCPCompliance_Lifecycle(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			rt := tt.start(t, defaultConfig())
			c := client.New(rt.dial(t))

			_, err := c.ListTools(ctx)
			assertCode(t, err, protocol.CodeInvalidRequest)

			first, err := c.Initialize(ctx)
			if err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}
			if err := c.Ping(ctx); err != nil {
				t.Errorf("Ping() error = %v", err)
			}

			second, err := c.Initialize(ctx)
			if err != nil {
				t.Fatalf("second Initialize() error = %v", err)
			}
			if first.SessionToken == second.SessionToken {
				t.Error("re-initialize kept the old session token")
			}
			if _, err := c.ListTools(ctx); err != nil {
				t.Errorf("ListTools() after re-initialize error = %v", err)
			}
		})
	}
}

// TestMCPCompliance_Tools checks tools/list and tools/call.
func TestMCPCompliance_Tools(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := defaultConfig()
			cfg.ToolTimeout = 50 * time.Millisecond
			rt := tt.start(t, cfg)
			c := client.New(rt.dial(t))
			if _, err := c.Initialize(ctx); err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}

			tools, err := c.ListTools(ctx)
			if err != nil {
				t.Fatalf("ListTools() error = %v", err)
			}
			if len(tools) != 2 || tools[0].Name != "add" || !strings.Contains(string(tools[0].InputSchema), `"a"`) {
				t.Errorf("tools = %+v", tools)
			}

			result, err := c.CallTool(ctx, "add", map[string]int{"a": 5, "b": 3})
			if err != nil {
				t.Fatalf("CallTool() error = %v", err)
			}
			if result.IsError || result.Text() != "8" {
				t.Errorf("add = %+v", result)
			}

			_, err = c.CallTool(ctx, "unknown", nil)
			assertCode(t, err, protocol.CodeInvalidParams)

			_, err = c.CallTool(ctx, "add", map[string]string{"a": "five"})
			assertCode(t, err, protocol.CodeInvalidParams)

			slow, err := c.CallTool(ctx, "slow", nil)
			if err != nil {
				t.Fatalf("CallTool(slow) error = %v", err)
			}
			if !slow.IsError {
				t.Errorf("slow tool past its deadline = %+v, want isError", slow)
			}
		})
	}
}

// TestMCPCompliance_Resources checks templated resource reads.
func TestMCPCompliance_Resources(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			rt := tt.start(t, defaultConfig())
			c := client.New(rt.dial(t))
			if _, err := c.Initialize(ctx); err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}

			content, err := c.ReadResource(ctx, "file:///notes.txt")
			if err != nil {
				t.Fatalf("ReadResource() error = %v", err)
			}
			if content.Text != "content of notes.txt" {
				t.Errorf("content = %q", content.Text)
			}

			raw, err := c.Call(ctx, protocol.MethodResourceTemplates, nil)
			if err != nil {
				t.Fatalf("templates error = %v", err)
			}
			if !strings.Contains(string(raw), "file:///{path}") {
				t.Errorf("templates = %s", raw)
			}

			_, err = c.ReadResource(ctx, "db://nowhere")
			assertCode(t, err, protocol.CodeInvalidParams)
		})
	}
}

// TestMCPCompliance_Prompts checks prompts/list and prompts/get.
func TestMCPCompliance_Prompts(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			rt := tt.start(t, defaultConfig())
			c := client.New(rt.dial(t))
			if _, err := c.Initialize(ctx); err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}

			prompts, err := c.ListPrompts(ctx)
			if err != nil || len(prompts) != 1 || prompts[0].Name != "greeting" {
				t.Fatalf("ListPrompts() = %+v, %v", prompts, err)
			}

			result, err := c.GetPrompt(ctx, "greeting", map[string]string{"name": "World"})
			if err != nil {
				t.Fatalf("GetPrompt() error = %v", err)
			}
			if len(result.Messages) != 1 || !strings.Contains(string(result.Messages[0].Content), "Hello, World") {
				t.Errorf("messages = %+v", result.Messages)
			}

			_, err = c.GetPrompt(ctx, "greeting", nil)
			assertCode(t, err, protocol.CodeInvalidParams)
		})
	}
}

// TestMCPCompliance_Errors checks the error codes of routing failures.
func TestMCPCompliance_Errors(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			rt := tt.start(t, defaultConfig())
			c := client.New(rt.dial(t))
			if _, err := c.Initialize(ctx); err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}

			_, err := c.Call(ctx, "unknown/method", nil)
			assertCode(t, err, protocol.CodeMethodNotFound)

			// A failing notification gets no reply; the next request
			// still gets its own.
			if err := c.Notify(ctx, "unknown/notification", nil); err != nil {
				t.Fatalf("Notify() error = %v", err)
			}
			if err := c.Ping(ctx); err != nil {
				t.Errorf("Ping() after notification error = %v", err)
			}
		})
	}
}

// TestMCPCompliance_SessionCapacity checks that initialize beyond the
// session limit fails with an internal error and leaves other sessions
// working.
func TestMCPCompliance_SessionCapacity(t *testing.T) {
	for _, tt := range transports {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := defaultConfig()
			cfg.MaxSessions = 1
			rt := tt.start(t, cfg)
			if !rt.multi {
				t.Skip("transport carries a single connection")
			}

			first := client.New(rt.dial(t))
			if _, err := first.Initialize(ctx); err != nil {
				t.Fatalf("first Initialize() error = %v", err)
			}

			second := client.New(rt.dial(t))
			_, err := second.Initialize(ctx)
			assertCode(t, err, protocol.CodeInternalError)

			if err := first.Ping(ctx); err != nil {
				t.Errorf("first session broken: %v", err)
			}
		})
	}
}

// TestMCPCompliance_Wire sends raw frames that no well-behaved client
// produces.
func TestMCPCompliance_Wire(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantID   string
		wantCode int
	}{
		{"malformed json", `{"jsonrpc":"2.0","id":1,"method":`, "null", protocol.CodeParseError},
		{"not an object", `[1,2,3]`, "null", protocol.CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":7}`, "7", protocol.CodeInvalidRequest},
		{"wrong version", `{"jsonrpc":"1.0","id":"x","method":"ping"}`, `"x"`, protocol.CodeInvalidRequest},
		{"string id echoed", `{"jsonrpc":"2.0","id":"abc","method":"tools/list"}`, `"abc"`, protocol.CodeInvalidRequest},
	}

	t.Run("stdio", func(t *testing.T) {
		serverIn, clientOut := io.Pipe()
		clientIn, serverOut := io.Pipe()
		cfg := defaultConfig()
		cfg.Transport = config.TransportStdio
		serve(t, cfg, transport.NewStdio(transport.WithStdin(serverIn), transport.WithStdout(serverOut)))
		t.Cleanup(func() {
			clientOut.Close()
			clientIn.Close()
		})

		replies := bufio.NewScanner(clientIn)
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := io.WriteString(clientOut, tt.frame+"\n"); err != nil {
					t.Fatalf("write: %v", err)
				}
				if !replies.Scan() {
					t.Fatalf("no reply: %v", replies.Err())
				}
				checkReply(t, replies.Bytes(), tt.wantID, tt.wantCode)
			})
		}
	})

	t.Run("websocket", func(t *testing.T) {
		ws := transport.NewWebSocket("127.0.0.1:0")
		cfg := defaultConfig()
		cfg.Transport = config.TransportWebSocket
		serve(t, cfg, ws)
		addr := waitListening(t, ws.ListenAddr)

		conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+transport.DefaultPath, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		resp.Body.Close()
		t.Cleanup(func() { conn.Close() })

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)); err != nil {
					t.Fatalf("write: %v", err)
				}
				conn.SetReadDeadline(time.Now().Add(2 * time.Second))
				_, data, err := conn.ReadMessage()
				if err != nil {
					t.Fatalf("read: %v", err)
				}
				checkReply(t, data, tt.wantID, tt.wantCode)
			})
		}
	})
}

func checkReply(t *testing.T, data []byte, wantID string, wantCode int) {
	t.Helper()
	var reply struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   *protocol.Error `json:"error"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("reply %s: %v", data, err)
	}
	if reply.JSONRPC != protocol.JSONRPCVersion {
		t.Errorf("jsonrpc = %q", reply.JSONRPC)
	}
	if string(reply.ID) != wantID {
		t.Errorf("id = %s, want %s", reply.ID, wantID)
	}
	if reply.Error == nil || reply.Error.Code != wantCode {
		t.Errorf("error = %+v, want code %d", reply.Error, wantCode)
	}
}
