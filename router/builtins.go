package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/embed-mcp/protocol"
	"github.com/felixgeelhaar/embed-mcp/server"
	"github.com/felixgeelhaar/embed-mcp/session"
)

// InitializeParams are the params of initialize.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    json.RawMessage    `json:"capabilities,omitempty"`
	ClientInfo      session.ClientInfo `json:"clientInfo"`
}

// ServerInfo identifies the server in the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the result of initialize.
type InitializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    server.Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo          `json:"serverInfo"`
	Instructions    string              `json:"instructions,omitempty"`
	Meta            map[string]string   `json:"_meta,omitempty"`
}

func (r *Router) registerBuiltins() {
	builtins := []struct {
		method      string
		handler     Handler
		description string
	}{
		{protocol.MethodInitialize, r.handleInitialize, "Start a session and negotiate capabilities"},
		{protocol.MethodInitialized, r.handleInitialized, "Complete the initialize handshake"},
		{protocol.MethodPing, r.handlePing, "Liveness check"},
		{protocol.MethodToolsList, r.handleToolsList, "List available tools"},
		{protocol.MethodToolsCall, r.handleToolsCall, "Invoke a tool"},
		{protocol.MethodResourcesList, r.handleResourcesList, "List concrete resources"},
		{protocol.MethodResourcesRead, r.handleResourcesRead, "Read a resource by URI"},
		{protocol.MethodResourceTemplates, r.handleResourceTemplates, "List resource URI templates"},
		{protocol.MethodPromptsList, r.handlePromptsList, "List available prompts"},
		{protocol.MethodPromptsGet, r.handlePromptsGet, "Render a prompt"},
		{protocol.MethodLoggingSetLevel, r.handleSetLevel, "Set the minimum log level for notifications"},
		{protocol.MethodCancelled, r.handleCancelled, "Cancel an in-flight request"},
	}
	for _, b := range builtins {
		r.entries[b.method] = &entry{method: b.method, description: b.description, handler: b.handler}
	}
}

func decodeParams(req *protocol.Request, v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return InvalidParamsf("invalid params for %s: %v", req.Method, err)
	}
	return nil
}

func (r *Router) handleInitialize(ctx context.Context, req *protocol.Request) (any, error) {
	var params InitializeParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}

	connID := protocol.ConnectionIDFromContext(ctx)
	token, err := r.sessions.Create(connID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := r.sessions.MarkInitializing(token); err != nil {
		return nil, err
	}

	version := protocol.NegotiateVersion(params.ProtocolVersion)
	if err := r.sessions.SetClientInfo(token, version, params.ClientInfo, params.Capabilities); err != nil {
		return nil, err
	}

	if c := r.clients.Find(connID); c != nil {
		if err := r.clients.Authenticate(c, token); err != nil {
			r.logger.WarnContext(ctx, "bind session to client",
				slog.String("connection", connID),
				slog.Any("error", err))
		}
		_ = c.Release()
	}

	r.logger.InfoContext(ctx, "session initializing",
		slog.String("connection", connID),
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocol_version", version))

	info := r.registry.Info()
	return &InitializeResult{
		ProtocolVersion: version,
		Capabilities:    r.registry.Capabilities(),
		ServerInfo:      ServerInfo{Name: info.Name, Version: info.Version},
		Instructions:    info.Instructions,
		Meta:            map[string]string{"sessionId": token},
	}, nil
}

func (r *Router) handleInitialized(ctx context.Context, _ *protocol.Request) (any, error) {
	token := protocol.SessionTokenFromContext(ctx)
	if err := r.sessions.MarkInitialized(token); err != nil {
		return nil, err
	}

	if c := r.clients.FindBySession(token); c != nil {
		if err := r.clients.Activate(c); err != nil {
			r.logger.DebugContext(ctx, "activate client", slog.String("client", c.ID()), slog.Any("error", err))
		}
		_ = c.Release()
	}
	return nil, nil
}

func (r *Router) handlePing(ctx context.Context, _ *protocol.Request) (any, error) {
	if c := r.clients.Find(protocol.ConnectionIDFromContext(ctx)); c != nil {
		_ = r.clients.UpdateHeartbeat(c)
		_ = c.Release()
	}
	return struct{}{}, nil
}

func (r *Router) handleToolsList(context.Context, *protocol.Request) (any, error) {
	return map[string]any{"tools": r.registry.ListTools()}, nil
}

func (r *Router) handleToolsCall(ctx context.Context, req *protocol.Request) (any, error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, InvalidParamsf("tools/call requires a tool name")
	}

	connID := protocol.ConnectionIDFromContext(ctx)
	ctx, done := r.inflight.track(ctx, connID, string(req.ID))
	defer done()

	if token := server.ExtractProgressToken(req.Params); token != nil && r.notifier != nil {
		reporter := server.NewProgressReporter(token, connNotifier{r.notifier, connID})
		ctx = server.ContextWithProgress(ctx, reporter)
	}

	result, err := r.registry.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", params.Name, err)
	}
	return result, nil
}

func (r *Router) handleResourcesList(context.Context, *protocol.Request) (any, error) {
	return map[string]any{"resources": r.registry.ListResources()}, nil
}

func (r *Router) handleResourceTemplates(context.Context, *protocol.Request) (any, error) {
	return map[string]any{"resourceTemplates": r.registry.ListTemplates()}, nil
}

func (r *Router) handleResourcesRead(ctx context.Context, req *protocol.Request) (any, error) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, InvalidParamsf("resources/read requires a uri")
	}

	result, err := r.registry.ReadResource(ctx, params.URI)
	if err != nil {
		return nil, fmt.Errorf("resource %q: %w", params.URI, err)
	}
	return result, nil
}

func (r *Router) handlePromptsList(context.Context, *protocol.Request) (any, error) {
	return map[string]any{"prompts": r.registry.ListPrompts()}, nil
}

func (r *Router) handlePromptsGet(ctx context.Context, req *protocol.Request) (any, error) {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, InvalidParamsf("prompts/get requires a prompt name")
	}

	result, err := r.registry.GetPrompt(ctx, params.Name, params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("prompt %q: %w", params.Name, err)
	}
	return result, nil
}

func (r *Router) handleSetLevel(ctx context.Context, req *protocol.Request) (any, error) {
	var params struct {
		Level string `json:"level"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}

	level, err := server.ParseLogLevel(params.Level)
	if err != nil {
		return nil, err
	}
	if err := r.sessions.SetLogLevel(protocol.SessionTokenFromContext(ctx), string(level)); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (r *Router) handleCancelled(ctx context.Context, req *protocol.Request) (any, error) {
	var params struct {
		RequestID json.RawMessage `json:"requestId"`
		Reason    string          `json:"reason,omitempty"`
	}
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}

	connID := protocol.ConnectionIDFromContext(ctx)
	if r.inflight.cancel(connID, string(params.RequestID)) {
		r.logger.DebugContext(ctx, "request cancelled",
			slog.String("connection", connID),
			slog.String("request_id", string(params.RequestID)),
			slog.String("reason", params.Reason))
	}
	return nil, nil
}

// connNotifier binds a Notifier to one connection.
type connNotifier struct {
	n      Notifier
	connID string
}

func (c connNotifier) Notify(ctx context.Context, method string, params any) error {
	return c.n.Notify(ctx, c.connID, method, params)
}
