// Package client is an MCP client for servers built with embed-mcp, or any
// server speaking one of its transports.
//
//	t, err := client.DialWebSocket(ctx, "ws://localhost:8080/mcp", nil)
//	if err != nil {
//	    return err
//	}
//	c := client.New(t)
//	defer c.Close()
//
//	if _, err := c.Initialize(ctx); err != nil {
//	    return err
//	}
//	result, err := c.CallTool(ctx, "search", map[string]any{"query": "go"})
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

// Transport carries JSON-RPC messages to a server.
type Transport interface {
	// Send writes a request and waits for its response.
	Send(ctx context.Context, req *protocol.Request) (*Response, error)
	// Notify writes a notification.
	Notify(ctx context.Context, n *protocol.Request) error
	// Close releases the connection.
	Close() error
}

// ServerInfo is what the server reported during initialize.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
	Instructions    string
	Capabilities    Capabilities
	// SessionToken is the token of the session the server created, when
	// it reports one.
	SessionToken string
}

// Capabilities lists the feature groups the server advertises.
type Capabilities struct {
	Tools     bool
	Resources bool
	Prompts   bool
	Logging   bool
}

// Tool is a tools/list entry.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolResult is the result of tools/call.
type ToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// Text returns the text of the first text item.
func (r *ToolResult) Text() string {
	for _, item := range r.Content {
		if item.Type == "text" {
			return item.Text
		}
	}
	return ""
}

// ContentItem is one item of a tool result.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Resource is a resources/list entry.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContent is one item of a resources/read result.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Prompt is a prompts/list entry.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes an argument of a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptResult is the result of prompts/get.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// PromptMessage is one message of a prompt.
type PromptMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	timeout     time.Duration
	clientName  string
	clientVer   string
	protocolVer string
}

// WithTimeout sets the deadline of each call. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithClientInfo sets the name and version sent in initialize.
func WithClientInfo(name, version string) Option {
	return func(o *clientOptions) {
		o.clientName = name
		o.clientVer = version
	}
}

// WithProtocolVersion sets the protocol revision requested in initialize.
func WithProtocolVersion(version string) Option {
	return func(o *clientOptions) {
		o.protocolVer = version
	}
}

// Client calls an MCP server through a Transport.
type Client struct {
	transport Transport
	opts      clientOptions
	nextID    atomic.Int64

	mu         sync.RWMutex
	serverInfo *ServerInfo
}

// New creates a client on t.
func New(t Transport, opts ...Option) *Client {
	o := clientOptions{
		timeout:     30 * time.Second,
		clientName:  "embed-mcp-client",
		clientVer:   "1.0.0",
		protocolVer: protocol.MCPVersion,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{transport: t, opts: o}
}

// Initialize runs the handshake: initialize followed by
// notifications/initialized.
func (c *Client) Initialize(ctx context.Context) (*ServerInfo, error) {
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		Instructions    string `json:"instructions"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
		Capabilities map[string]json.RawMessage `json:"capabilities"`
		Meta         map[string]string          `json:"_meta"`
	}
	err := c.call(ctx, protocol.MethodInitialize, map[string]any{
		"protocolVersion": c.opts.protocolVer,
		"clientInfo":      map[string]string{"name": c.opts.clientName, "version": c.opts.clientVer},
		"capabilities":    map[string]any{},
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	if err := c.Notify(ctx, protocol.MethodInitialized, nil); err != nil {
		return nil, fmt.Errorf("initialized: %w", err)
	}

	_, tools := result.Capabilities["tools"]
	_, resources := result.Capabilities["resources"]
	_, prompts := result.Capabilities["prompts"]
	_, logging := result.Capabilities["logging"]
	info := &ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		Instructions:    result.Instructions,
		Capabilities:    Capabilities{Tools: tools, Resources: resources, Prompts: prompts, Logging: logging},
		SessionToken:    result.Meta["sessionId"],
	}

	c.mu.Lock()
	c.serverInfo = info
	c.mu.Unlock()
	return info, nil
}

// ServerInfo returns what the last Initialize reported, or nil.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ListTools returns the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.call(ctx, protocol.MethodToolsList, nil, &result); err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool calls a tool. A tool that fails reports IsError in the result;
// the error return is for protocol failures such as an unknown tool.
func (c *Client) CallTool(ctx context.Context, name string, arguments any) (*ToolResult, error) {
	params := map[string]any{"name": name}
	if arguments != nil {
		params["arguments"] = arguments
	}

	var result ToolResult
	if err := c.call(ctx, protocol.MethodToolsCall, params, &result); err != nil {
		return nil, fmt.Errorf("call tool %q: %w", name, err)
	}
	return &result, nil
}

// ListResources returns the server's concrete resources.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var result struct {
		Resources []Resource `json:"resources"`
	}
	if err := c.call(ctx, protocol.MethodResourcesList, nil, &result); err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	return result.Resources, nil
}

// ReadResource reads a resource and returns its first content item.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ResourceContent, error) {
	var result struct {
		Contents []ResourceContent `json:"contents"`
	}
	if err := c.call(ctx, protocol.MethodResourcesRead, map[string]string{"uri": uri}, &result); err != nil {
		return nil, fmt.Errorf("read resource %q: %w", uri, err)
	}
	if len(result.Contents) == 0 {
		return nil, fmt.Errorf("read resource %q: no content", uri)
	}
	return &result.Contents[0], nil
}

// ListPrompts returns the server's prompts.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var result struct {
		Prompts []Prompt `json:"prompts"`
	}
	if err := c.call(ctx, protocol.MethodPromptsList, nil, &result); err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	return result.Prompts, nil
}

// GetPrompt renders a prompt.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*PromptResult, error) {
	params := map[string]any{"name": name}
	if arguments != nil {
		params["arguments"] = arguments
	}

	var result PromptResult
	if err := c.call(ctx, protocol.MethodPromptsGet, params, &result); err != nil {
		return nil, fmt.Errorf("get prompt %q: %w", name, err)
	}
	return &result, nil
}

// SetLogLevel sets the minimum level of log notifications.
func (c *Client) SetLogLevel(ctx context.Context, level string) error {
	if err := c.call(ctx, protocol.MethodLoggingSetLevel, map[string]string{"level": level}, nil); err != nil {
		return fmt.Errorf("set log level: %w", err)
	}
	return nil
}

// Ping checks that the server answers. It also refreshes the server's
// activity timestamp for this connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.call(ctx, protocol.MethodPing, nil, nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Call sends an arbitrary request and returns the raw result.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.call(ctx, method, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Notify sends a notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.transport.Notify(ctx, &protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  method,
		Params:  raw,
	})
}

// Close closes the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// call sends a request and decodes its result into out. A JSON-RPC error
// is returned as *protocol.Error.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}

	req := &protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      json.RawMessage(strconv.FormatInt(c.nextID.Add(1), 10)),
		Method:  method,
		Params:  raw,
	}

	if c.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.timeout)
		defer cancel()
	}

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}
