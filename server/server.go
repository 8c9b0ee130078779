// Package server holds the tools, resources and prompts a host application
// exposes over MCP, and invokes them on behalf of the router.
package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

var (
	// ErrToolNotFound is returned by CallTool for an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrResourceNotFound is returned by ReadResource when no resource
	// matches the URI.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrPromptNotFound is returned by GetPrompt for an unregistered prompt.
	ErrPromptNotFound = errors.New("prompt not found")

	// ErrInvalidArguments is returned when arguments do not fit the input
	// of a tool or prompt.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// Info contains server metadata exposed to clients.
type Info struct {
	Name         string
	Version      string
	Instructions string
}

// Capabilities is the capabilities object returned by initialize.
type Capabilities struct {
	Tools     *ListChangedCapability `json:"tools,omitempty"`
	Resources *ResourceCapability    `json:"resources,omitempty"`
	Prompts   *ListChangedCapability `json:"prompts,omitempty"`
	Logging   *struct{}              `json:"logging,omitempty"`
}

// ListChangedCapability advertises list_changed notifications.
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ResourceCapability advertises resource features.
type ResourceCapability struct {
	Subscribe   bool `json:"subscribe"`
	ListChanged bool `json:"listChanged"`
}

// Option configures a Server.
type Option func(*Server)

// WithToolTimeout sets a deadline on the context passed to tool handlers.
// Handlers that ignore their context are not interrupted.
func WithToolTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.toolTimeout = d
	}
}

// Server is the registry of tools, resources and prompts.
type Server struct {
	mu sync.RWMutex

	info        Info
	toolTimeout time.Duration
	tools       map[string]*Tool
	resources   map[string]*Resource
	prompts     map[string]*Prompt
	onChange    []func(method string)
}

// New creates a new registry with the given info and options.
func New(info Info, opts ...Option) *Server {
	s := &Server{
		info:      info,
		tools:     make(map[string]*Tool),
		resources: make(map[string]*Resource),
		prompts:   make(map[string]*Prompt),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Info returns the server info.
func (s *Server) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Capabilities returns the capabilities advertised during initialize.
func (s *Server) Capabilities() Capabilities {
	return Capabilities{
		Tools:     &ListChangedCapability{ListChanged: true},
		Resources: &ResourceCapability{Subscribe: false, ListChanged: true},
		Prompts:   &ListChangedCapability{ListChanged: true},
		Logging:   &struct{}{},
	}
}

// OnListChanged registers fn to be called with the list_changed
// notification method whenever a tool or resource is added or removed.
func (s *Server) OnListChanged(fn func(method string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *Server) listChanged(method string) {
	s.mu.RLock()
	hooks := append([]func(string){}, s.onChange...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(method)
	}
}

// --- Tools ---

// Tool starts building a new tool with the given name.
func (s *Server) Tool(name string) *ToolBuilder {
	return &ToolBuilder{
		tool:   &Tool{name: name},
		server: s,
	}
}

// ListTools returns every registered tool sorted by name.
func (s *Server) ListTools() []ToolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ToolInfo, 0, len(s.tools))
	for _, t := range s.tools {
		result = append(result, t.info())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// GetTool retrieves a tool by name.
func (s *Server) GetTool(name string) (*Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// RemoveTool unregisters a tool. It reports whether the tool existed.
func (s *Server) RemoveTool(name string) bool {
	s.mu.Lock()
	_, ok := s.tools[name]
	delete(s.tools, name)
	s.mu.Unlock()
	if ok {
		s.listChanged(protocol.MethodToolsListChanged)
	}
	return ok
}

// CallTool invokes the named tool with raw JSON arguments. Unknown tools
// return ErrToolNotFound; arguments that do not fit the input type return
// ErrInvalidArguments. A handler error becomes a result with IsError set.
func (s *Server) CallTool(ctx context.Context, name string, args []byte) (*ToolResult, error) {
	t, ok := s.GetTool(name)
	if !ok {
		return nil, ErrToolNotFound
	}

	if s.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.toolTimeout)
		defer cancel()
	}

	return t.Execute(ctx, args)
}

func (s *Server) registerTool(t *Tool) {
	s.mu.Lock()
	s.tools[t.name] = t
	s.mu.Unlock()
	s.listChanged(protocol.MethodToolsListChanged)
}

// --- Resources ---

// Resource starts building a new resource with the given URI or URI
// template. A URI containing {placeholders} is listed as a template.
func (s *Server) Resource(uriTemplate string) *ResourceBuilder {
	return &ResourceBuilder{
		resource: &Resource{uri: uriTemplate},
		server:   s,
	}
}

// ListResources returns every concrete resource sorted by URI.
func (s *Server) ListResources() []ResourceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ResourceInfo, 0, len(s.resources))
	for _, r := range s.resources {
		if !r.isTemplate() {
			result = append(result, r.info())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].URI < result[j].URI })
	return result
}

// ListTemplates returns every templated resource sorted by template.
func (s *Server) ListTemplates() []TemplateInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]TemplateInfo, 0, len(s.resources))
	for _, r := range s.resources {
		if r.isTemplate() {
			result = append(result, r.templateInfo())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].URITemplate < result[j].URITemplate })
	return result
}

// ReadResource reads the resource matching uri. Concrete resources are
// preferred over templates.
func (s *Server) ReadResource(ctx context.Context, uri string) (*ReadResult, error) {
	r, params, ok := s.findResource(uri)
	if !ok {
		return nil, ErrResourceNotFound
	}

	content, err := r.handler(ctx, uri, params)
	if err != nil {
		return nil, err
	}
	if content.URI == "" {
		content.URI = uri
	}
	if content.MimeType == "" {
		content.MimeType = r.mimeType
	}
	return &ReadResult{Contents: []ResourceContent{*content}}, nil
}

func (s *Server) findResource(uri string) (*Resource, map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.resources[uri]; ok && !r.isTemplate() {
		return r, nil, true
	}
	for _, r := range s.resources {
		if params, ok := r.match(uri); ok {
			return r, params, true
		}
	}
	return nil, nil, false
}

// RemoveResource unregisters a resource by URI or template.
func (s *Server) RemoveResource(uriTemplate string) bool {
	s.mu.Lock()
	_, ok := s.resources[uriTemplate]
	delete(s.resources, uriTemplate)
	s.mu.Unlock()
	if ok {
		s.listChanged(protocol.MethodResourcesListChanged)
	}
	return ok
}

func (s *Server) registerResource(r *Resource) {
	s.mu.Lock()
	s.resources[r.uri] = r
	s.mu.Unlock()
	s.listChanged(protocol.MethodResourcesListChanged)
}

// --- Prompts ---

// Prompt starts building a new prompt with the given name.
func (s *Server) Prompt(name string) *PromptBuilder {
	return &PromptBuilder{
		prompt: &Prompt{name: name},
		server: s,
	}
}

// ListPrompts returns every registered prompt sorted by name.
func (s *Server) ListPrompts() []PromptInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]PromptInfo, 0, len(s.prompts))
	for _, p := range s.prompts {
		result = append(result, p.info())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// GetPrompt renders the named prompt.
func (s *Server) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResult, error) {
	s.mu.RLock()
	p, ok := s.prompts[name]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrPromptNotFound
	}
	return p.Get(ctx, args)
}

func (s *Server) registerPrompt(p *Prompt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[p.name] = p
}
