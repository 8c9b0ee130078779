package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

// Tool represents a callable function exposed via MCP.
type Tool struct {
	name        string
	description string
	inputType   reflect.Type
	inputSchema *jsonschema.Schema
	annotations *ToolAnnotations
	handler     any
	hasContext  bool
}

// ToolInfo is the tools/list entry of a tool.
type ToolInfo struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`
	Annotations *ToolAnnotations   `json:"annotations,omitempty"`
}

// Content is one item of a tool result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextContent returns a text content item.
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// ToolResult is the MCP content envelope returned by tools/call.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// ToolBuilder provides a fluent API for building tools.
type ToolBuilder struct {
	tool   *Tool
	server *Server
	err    error
}

// Err returns the error recorded while building, if any.
func (b *ToolBuilder) Err() error {
	return b.err
}

// Description sets the tool description.
func (b *ToolBuilder) Description(desc string) *ToolBuilder {
	if b.err != nil {
		return b
	}
	b.tool.description = desc
	return b
}

// Handler sets the tool handler function and registers the tool.
// Handler signature must be one of:
//   - func(input T) (R, error)
//   - func(ctx context.Context, input T) (R, error)
//
// R may be a string, a Content, a []Content, a *ToolResult or any value
// that is rendered as JSON text.
func (b *ToolBuilder) Handler(fn any) *ToolBuilder {
	if b.err != nil {
		return b
	}

	if err := b.validateHandler(fn); err != nil {
		b.err = fmt.Errorf("tool %q: %w", b.tool.name, err)
		return b
	}

	b.tool.handler = fn
	b.server.registerTool(b.tool)
	return b
}

var reflector = &jsonschema.Reflector{
	DoNotReference:             true,
	RequiredFromJSONSchemaTags: true,
	AllowAdditionalProperties:  true,
}

func (b *ToolBuilder) validateHandler(fn any) error {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return fmt.Errorf("handler must be a function, got %T", fn)
	}

	numIn := fnType.NumIn()
	if numIn < 1 || numIn > 2 {
		return fmt.Errorf("handler must have 1 or 2 parameters, got %d", numIn)
	}

	inputParamIdx := 0
	if numIn == 2 {
		if !fnType.In(0).Implements(reflect.TypeOf((*context.Context)(nil)).Elem()) {
			return errors.New("first parameter must be context.Context when using 2 parameters")
		}
		b.tool.hasContext = true
		inputParamIdx = 1
	}

	inputType := fnType.In(inputParamIdx)
	if inputType.Kind() == reflect.Ptr {
		inputType = inputType.Elem()
	}
	if inputType.Kind() != reflect.Struct {
		return fmt.Errorf("input must be a struct, got %s", inputType.Kind())
	}
	b.tool.inputType = inputType

	s := reflector.ReflectFromType(inputType)
	s.Version = ""
	s.ID = ""
	b.tool.inputSchema = s

	if fnType.NumOut() != 2 {
		return fmt.Errorf("handler must return (result, error), got %d return values", fnType.NumOut())
	}
	if !fnType.Out(1).Implements(reflect.TypeOf((*error)(nil)).Elem()) {
		return errors.New("second return value must be error")
	}

	return nil
}

// Name returns the tool name.
func (t *Tool) Name() string { return t.name }

func (t *Tool) info() ToolInfo {
	return ToolInfo{
		Name:        t.name,
		Description: t.description,
		InputSchema: t.inputSchema,
		Annotations: t.annotations,
	}
}

// Execute runs the tool handler with the given JSON input.
func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage("{}")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return nil, fmt.Errorf("%w: arguments must be an object", ErrInvalidArguments)
	}
	for _, name := range t.inputSchema.Required {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("%w: missing required argument %q", ErrInvalidArguments, name)
		}
	}

	inputPtr := reflect.New(t.inputType)
	if err := json.Unmarshal(input, inputPtr.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	var args []reflect.Value
	if t.hasContext {
		args = append(args, reflect.ValueOf(ctx))
	}
	if reflect.TypeOf(t.handler).In(len(args)).Kind() == reflect.Ptr {
		args = append(args, inputPtr)
	} else {
		args = append(args, inputPtr.Elem())
	}

	results := reflect.ValueOf(t.handler).Call(args)

	if errVal := results[1].Interface(); errVal != nil {
		err := errVal.(error)
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return nil, perr
		}
		return &ToolResult{Content: []Content{TextContent(err.Error())}, IsError: true}, nil
	}

	return toResult(results[0].Interface())
}

func toResult(v any) (*ToolResult, error) {
	switch r := v.(type) {
	case *ToolResult:
		if r == nil {
			return &ToolResult{Content: []Content{}}, nil
		}
		return r, nil
	case ToolResult:
		return &r, nil
	case Content:
		return &ToolResult{Content: []Content{r}}, nil
	case []Content:
		return &ToolResult{Content: r}, nil
	case string:
		return &ToolResult{Content: []Content{TextContent(r)}}, nil
	case nil:
		return &ToolResult{Content: []Content{}}, nil
	default:
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode tool result: %w", err)
		}
		return &ToolResult{Content: []Content{TextContent(string(data))}}, nil
	}
}
