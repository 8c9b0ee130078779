package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role is the speaker of a prompt message.
type Role string

// Roles accepted in prompt results.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrInvalidPrompt is returned when a prompt handler produces a result
// clients cannot render.
var ErrInvalidPrompt = errors.New("invalid prompt result")

// PromptMessage is one turn of a rendered prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// UserMessage returns a user turn with text content.
func UserMessage(text string) PromptMessage {
	return PromptMessage{Role: RoleUser, Content: TextContent(text)}
}

// AssistantMessage returns an assistant turn with text content.
func AssistantMessage(text string) PromptMessage {
	return PromptMessage{Role: RoleAssistant, Content: TextContent(text)}
}

// PromptResult is the prompts/get result.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// PromptArgument is a named template argument.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptHandler renders a prompt from its arguments. Required arguments
// are checked before it runs.
type PromptHandler func(ctx context.Context, args map[string]string) (*PromptResult, error)

// PromptInfo is the prompts/list entry of a prompt.
type PromptInfo struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// Prompt is a registered prompt template.
type Prompt struct {
	name        string
	description string
	arguments   []PromptArgument
	handler     PromptHandler
}

func (p *Prompt) info() PromptInfo {
	return PromptInfo{
		Name:        p.name,
		Description: p.description,
		Arguments:   p.arguments,
	}
}

// Get checks args against the declared arguments and renders the prompt.
// Every missing required argument is named in the error.
func (p *Prompt) Get(ctx context.Context, args map[string]string) (*PromptResult, error) {
	var missing []string
	for _, arg := range p.arguments {
		if arg.Required && args[arg.Name] == "" {
			missing = append(missing, arg.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required arguments: %s", ErrInvalidArguments, strings.Join(missing, ", "))
	}

	result, err := p.handler(ctx, args)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("prompt %q: %w: nil result", p.name, ErrInvalidPrompt)
	}
	for i, msg := range result.Messages {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			return nil, fmt.Errorf("prompt %q: %w: message %d has role %q", p.name, ErrInvalidPrompt, i, msg.Role)
		}
	}
	if result.Messages == nil {
		result.Messages = []PromptMessage{}
	}
	if result.Description == "" {
		result.Description = p.description
	}
	return result, nil
}

// PromptBuilder registers a prompt once Handler is called.
type PromptBuilder struct {
	prompt *Prompt
	server *Server
}

// Description sets the text shown in prompts/list.
func (b *PromptBuilder) Description(desc string) *PromptBuilder {
	b.prompt.description = desc
	return b
}

// Argument declares a template argument.
func (b *PromptBuilder) Argument(name, description string, required bool) *PromptBuilder {
	b.prompt.arguments = append(b.prompt.arguments, PromptArgument{
		Name:        name,
		Description: description,
		Required:    required,
	})
	return b
}

// Handler sets the render function and registers the prompt, replacing
// any prompt of the same name.
func (b *PromptBuilder) Handler(fn PromptHandler) *PromptBuilder {
	b.prompt.handler = fn
	b.server.registerPrompt(b.prompt)
	return b
}
