package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTemplate is returned for a malformed URI template.
var ErrInvalidTemplate = errors.New("invalid uri template")

// ResourceContent is one item of a resources/read result. Exactly one of
// Text and Blob (base64) is expected to be set.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResult is the resources/read result.
type ReadResult struct {
	Contents []ResourceContent `json:"contents"`
}

// ResourceHandler reads uri. For templated resources vars holds the value
// of each placeholder; it is nil for concrete ones.
type ResourceHandler func(ctx context.Context, uri string, vars map[string]string) (*ResourceContent, error)

// ResourceInfo is a resources/list entry.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// TemplateInfo is a resources/templates/list entry.
type TemplateInfo struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Resource is a registered resource or resource template.
type Resource struct {
	uri         string
	tmpl        uriTemplate
	name        string
	description string
	mimeType    string
	handler     ResourceHandler
}

func (r *Resource) isTemplate() bool { return r.tmpl.vars > 0 }

func (r *Resource) match(uri string) (map[string]string, bool) {
	if !r.isTemplate() {
		return nil, uri == r.uri
	}
	return r.tmpl.match(uri)
}

func (r *Resource) info() ResourceInfo {
	return ResourceInfo{URI: r.uri, Name: r.name, Description: r.description, MimeType: r.mimeType}
}

func (r *Resource) templateInfo() TemplateInfo {
	return TemplateInfo{URITemplate: r.uri, Name: r.name, Description: r.description, MimeType: r.mimeType}
}

// uriTemplate is a level 1 URI template: literal text with {name}
// placeholders that each match one non-empty path segment fragment.
type uriTemplate struct {
	parts []templatePart
	vars  int
}

type templatePart struct {
	text     string
	variable bool
}

func parseURITemplate(s string) (uriTemplate, error) {
	var t uriTemplate
	for rest := s; rest != ""; {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			t.parts = append(t.parts, templatePart{text: rest})
			break
		}
		if open > 0 {
			t.parts = append(t.parts, templatePart{text: rest[:open]})
		} else if n := len(t.parts); n > 0 && t.parts[n-1].variable {
			return t, fmt.Errorf("%w: %q has adjacent placeholders", ErrInvalidTemplate, s)
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return t, fmt.Errorf("%w: %q has an unclosed placeholder", ErrInvalidTemplate, s)
		}
		name := rest[open+1 : open+closing]
		if name == "" || strings.ContainsAny(name, "{/") {
			return t, fmt.Errorf("%w: %q has a bad placeholder name %q", ErrInvalidTemplate, s, name)
		}
		t.parts = append(t.parts, templatePart{text: name, variable: true})
		t.vars++
		rest = rest[open+closing+1:]
	}
	return t, nil
}

// match binds each placeholder to the shortest text that lets the next
// literal follow. Placeholder values never contain a slash.
func (t uriTemplate) match(uri string) (map[string]string, bool) {
	vars := make(map[string]string, t.vars)
	rest := uri
	for i, p := range t.parts {
		if !p.variable {
			if !strings.HasPrefix(rest, p.text) {
				return nil, false
			}
			rest = rest[len(p.text):]
			continue
		}

		end := len(rest)
		if i+1 < len(t.parts) {
			end = strings.Index(rest, t.parts[i+1].text)
		}
		if end <= 0 || strings.Contains(rest[:end], "/") {
			return nil, false
		}
		vars[p.text] = rest[:end]
		rest = rest[end:]
	}
	if rest != "" {
		return nil, false
	}
	return vars, true
}

// ResourceBuilder registers a resource once Handler is called.
type ResourceBuilder struct {
	resource *Resource
	server   *Server
	err      error
}

// Err reports a malformed URI template.
func (b *ResourceBuilder) Err() error {
	return b.err
}

// Name sets the display name. It defaults to the URI.
func (b *ResourceBuilder) Name(name string) *ResourceBuilder {
	b.resource.name = name
	return b
}

// Description sets the text shown in list results.
func (b *ResourceBuilder) Description(desc string) *ResourceBuilder {
	b.resource.description = desc
	return b
}

// MimeType sets the type reported for content that does not name one.
func (b *ResourceBuilder) MimeType(mimeType string) *ResourceBuilder {
	b.resource.mimeType = mimeType
	return b
}

// Handler sets the read function and registers the resource. A malformed
// template is recorded in Err and nothing is registered.
func (b *ResourceBuilder) Handler(fn ResourceHandler) *ResourceBuilder {
	if b.err != nil {
		return b
	}
	r := b.resource
	if r.tmpl, b.err = parseURITemplate(r.uri); b.err != nil {
		return b
	}
	if r.name == "" {
		r.name = r.uri
	}
	r.handler = fn
	b.server.registerResource(r)
	return b
}
