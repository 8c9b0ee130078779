package server

// ToolAnnotations are behavioral hints shown to clients in tools/list.
// Clients must not rely on them for safety decisions. A nil hint means
// the client applies the protocol default.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    *bool  `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool  `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// Bool returns &v.
func Bool(v bool) *bool { return &v }

// Annotations replaces every hint of the tool at once.
func (b *ToolBuilder) Annotations(a ToolAnnotations) *ToolBuilder {
	b.tool.annotations = &a
	return b
}

func (b *ToolBuilder) hints() *ToolAnnotations {
	if b.tool.annotations == nil {
		b.tool.annotations = new(ToolAnnotations)
	}
	return b.tool.annotations
}

// ReadOnly declares that the tool changes nothing, which also makes it
// non-destructive.
func (b *ToolBuilder) ReadOnly() *ToolBuilder {
	h := b.hints()
	h.ReadOnlyHint, h.DestructiveHint = Bool(true), Bool(false)
	return b
}

// Destructive declares that the tool may delete or overwrite data.
func (b *ToolBuilder) Destructive() *ToolBuilder {
	b.hints().DestructiveHint = Bool(true)
	return b
}

// Idempotent declares that repeating a call with the same input has no
// further effect.
func (b *ToolBuilder) Idempotent() *ToolBuilder {
	b.hints().IdempotentHint = Bool(true)
	return b
}

// ClosedWorld declares that the tool only touches the host it runs on.
func (b *ToolBuilder) ClosedWorld() *ToolBuilder {
	b.hints().OpenWorldHint = Bool(false)
	return b
}

// Title sets the display title.
func (b *ToolBuilder) Title(title string) *ToolBuilder {
	b.hints().Title = title
	return b
}
