package server

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

// ProgressToken is the opaque token a client puts in
// params._meta.progressToken. Strings and numbers are both legal, so the
// raw JSON is kept and echoed back verbatim.
type ProgressToken json.RawMessage

// MarshalJSON writes the token as it was received.
func (t ProgressToken) MarshalJSON() ([]byte, error) {
	if len(t) == 0 {
		return []byte("null"), nil
	}
	return t, nil
}

// ProgressParams is the params object of notifications/progress.
type ProgressParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         *float64      `json:"total,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// Notifier delivers a notification to the client behind the current
// request.
type Notifier interface {
	Notify(ctx context.Context, method string, params any) error
}

// ProgressReporter is handed to tool handlers through the context.
type ProgressReporter interface {
	// Report sends one update. A value that does not exceed the previous
	// one is nudged upward so clients always see progress increase.
	Report(ctx context.Context, progress float64, total *float64, message string) error
}

// NewProgressReporter returns a reporter that sends notifications/progress
// for token through n.
func NewProgressReporter(token ProgressToken, n Notifier) ProgressReporter {
	return &tokenReporter{token: token, notifier: n}
}

type tokenReporter struct {
	token    ProgressToken
	notifier Notifier

	mu   sync.Mutex
	prev *float64
}

func (r *tokenReporter) Report(ctx context.Context, progress float64, total *float64, message string) error {
	r.mu.Lock()
	if r.prev != nil && progress <= *r.prev {
		progress = *r.prev + 0.1
	}
	r.prev = &progress
	r.mu.Unlock()

	return r.notifier.Notify(ctx, protocol.MethodProgress, ProgressParams{
		ProgressToken: r.token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

type discardProgress struct{}

func (discardProgress) Report(context.Context, float64, *float64, string) error { return nil }

type progressKey struct{}

// ContextWithProgress attaches r to ctx.
func ContextWithProgress(ctx context.Context, r ProgressReporter) context.Context {
	return context.WithValue(ctx, progressKey{}, r)
}

// ProgressFromContext returns the reporter for the current call. When the
// client sent no progress token the reporter silently drops updates.
func ProgressFromContext(ctx context.Context) ProgressReporter {
	if r, ok := ctx.Value(progressKey{}).(ProgressReporter); ok {
		return r
	}
	return discardProgress{}
}

// ExtractProgressToken reads params._meta.progressToken. It returns nil
// when the token is absent, null or params do not parse.
func ExtractProgressToken(params json.RawMessage) ProgressToken {
	var envelope struct {
		Meta *struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if len(params) == 0 || json.Unmarshal(params, &envelope) != nil || envelope.Meta == nil {
		return nil
	}
	tok := bytes.TrimSpace(envelope.Meta.ProgressToken)
	if len(tok) == 0 || bytes.Equal(tok, []byte("null")) {
		return nil
	}
	return ProgressToken(tok)
}
