package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

type requestIDKey struct{}

// RequestID tags each message context with a random UUID unless an outer
// layer already did.
func RequestID() Middleware {
	return RequestIDWithGenerator(uuid.NewString)
}

// RequestIDWithGenerator is RequestID with ids drawn from gen.
func RequestIDWithGenerator(gen func() string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			if _, ok := ctx.Value(requestIDKey{}).(string); !ok {
				ctx = ContextWithRequestID(ctx, gen())
			}
			return next(ctx, req)
		}
	}
}

// ContextWithRequestID stores id in ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id stored by RequestID, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
