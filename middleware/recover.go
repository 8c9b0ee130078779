package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

// PanicHandler turns a recovered panic value into the message outcome.
type PanicHandler func(ctx context.Context, req *protocol.Request, panicVal any) (*protocol.Response, error)

// RecoverOption configures Recover.
type RecoverOption func(*recoverer)

type recoverer struct {
	logger  *slog.Logger
	handler PanicHandler
}

// WithRecoverLogger logs recovered panics with their stack.
func WithRecoverLogger(l *slog.Logger) RecoverOption {
	return func(r *recoverer) { r.logger = l }
}

// WithPanicHandler replaces the default conversion to -32603.
func WithPanicHandler(h PanicHandler) RecoverOption {
	return func(r *recoverer) { r.handler = h }
}

// Recover keeps a panicking handler from taking the connection down. The
// panic becomes an internal error unless a PanicHandler says otherwise.
func Recover(opts ...RecoverOption) Middleware {
	r := &recoverer{handler: internalErrorOnPanic}
	for _, opt := range opts {
		opt(r)
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (resp *protocol.Response, err error) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if r.logger != nil {
					r.logger.LogAttrs(ctx, slog.LevelError, "handler panicked",
						append(callAttrs(ctx, req), slog.Any("panic", v), slog.String("stack", string(debug.Stack())))...)
				}
				resp, err = r.handler(ctx, req, v)
			}()
			return next(ctx, req)
		}
	}
}

func internalErrorOnPanic(_ context.Context, req *protocol.Request, v any) (*protocol.Response, error) {
	return nil, protocol.NewInternalError(fmt.Sprintf("%s panicked: %v", req.Method, v))
}
