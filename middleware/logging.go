package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

// Logging returns middleware that writes one record per handled message.
// Completed requests log at info, notifications at debug and anything
// that ended in a JSON-RPC error at error level.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		return passthrough
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			attrs := append(callAttrs(ctx, req), slog.Duration("duration", time.Since(start)))
			level, msg := slog.LevelInfo, "request completed"
			switch {
			case err != nil:
				level, msg = slog.LevelError, "request failed"
				attrs = append(attrs, slog.String("error", err.Error()))
				if code, ok := protocol.CodeOf(err); ok {
					attrs = append(attrs, slog.Int("code", code))
				}
			case resp != nil && resp.Error != nil:
				level, msg = slog.LevelError, "request failed"
				attrs = append(attrs, slog.String("error", resp.Error.Message), slog.Int("code", resp.Error.Code))
			case req.IsNotification():
				level, msg = slog.LevelDebug, "notification handled"
			}
			logger.LogAttrs(ctx, level, msg, attrs...)
			return resp, err
		}
	}
}

// callAttrs identifies a message in log records.
func callAttrs(ctx context.Context, req *protocol.Request) []slog.Attr {
	attrs := make([]slog.Attr, 0, 6)
	attrs = append(attrs, slog.String("method", req.Method))
	if conn := protocol.ConnectionIDFromContext(ctx); conn != "" {
		attrs = append(attrs, slog.String("connection", conn))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	return attrs
}

func passthrough(next HandlerFunc) HandlerFunc { return next }
