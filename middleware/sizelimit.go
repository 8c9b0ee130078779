package middleware

import (
	"context"
	"log/slog"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

// Byte size units for MaxParamsBytes and SizeLimit.
const (
	KB = 1 << 10
	MB = 1 << 20
)

// SizeLimit rejects messages whose raw params are longer than maxBytes
// with -32602. Limits of zero or less turn the check off. Rejections are
// logged at warn level when logger is not nil.
func SizeLimit(maxBytes int64, logger *slog.Logger) Middleware {
	if maxBytes <= 0 {
		return passthrough
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			size := int64(len(req.Params))
			if size <= maxBytes {
				return next(ctx, req)
			}
			if logger != nil {
				logger.LogAttrs(ctx, slog.LevelWarn, "params too large",
					append(callAttrs(ctx, req), slog.Int64("size", size), slog.Int64("limit", maxBytes))...)
			}
			return nil, protocol.Errorf(protocol.CodeInvalidParams, "params are %d bytes, limit is %d", size, maxBytes)
		}
	}
}
