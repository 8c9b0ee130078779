package middleware

import "log/slog"

// DefaultStack is the chain every routed message passes through, outermost
// first: panic recovery, request IDs, the params size limit and logging.
func DefaultStack(logger *slog.Logger, maxParamsBytes int64) []Middleware {
	return []Middleware{
		Recover(WithRecoverLogger(logger)),
		RequestID(),
		SizeLimit(maxParamsBytes, logger),
		Logging(logger),
	}
}
