package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

// KeyFunc picks the token bucket a message draws from.
type KeyFunc func(ctx context.Context, req *protocol.Request) string

// ByConnection keys buckets by the connection the message arrived on.
func ByConnection(ctx context.Context, _ *protocol.Request) string {
	return protocol.ConnectionIDFromContext(ctx)
}

// RateLimitOption configures RateLimit.
type RateLimitOption func(*limiter)

type limiter struct {
	allow  func(context.Context, string) bool
	key    KeyFunc
	logger *slog.Logger
	exempt map[string]bool
}

// WithRateLimitKeyFunc replaces ByConnection.
func WithRateLimitKeyFunc(fn KeyFunc) RateLimitOption {
	return func(l *limiter) { l.key = fn }
}

// WithRateLimitLogger logs rejected messages at warn level.
func WithRateLimitLogger(logger *slog.Logger) RateLimitOption {
	return func(l *limiter) { l.logger = logger }
}

// WithRateLimitExempt adds methods that bypass the limiter. The handshake
// methods are always exempt.
func WithRateLimitExempt(methods ...string) RateLimitOption {
	return func(l *limiter) {
		for _, m := range methods {
			l.exempt[m] = true
		}
	}
}

// RateLimit admits rate messages per second per key with bursts of up to
// burst. Rejected messages fail with CodeRateLimited.
func RateLimit(rate int, burst int, opts ...RateLimitOption) Middleware {
	l := &limiter{
		key: ByConnection,
		exempt: map[string]bool{
			protocol.MethodInitialize:  true,
			protocol.MethodInitialized: true,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.allow = ratelimit.New(&ratelimit.Config{Rate: rate, Burst: burst, Interval: time.Second}).Allow

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			if l.exempt[req.Method] {
				return next(ctx, req)
			}
			key := l.key(ctx, req)
			if l.allow(ctx, key) {
				return next(ctx, req)
			}
			if l.logger != nil {
				l.logger.LogAttrs(ctx, slog.LevelWarn, "rate limit exceeded",
					append(callAttrs(ctx, req), slog.String("key", key))...)
			}
			return nil, protocol.NewRateLimited("")
		}
	}
}
