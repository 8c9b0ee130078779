package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

// InstrumentationName is the tracer and meter name used by this module.
const InstrumentationName = "github.com/felixgeelhaar/embed-mcp"

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*otelConfig)

type otelConfig struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	serviceName    string
	skipMethods    map[string]bool
}

// WithTracerProvider sets the tracer provider. Default is the global one.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *otelConfig) {
		c.tracerProvider = tp
	}
}

// WithMeterProvider sets the meter provider. Default is the global one.
func WithMeterProvider(mp metric.MeterProvider) OTelOption {
	return func(c *otelConfig) {
		c.meterProvider = mp
	}
}

// WithOTelServiceName sets the service.name attribute of spans and points.
func WithOTelServiceName(name string) OTelOption {
	return func(c *otelConfig) {
		c.serviceName = name
	}
}

// WithOTelSkipMethods lists methods that are neither traced nor counted.
func WithOTelSkipMethods(methods ...string) OTelOption {
	return func(c *otelConfig) {
		for _, m := range methods {
			c.skipMethods[m] = true
		}
	}
}

// telemetry holds the instruments shared by every call.
type telemetry struct {
	cfg      *otelConfig
	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

func newTelemetry(cfg *otelConfig) *telemetry {
	meter := cfg.meterProvider.Meter(InstrumentationName)
	t := &telemetry{cfg: cfg, tracer: cfg.tracerProvider.Tracer(InstrumentationName)}

	// Instrument creation only fails on invalid names; the meter then
	// hands back no-op instruments, which is what we want.
	t.requests, _ = meter.Int64Counter("mcp.server.requests",
		metric.WithDescription("Messages handled, requests and notifications"),
		metric.WithUnit("{message}"))
	t.failures, _ = meter.Int64Counter("mcp.server.errors",
		metric.WithDescription("Messages that ended in a JSON-RPC error"),
		metric.WithUnit("{message}"))
	t.duration, _ = meter.Float64Histogram("mcp.server.request.duration",
		metric.WithDescription("Time spent handling a message"),
		metric.WithUnit("s"))
	return t
}

func (t *telemetry) attributes(req *protocol.Request) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", req.Method),
		attribute.String("mcp.method", req.Method),
		attribute.Bool("mcp.notification", req.IsNotification()),
		attribute.String("service.name", t.cfg.serviceName),
	}
}

// observe records the outcome of one call on span and the instruments.
func (t *telemetry) observe(ctx context.Context, span trace.Span, attrs []attribute.KeyValue, elapsed time.Duration, resp *protocol.Response, err error) {
	t.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))

	var code int
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		code, _ = protocol.CodeOf(err)
	case resp != nil && resp.Error != nil:
		span.SetStatus(codes.Error, resp.Error.Message)
		code = resp.Error.Code
	default:
		span.SetStatus(codes.Ok, "")
		return
	}

	if code != 0 {
		kv := attribute.Int("mcp.error_code", code)
		span.SetAttributes(kv)
		attrs = append(attrs, kv)
	}
	t.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// OTel returns middleware that opens a server span per message and
// records message counts, failures and latency.
func OTel(opts ...OTelOption) Middleware {
	cfg := &otelConfig{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
		serviceName:    "embed-mcp",
		skipMethods:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	tel := newTelemetry(cfg)

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			if cfg.skipMethods[req.Method] {
				return next(ctx, req)
			}

			attrs := tel.attributes(req)
			ctx, span := tel.tracer.Start(ctx, "mcp."+req.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...))
			defer span.End()

			if conn := protocol.ConnectionIDFromContext(ctx); conn != "" {
				span.SetAttributes(attribute.String("mcp.connection_id", conn))
			}
			if id := RequestIDFromContext(ctx); id != "" {
				span.SetAttributes(attribute.String("mcp.request_id", id))
			}
			span.SetAttributes(attribute.Bool("mcp.session", protocol.SessionTokenFromContext(ctx) != ""))

			tel.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
			start := time.Now()
			resp, err := next(ctx, req)
			tel.observe(ctx, span, attrs, time.Since(start), resp, err)
			return resp, err
		}
	}
}
