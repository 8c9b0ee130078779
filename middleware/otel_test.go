package middleware

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

func TestOTel_Spans(t *testing.T) {
	tests := []struct {
		name     string
		handler  HandlerFunc
		wantCode int64
		wantErr  bool
	}{
		{name: "success", handler: okHandler},
		{
			name: "protocol error",
			handler: func(context.Context, *protocol.Request) (*protocol.Response, error) {
				return nil, protocol.NewInvalidParams("bad")
			},
			wantCode: protocol.CodeInvalidParams,
			wantErr:  true,
		},
		{
			name: "plain error",
			handler: func(context.Context, *protocol.Request) (*protocol.Response, error) {
				return nil, errors.New("boom")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := tracetest.NewInMemoryExporter()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
			defer tp.Shutdown(context.Background())

			ctx := protocol.ContextWithConnectionID(context.Background(), "conn-1")
			_, err := OTel(WithTracerProvider(tp))(tt.handler)(ctx, request("tools/call"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			span := spans[0]
			if span.Name != "mcp.tools/call" {
				t.Errorf("Name = %q", span.Name)
			}

			attrs := map[attribute.Key]attribute.Value{}
			for _, kv := range span.Attributes {
				attrs[kv.Key] = kv.Value
			}
			if attrs["mcp.connection_id"].AsString() != "conn-1" {
				t.Errorf("connection attribute = %v", attrs["mcp.connection_id"])
			}
			if got := attrs["mcp.error_code"].AsInt64(); got != tt.wantCode {
				t.Errorf("mcp.error_code = %d, want %d", got, tt.wantCode)
			}
		})
	}
}

func TestOTel_SkipMethods(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	handler := OTel(WithTracerProvider(tp), WithOTelSkipMethods(protocol.MethodPing))(okHandler)
	_, _ = handler(context.Background(), request(protocol.MethodPing))

	if n := len(exporter.GetSpans()); n != 0 {
		t.Errorf("spans = %d, want 0", n)
	}
}

func TestOTel_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	handler := OTel(WithMeterProvider(mp))(func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
		return protocol.NewErrorResponse(req.ID, protocol.NewMethodNotFound("nope")), nil
	})
	for i := 0; i < 3; i++ {
		_, _ = handler(context.Background(), request("nope"))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	if sums["mcp.server.requests"] != 3 || sums["mcp.server.errors"] != 3 {
		t.Errorf("sums = %v, want 3 requests and 3 errors", sums)
	}
}
