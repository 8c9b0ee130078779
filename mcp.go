// Package mcp is the entry point of embed-mcp, an embeddable Model Context
// Protocol server runtime.
//
// Register tools, resources and prompts on a Server, then serve it on one
// of the transports:
//
//	srv := mcp.NewServer(mcp.ServerInfo{Name: "my-server", Version: "1.0.0"})
//
//	type SearchInput struct {
//	    Query string `json:"query" jsonschema:"required"`
//	}
//
//	srv.Tool("search").
//	    Description("Search for items").
//	    Handler(func(ctx context.Context, in SearchInput) ([]string, error) {
//	        return []string{"result1", "result2"}, nil
//	    })
//
//	err := mcp.ServeStdio(ctx, srv)
//
// Serve runs a server from a config.Config, choosing the transport, the
// session and client limits and the logger from it.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/felixgeelhaar/embed-mcp/config"
	"github.com/felixgeelhaar/embed-mcp/engine"
	"github.com/felixgeelhaar/embed-mcp/logging"
	"github.com/felixgeelhaar/embed-mcp/server"
	"github.com/felixgeelhaar/embed-mcp/transport"
)

// ServerInfo identifies the server to clients.
type ServerInfo = server.Info

// Server holds the tools, resources and prompts of an MCP server.
type Server = server.Server

// Config is the runtime configuration.
type Config = config.Config

// Transport carries messages between clients and the engine.
type Transport = transport.Transport

// NewServer creates an empty server.
func NewServer(info ServerInfo, opts ...server.Option) *Server {
	return server.New(info, opts...)
}

// NewServerFromConfig creates an empty server named and limited by cfg.
func NewServerFromConfig(cfg Config, opts ...server.Option) *Server {
	info := ServerInfo{Name: cfg.Name, Version: cfg.Version, Instructions: cfg.Instructions}
	opts = append([]server.Option{server.WithToolTimeout(cfg.ToolTimeout)}, opts...)
	return server.New(info, opts...)
}

// ServeOption configures Serve.
type ServeOption func(*serveOptions)

type serveOptions struct {
	logger     *slog.Logger
	transport  Transport
	engineOpts []engine.Option
}

// WithLogger sets the logger instead of building one from the config.
func WithLogger(l *slog.Logger) ServeOption {
	return func(o *serveOptions) {
		o.logger = l
	}
}

// WithTransport serves on t instead of the transport named in the config.
func WithTransport(t Transport) ServeOption {
	return func(o *serveOptions) {
		o.transport = t
	}
}

// WithEngineOptions passes options to the engine, such as middleware or
// telemetry providers.
func WithEngineOptions(opts ...engine.Option) ServeOption {
	return func(o *serveOptions) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

// Serve runs srv until ctx is cancelled or the transport fails. It starts
// the engine sweeps, serves the transport and shuts the engine down on the
// way out.
func Serve(ctx context.Context, cfg Config, srv *Server, opts ...ServeOption) error {
	var o serveOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		l, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Debug: cfg.Debug})
		if err != nil {
			return err
		}
		o.logger = l
	}

	t := o.transport
	if t == nil {
		var err error
		if t, err = NewTransport(cfg, o.logger); err != nil {
			return err
		}
	}

	engineOpts := append([]engine.Option{engine.WithLogger(o.logger)}, o.engineOpts...)
	e, err := engine.New(cfg, srv, t, engineOpts...)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	o.logger.InfoContext(ctx, "serving",
		slog.String("name", cfg.Name),
		slog.String("transport", cfg.Transport),
		slog.String("addr", t.Addr()))

	var result *multierror.Error
	if err := t.Serve(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
		result = multierror.Append(result, fmt.Errorf("serve %s: %w", cfg.Transport, err))
	}
	if err := e.Shutdown(context.WithoutCancel(ctx)); err != nil {
		result = multierror.Append(result, fmt.Errorf("shutdown engine: %w", err))
	}
	return result.ErrorOrNil()
}

// NewTransport builds the transport named by cfg.Transport.
func NewTransport(cfg Config, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		return transport.NewStdio(
			transport.WithStdioLogger(logger),
			transport.WithStdioMaxMessageBytes(int(cfg.MaxParamsBytes)),
		), nil
	case config.TransportHTTP:
		return transport.NewHTTP(cfg.Addr(),
			transport.WithPath(cfg.Path),
			transport.WithHTTPLogger(logger),
			transport.WithHTTPMaxMessageBytes(cfg.MaxParamsBytes),
		), nil
	case config.TransportWebSocket:
		return transport.NewWebSocket(cfg.Addr(),
			transport.WithWebSocketPath(cfg.Path),
			transport.WithWebSocketLogger(logger),
			transport.WithWebSocketMaxMessageBytes(cfg.MaxParamsBytes),
		), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// ServeStdio serves srv on stdin/stdout with default settings. Logs go to
// stderr so they never mix with protocol traffic.
func ServeStdio(ctx context.Context, srv *Server, opts ...ServeOption) error {
	cfg := configFor(srv, config.TransportStdio)
	return Serve(ctx, cfg, srv, append([]ServeOption{WithLogger(defaultLogger())}, opts...)...)
}

// ServeHTTP serves srv over HTTP and Server-Sent Events on addr.
func ServeHTTP(ctx context.Context, srv *Server, addr string, opts ...transport.HTTPOption) error {
	cfg := configFor(srv, config.TransportHTTP)
	logger := defaultLogger()
	opts = append([]transport.HTTPOption{transport.WithHTTPLogger(logger)}, opts...)
	return Serve(ctx, cfg, srv, WithLogger(logger), WithTransport(transport.NewHTTP(addr, opts...)))
}

// ServeWebSocket serves srv over WebSocket on addr.
func ServeWebSocket(ctx context.Context, srv *Server, addr string, opts ...transport.WebSocketOption) error {
	cfg := configFor(srv, config.TransportWebSocket)
	logger := defaultLogger()
	opts = append([]transport.WebSocketOption{transport.WithWebSocketLogger(logger)}, opts...)
	return Serve(ctx, cfg, srv, WithLogger(logger), WithTransport(transport.NewWebSocket(addr, opts...)))
}

func configFor(srv *Server, kind string) Config {
	cfg := config.Default()
	info := srv.Info()
	if info.Name != "" {
		cfg.Name = info.Name
	}
	if info.Version != "" {
		cfg.Version = info.Version
	}
	cfg.Transport = kind
	return cfg
}

func defaultLogger() *slog.Logger {
	l, _ := logging.New(logging.Config{Level: "info", Format: config.LogFormatText, Writer: os.Stderr})
	return l
}
