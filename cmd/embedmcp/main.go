// Command embedmcp runs an embed-mcp server with a small set of demo tools.
//
// Configuration comes from EMBED_MCP_* environment variables; flags
// override them:
//
//	embedmcp --transport http --port 9000 --log-format json
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	mcp "github.com/felixgeelhaar/embed-mcp"
	"github.com/felixgeelhaar/embed-mcp/config"
	"github.com/felixgeelhaar/embed-mcp/logging"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=1.2.0"
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "embedmcp: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fs, showVersion := newFlagSet(&cfg, stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Fprintf(stdout, "embedmcp %s\n", version)
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Debug:  cfg.Debug,
		Writer: stderr,
	})
	if err != nil {
		return err
	}

	return mcp.Serve(ctx, cfg, newRegistry(cfg), mcp.WithLogger(logger))
}

func newFlagSet(cfg *config.Config, output io.Writer) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet("embedmcp", flag.ContinueOnError)
	fs.SetOutput(output)

	// server
	fs.StringVar(&cfg.Name, "name", cfg.Name, "Server name reported to clients")
	fs.StringVar(&cfg.Instructions, "instructions", cfg.Instructions, "Instructions returned by initialize")

	// transport
	fs.StringVarP(&cfg.Transport, "transport", "t", cfg.Transport, "Transport: stdio, http or websocket")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Listen host for network transports")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Listen port for network transports")
	fs.StringVar(&cfg.Path, "path", cfg.Path, "URL prefix of the MCP endpoints")

	// limits
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "Maximum concurrent sessions")
	fs.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "Maximum concurrent connections")
	fs.DurationVar(&cfg.SessionTimeout, "session-timeout", cfg.SessionTimeout, "Idle time before a session expires")
	fs.DurationVar(&cfg.ClientTimeout, "client-timeout", cfg.ClientTimeout, "Idle time before a connection is reaped")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "Interval of the expiry sweeps")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Expected ping interval")
	fs.BoolVar(&cfg.RequireHeartbeat, "require-heartbeat", cfg.RequireHeartbeat, "Disconnect clients that stop pinging")
	fs.BoolVar(&cfg.AutoCleanup, "auto-cleanup", cfg.AutoCleanup, "Run the expiry sweeps")
	fs.DurationVar(&cfg.ToolTimeout, "tool-timeout", cfg.ToolTimeout, "Deadline given to tool handlers")
	fs.Int64Var(&cfg.MaxParamsBytes, "max-params-bytes", cfg.MaxParamsBytes, "Largest accepted params object")
	fs.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Messages per second per connection (0 disables)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "Burst allowed above the rate limit")

	// logging
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: dev, json or text")
	fs.BoolVarP(&cfg.Debug, "debug", "d", cfg.Debug, "Shorthand for --log-level debug")

	showVersion := fs.Bool("version", false, "Print version and exit")
	return fs, showVersion
}
