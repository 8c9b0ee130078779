// Package config holds the runtime settings of an embed-mcp server.
//
// Values come from EMBED_MCP_* environment variables and may be
// overridden by command line flags.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Transport kinds.
const (
	TransportStdio     = "stdio"
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

// Log formats.
const (
	LogFormatDev  = "dev"
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Config is the complete server configuration.
type Config struct {
	Name         string `env:"EMBED_MCP_NAME,default=embed-mcp"`
	Version      string `env:"EMBED_MCP_VERSION,default=0.1.0"`
	Instructions string `env:"EMBED_MCP_INSTRUCTIONS"`

	Transport string `env:"EMBED_MCP_TRANSPORT,default=stdio"`
	Host      string `env:"EMBED_MCP_HOST,default=127.0.0.1"`
	Port      int    `env:"EMBED_MCP_PORT,default=8080"`
	Path      string `env:"EMBED_MCP_PATH,default=/mcp"`

	MaxSessions       int           `env:"EMBED_MCP_MAX_SESSIONS,default=10"`
	MaxClients        int           `env:"EMBED_MCP_MAX_CLIENTS,default=16"`
	SessionTimeout    time.Duration `env:"EMBED_MCP_SESSION_TIMEOUT,default=1h"`
	ClientTimeout     time.Duration `env:"EMBED_MCP_CLIENT_TIMEOUT,default=5m"`
	CleanupInterval   time.Duration `env:"EMBED_MCP_CLEANUP_INTERVAL,default=5m"`
	HeartbeatInterval time.Duration `env:"EMBED_MCP_HEARTBEAT_INTERVAL,default=30s"`
	RequireHeartbeat  bool          `env:"EMBED_MCP_REQUIRE_HEARTBEAT,default=false"`
	AutoCleanup       bool          `env:"EMBED_MCP_AUTO_CLEANUP,default=true"`

	// ToolTimeout is a soft limit: it sets a context deadline that tool
	// handlers are expected to observe.
	ToolTimeout    time.Duration `env:"EMBED_MCP_TOOL_TIMEOUT,default=30s"`
	MaxParamsBytes int64         `env:"EMBED_MCP_MAX_PARAMS_BYTES,default=1048576"`

	// RateLimit is messages per second per connection; 0 disables limiting.
	RateLimit int `env:"EMBED_MCP_RATE_LIMIT,default=0"`
	RateBurst int `env:"EMBED_MCP_RATE_BURST,default=20"`

	LogLevel  string `env:"EMBED_MCP_LOG_LEVEL,default=info"`
	LogFormat string `env:"EMBED_MCP_LOG_FORMAT,default=dev"`
	Debug     bool   `env:"EMBED_MCP_DEBUG,default=false"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Name:              "embed-mcp",
		Version:           "0.1.0",
		Transport:         TransportStdio,
		Host:              "127.0.0.1",
		Port:              8080,
		Path:              "/mcp",
		MaxSessions:       10,
		MaxClients:        16,
		SessionTimeout:    time.Hour,
		ClientTimeout:     5 * time.Minute,
		CleanupInterval:   5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		AutoCleanup:       true,
		ToolTimeout:       30 * time.Second,
		MaxParamsBytes:    1 << 20,
		RateBurst:         20,
		LogLevel:          "info",
		LogFormat:         LogFormatDev,
	}
}

// Load decodes the configuration from the environment without validating
// it, so that flags can still override invalid values.
func Load() (Config, error) {
	cfg := Default()
	err := envdecode.Decode(&cfg)
	if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// FromEnv decodes the configuration from the environment and validates it.
func FromEnv() (Config, error) {
	cfg, err := Load()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Addr returns host:port for network transports.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	switch c.Transport {
	case TransportStdio, TransportHTTP, TransportWebSocket:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Transport != TransportStdio && (c.Port <= 0 || c.Port > 65535) {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions))
	}
	if c.MaxClients <= 0 {
		errs = append(errs, fmt.Errorf("max clients must be positive, got %d", c.MaxClients))
	}
	if c.SessionTimeout <= 0 {
		errs = append(errs, errors.New("session timeout must be positive"))
	}
	if c.ClientTimeout <= 0 {
		errs = append(errs, errors.New("client timeout must be positive"))
	}
	if c.AutoCleanup && c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("cleanup interval must be positive"))
	}
	if c.RequireHeartbeat && c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat interval must be positive when heartbeats are required"))
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		errs = append(errs, errors.New("rate limit and burst must not be negative"))
	}
	switch c.LogFormat {
	case LogFormatDev, LogFormatJSON, LogFormatText:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}
