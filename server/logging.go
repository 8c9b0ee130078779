package server

import (
	"fmt"
	"slices"
)

// LogLevel is a logging/setLevel level. MCP borrows the syslog
// severities, listed here from least to most severe.
type LogLevel string

const (
	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"
)

var severities = []LogLevel{
	LogLevelDebug, LogLevelInfo, LogLevelNotice, LogLevelWarning,
	LogLevelError, LogLevelCritical, LogLevelAlert, LogLevelEmergency,
}

// severity is the level's rank, or -1 for unknown levels.
func (l LogLevel) severity() int {
	return slices.Index(severities, l)
}

// ParseLogLevel checks s against the known levels.
func ParseLogLevel(s string) (LogLevel, error) {
	if l := LogLevel(s); l.severity() >= 0 {
		return l, nil
	}
	return "", fmt.Errorf("%w: unknown log level %q", ErrInvalidArguments, s)
}

// LoggingMessage is the params object of notifications/message.
type LoggingMessage struct {
	Level  LogLevel `json:"level"`
	Logger string   `json:"logger,omitempty"`
	Data   any      `json:"data"`
}

// ShouldLog reports whether a message at level passes minLevel.
// An unset minimum lets everything through.
func ShouldLog(level, minLevel LogLevel) bool {
	if minLevel == "" {
		return true
	}
	return level.severity() >= minLevel.severity()
}
