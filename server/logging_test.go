package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

func TestShouldLog(t *testing.T) {
	tests := []struct {
		message LogLevel
		min     LogLevel
		want    bool
	}{
		{LogLevelDebug, LogLevelDebug, true},
		{LogLevelDebug, LogLevelInfo, false},
		{LogLevelError, LogLevelWarning, true},
		{LogLevelNotice, LogLevelWarning, false},
		{LogLevelEmergency, LogLevelAlert, true},
		{LogLevelDebug, "", true},
	}

	for _, tt := range tests {
		if got := ShouldLog(tt.message, tt.min); got != tt.want {
			t.Errorf("ShouldLog(%q, %q) = %v, want %v", tt.message, tt.min, got, tt.want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	if level, err := ParseLogLevel("warning"); err != nil || level != LogLevelWarning {
		t.Errorf("ParseLogLevel(warning) = %q, %v", level, err)
	}
	if _, err := ParseLogLevel("verbose"); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("ParseLogLevel(verbose) error = %v, want ErrInvalidArguments", err)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	method []string
	params []any
}

func (n *recordingNotifier) Notify(_ context.Context, method string, params any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.method = append(n.method, method)
	n.params = append(n.params, params)
	return nil
}

func TestProgressReporter(t *testing.T) {
	token := ExtractProgressToken(json.RawMessage(`{"name":"x","_meta":{"progressToken":17}}`))
	if string(token) != "17" {
		t.Fatalf("ExtractProgressToken() = %s, want 17", token)
	}

	notifier := &recordingNotifier{}
	reporter := NewProgressReporter(token, notifier)
	ctx := ContextWithProgress(context.Background(), reporter)

	total := 10.0
	_ = ProgressFromContext(ctx).Report(ctx, 5, &total, "halfway")
	_ = ProgressFromContext(ctx).Report(ctx, 3, nil, "")

	if len(notifier.method) != 2 || notifier.method[0] != protocol.MethodProgress {
		t.Fatalf("notifications = %v", notifier.method)
	}
	data, _ := json.Marshal(notifier.params[0])
	if string(data) != `{"progressToken":17,"progress":5,"total":10,"message":"halfway"}` {
		t.Errorf("params = %s", data)
	}
	second := notifier.params[1].(ProgressParams)
	if second.Progress <= 5 {
		t.Errorf("progress did not increase: %v", second.Progress)
	}
}

func TestProgressFromContext_Noop(t *testing.T) {
	if err := ProgressFromContext(context.Background()).Report(context.Background(), 1, nil, ""); err != nil {
		t.Errorf("noop Report() error = %v", err)
	}
	if ExtractProgressToken(json.RawMessage(`{"name":"x"}`)) != nil {
		t.Error("ExtractProgressToken() without _meta != nil")
	}
}
