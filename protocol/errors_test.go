package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestError_String(t *testing.T) {
	for code, want := range map[int]string{
		CodeInternalError: "mcp: tool crashed (code: -32603)",
		CodeParseError:    "mcp: tool crashed (code: -32700)",
	} {
		if got := NewError(code, "tool crashed").Error(); got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
	}
}

func TestError_MatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("tools/call: %w", NewInvalidParams("missing a"))

	if !errors.Is(wrapped, NewInvalidParams("")) {
		t.Error("wrapped invalid params does not match by code")
	}
	if errors.Is(wrapped, NewInternalError("missing a")) {
		t.Error("same message with another code matched")
	}
	if code, _ := CodeOf(wrapped); code != CodeInvalidParams {
		t.Errorf("CodeOf(wrapped) = %d", code)
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		code int
	}{
		{"parse", NewParseError("x"), CodeParseError},
		{"invalid request", NewInvalidRequest("x"), CodeInvalidRequest},
		{"method not found", NewMethodNotFound("x"), CodeMethodNotFound},
		{"invalid params", NewInvalidParams("x"), CodeInvalidParams},
		{"internal", NewInternalError("x"), CodeInternalError},
		{"rate limited", NewRateLimited("x"), CodeRateLimited},
		{"custom", NewError(-32099, "x"), -32099},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %d, want %d", tt.err.Code, tt.code)
			}
			if tt.err.Message != "x" {
				t.Errorf("Message = %q, want %q", tt.err.Message, "x")
			}
		})
	}
}

func TestError_WithData(t *testing.T) {
	base := NewInvalidParams("bad")
	withData := base.WithData(map[string]string{"field": "name"})

	if base.Data != nil {
		t.Error("WithData must not mutate the receiver")
	}

	data, err := json.Marshal(withData)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"code":-32602,"message":"bad","data":{"field":"name"}}`
	if string(data) != want {
		t.Errorf("Marshal = %s, want %s", data, want)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantOK   bool
	}{
		{"direct", NewMethodNotFound("x"), CodeMethodNotFound, true},
		{"wrapped", fmt.Errorf("route: %w", Errorf(CodeInvalidParams, "bad %s", "uri")), CodeInvalidParams, true},
		{"plain", errors.New("boom"), 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := CodeOf(tt.err)
			if code != tt.wantCode || ok != tt.wantOK {
				t.Errorf("CodeOf() = %d, %v, want %d, %v", code, ok, tt.wantCode, tt.wantOK)
			}
		})
	}
}

func TestNewError_DefaultMessage(t *testing.T) {
	if got := NewError(CodeInvalidRequest, "").Message; got != "invalid request" {
		t.Errorf("Message = %q", got)
	}
	if got := NewError(-32050, "").Message; got != "server error" {
		t.Errorf("Message = %q", got)
	}
	if got := Errorf(CodeInternalError, "tool %q failed", "x").Message; got != `tool "x" failed` {
		t.Errorf("Errorf Message = %q", got)
	}
}
