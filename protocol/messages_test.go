package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name             string
		input            string
		wantMethod       string
		wantID           string
		wantParams       string
		wantNotification bool
		wantErr          error
	}{
		{
			name:       "request with params",
			input:      `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search"}}`,
			wantMethod: "tools/call",
			wantID:     `1`,
			wantParams: `{"name":"search"}`,
		},
		{
			name:       "request with string id",
			input:      `{"jsonrpc":"2.0","id":"abc-123","method":"tools/list"}`,
			wantMethod: "tools/list",
			wantID:     `"abc-123"`,
		},
		{
			name:       "null id is still a request",
			input:      `{"jsonrpc":"2.0","id":null,"method":"ping"}`,
			wantMethod: "ping",
			wantID:     `null`,
		},
		{
			name:             "notification",
			input:            `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			wantMethod:       "notifications/initialized",
			wantNotification: true,
		},
		{
			name:       "missing jsonrpc tolerated",
			input:      `{"id":7,"method":"ping"}`,
			wantMethod: "ping",
			wantID:     `7`,
		},
		{
			name:       "null params dropped",
			input:      `{"jsonrpc":"2.0","id":2,"method":"ping","params":null}`,
			wantMethod: "ping",
			wantID:     `2`,
		},
		{
			name:    "invalid json",
			input:   `{invalid}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "truncated json",
			input:   `{"jsonrpc":"2.0","id":1,`,
			wantErr: ErrMalformed,
		},
		{
			name:    "array envelope",
			input:   `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`,
			wantErr: ErrInvalidEnvelope,
		},
		{
			name:    "missing method",
			input:   `{"jsonrpc":"2.0","id":1}`,
			wantErr: ErrMissingMethod,
		},
		{
			name:    "non-string method",
			input:   `{"jsonrpc":"2.0","id":1,"method":42}`,
			wantErr: ErrMissingMethod,
		},
		{
			name:    "wrong version",
			input:   `{"jsonrpc":"1.0","id":1,"method":"ping"}`,
			wantErr: ErrInvalidVersion,
		},
		{
			name:    "object id",
			input:   `{"jsonrpc":"2.0","id":{},"method":"ping"}`,
			wantErr: ErrInvalidID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.JSONRPC != JSONRPCVersion {
				t.Errorf("JSONRPC = %q, want %q", got.JSONRPC, JSONRPCVersion)
			}
			if got.Method != tt.wantMethod {
				t.Errorf("Method = %q, want %q", got.Method, tt.wantMethod)
			}
			if string(got.ID) != tt.wantID {
				t.Errorf("ID = %s, want %s", got.ID, tt.wantID)
			}
			if string(got.Params) != tt.wantParams {
				t.Errorf("Params = %s, want %s", got.Params, tt.wantParams)
			}
			if got.IsNotification() != tt.wantNotification {
				t.Errorf("IsNotification() = %v, want %v", got.IsNotification(), tt.wantNotification)
			}
		})
	}
}

func TestErrorFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"malformed", ErrMalformed, CodeParseError},
		{"missing method", ErrMissingMethod, CodeInvalidRequest},
		{"bad version", ErrInvalidVersion, CodeInvalidRequest},
		{"bad id", ErrInvalidID, CodeInvalidRequest},
		{"not an object", ErrInvalidEnvelope, CodeInvalidRequest},
		{"protocol error passes through", NewInvalidParams("x"), CodeInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorFor(tt.err); got.Code != tt.code {
				t.Errorf("ErrorFor(%v).Code = %d, want %d", tt.err, got.Code, tt.code)
			}
		})
	}
}

func TestRecoverID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`{"id":5}`, `5`},
		{`{"id":"x","method":3}`, `"x"`},
		{`{"method":"ping"}`, `null`},
		{`{"id":[1]}`, `null`},
		{`{garbage`, `null`},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := RecoverID([]byte(tt.input)); string(got) != tt.want {
				t.Errorf("RecoverID() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	inputs := []string{
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":9007199254740993,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":"req-1","method":"tools/call","params":{"name":"echo"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			req, err := Parse([]byte(input))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			out, err := Serialize(req)
			if err != nil {
				t.Fatalf("Serialize() error = %v", err)
			}
			if string(out) != input {
				t.Errorf("Serialize(Parse(x)) = %s, want %s", out, input)
			}
		})
	}
}

func TestSerialize_Response(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		want string
	}{
		{
			name: "success response",
			resp: NewResponse(json.RawMessage(`1`), map[string]string{"status": "ok"}),
			want: `{"jsonrpc":"2.0","id":1,"result":{"status":"ok"}}`,
		},
		{
			name: "empty result",
			resp: NewResponse(json.RawMessage(`2`), nil),
			want: `{"jsonrpc":"2.0","id":2,"result":{}}`,
		},
		{
			name: "error response without id",
			resp: NewErrorResponse(nil, NewParseError("Parse error")),
			want: `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`,
		},
		{
			name: "missing version normalized",
			resp: &Response{ID: json.RawMessage(`3`), Result: true},
			want: `{"jsonrpc":"2.0","id":3,"result":true}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Serialize(tt.resp)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Serialize() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSerialize_Notification(t *testing.T) {
	got, err := Serialize(NewNotification(MethodLogMessage, map[string]string{"level": "info"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`
	if string(got) != want {
		t.Errorf("Serialize() = %s, want %s", got, want)
	}
}

func TestNegotiateVersion(t *testing.T) {
	tests := []struct {
		requested string
		want      string
	}{
		{MCPVersion, MCPVersion},
		{"2024-11-05", "2024-11-05"},
		{"1999-01-01", MCPVersion},
		{"", MCPVersion},
	}

	for _, tt := range tests {
		if got := NegotiateVersion(tt.requested); got != tt.want {
			t.Errorf("NegotiateVersion(%q) = %q, want %q", tt.requested, got, tt.want)
		}
	}
}

func TestIsResponse(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{`{"jsonrpc":"2.0","id":1,"result":{}}`, true},
		{`{"jsonrpc":"2.0","id":1,"error":{"code":-1,"message":"x"}}`, true},
		{`{"jsonrpc":"2.0","id":1,"method":"ping"}`, false},
		{`{"jsonrpc":"2.0","id":1}`, false},
		{`not json`, false},
	}

	for _, tt := range tests {
		if got := IsResponse([]byte(tt.input)); got != tt.want {
			t.Errorf("IsResponse(%s) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
