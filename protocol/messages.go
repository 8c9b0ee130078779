package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// JSONRPCVersion is the JSON-RPC protocol version.
const JSONRPCVersion = "2.0"

// NullID is the id used in error responses when no id could be recovered.
var NullID = json.RawMessage("null")

// Codec errors returned by Parse.
var (
	ErrMalformed       = errors.New("malformed json")
	ErrInvalidEnvelope = errors.New("envelope is not a json object")
	ErrInvalidVersion  = errors.New("unsupported jsonrpc version")
	ErrMissingMethod   = errors.New("method missing or not a string")
	ErrInvalidID       = errors.New("id must be a string, number or null")
)

// Request represents a JSON-RPC 2.0 request or notification.
// A request carries an id (possibly the JSON literal null); a notification
// has none.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification returns true if this request has no ID (is a notification).
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response represents a JSON-RPC 2.0 response.
// The id is always emitted; a nil id serializes as null.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResponse creates a successful response.
func NewResponse(id json.RawMessage, result any) *Response {
	if result == nil {
		result = struct{}{}
	}
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	if len(id) == 0 {
		id = NullID
	}
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   err,
	}
}

// Notification is a server-initiated message without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a notification envelope.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	}
}

// Parse decodes a single JSON-RPC envelope.
//
// The presence of an "id" key, including "id": null, marks a request.
// A missing jsonrpc member is tolerated and normalized to "2.0".
func Parse(data []byte) (*Request, error) {
	if !json.Valid(data) {
		return nil, ErrMalformed
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if fields == nil {
		return nil, ErrInvalidEnvelope
	}

	req := &Request{JSONRPC: JSONRPCVersion}

	if raw, ok := fields["jsonrpc"]; ok {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil || v != JSONRPCVersion {
			return nil, ErrInvalidVersion
		}
	}

	raw, ok := fields["method"]
	if !ok {
		return nil, ErrMissingMethod
	}
	if err := json.Unmarshal(raw, &req.Method); err != nil {
		return nil, ErrMissingMethod
	}

	if raw, ok := fields["id"]; ok {
		if !validID(raw) {
			return nil, ErrInvalidID
		}
		req.ID = raw
	}

	if raw, ok := fields["params"]; ok && !isNull(raw) {
		req.Params = raw
	}

	return req, nil
}

// Serialize encodes an envelope without trailing whitespace.
// Responses and notifications missing a jsonrpc member are normalized.
func Serialize(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Response:
		if m.JSONRPC == "" {
			m.JSONRPC = JSONRPCVersion
		}
	case *Notification:
		if m.JSONRPC == "" {
			m.JSONRPC = JSONRPCVersion
		}
	case *Request:
		if m.JSONRPC == "" {
			m.JSONRPC = JSONRPCVersion
		}
	}
	return json.Marshal(v)
}

// ErrorFor maps a Parse failure to its wire error.
func ErrorFor(err error) *Error {
	var perr *Error
	switch {
	case errors.As(err, &perr):
		return perr
	case errors.Is(err, ErrMalformed):
		return NewParseError("Parse error")
	case errors.Is(err, ErrMissingMethod):
		return NewInvalidRequest("Invalid Request: method must be a string")
	case errors.Is(err, ErrInvalidVersion):
		return NewInvalidRequest("Invalid Request: jsonrpc must be \"2.0\"")
	case errors.Is(err, ErrInvalidID):
		return NewInvalidRequest("Invalid Request: invalid id")
	default:
		return NewInvalidRequest("Invalid Request")
	}
}

// RecoverID extracts the id from a possibly invalid envelope.
// It returns NullID when none can be recovered.
func RecoverID(data []byte) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return NullID
	}
	if raw, ok := fields["id"]; ok && validID(raw) {
		return raw
	}
	return NullID
}

// HasID reports whether data carries an "id" member, even when the rest
// of the envelope is invalid.
func HasID(data []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	_, ok := fields["id"]
	return ok
}

// IsResponse reports whether data is a JSON-RPC response object, which
// carries a result or error member and no method.
func IsResponse(data []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	if _, ok := fields["method"]; ok {
		return false
	}
	_, hasResult := fields["result"]
	_, hasError := fields["error"]
	return hasResult || hasError
}

func validID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case '"', 'n':
		return raw[0] == '"' || isNull(raw)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	default:
		return false
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
