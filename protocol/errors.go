package protocol

import (
	"errors"
	"fmt"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// CodeRateLimited is returned when a connection exceeds its message rate.
// It lies in the range JSON-RPC reserves for implementations.
const CodeRateLimited = -32003

var codeText = map[int]string{
	CodeParseError:     "parse error",
	CodeInvalidRequest: "invalid request",
	CodeMethodNotFound: "method not found",
	CodeInvalidParams:  "invalid params",
	CodeInternalError:  "internal error",
	CodeRateLimited:    "rate limited",
}

// CodeText returns a short name for code, or "server error" for codes it
// does not know.
func CodeText(code int) string {
	if s, ok := codeText[code]; ok {
		return s
	}
	return "server error"
}

// Error is the error member of a response. It implements error so
// handlers can return it directly; errors.Is matches on Code alone.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("mcp: %s (code: %d)", e.Message, e.Code)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithData returns a copy of e carrying data.
func (e *Error) WithData(data any) *Error {
	c := *e
	c.Data = data
	return &c
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (int, bool) {
	var perr *Error
	if !errors.As(err, &perr) {
		return 0, false
	}
	return perr.Code, true
}

// NewError creates an error with an arbitrary code. An empty message is
// replaced by the code's name.
func NewError(code int, msg string) *Error {
	if msg == "" {
		msg = CodeText(code)
	}
	return &Error{Code: code, Message: msg}
}

// Errorf creates an error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

func NewParseError(msg string) *Error     { return NewError(CodeParseError, msg) }
func NewInvalidRequest(msg string) *Error { return NewError(CodeInvalidRequest, msg) }
func NewMethodNotFound(msg string) *Error { return NewError(CodeMethodNotFound, msg) }
func NewInvalidParams(msg string) *Error  { return NewError(CodeInvalidParams, msg) }
func NewInternalError(msg string) *Error  { return NewError(CodeInternalError, msg) }
func NewRateLimited(msg string) *Error    { return NewError(CodeRateLimited, msg) }
