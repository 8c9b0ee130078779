package router

import (
	"errors"
	"fmt"

	"github.com/felixgeelhaar/embed-mcp/clients"
	"github.com/felixgeelhaar/embed-mcp/protocol"
	"github.com/felixgeelhaar/embed-mcp/server"
	"github.com/felixgeelhaar/embed-mcp/session"
)

var (
	// ErrAlreadyRegistered is returned by Register for a method that
	// already has a handler.
	ErrAlreadyRegistered = errors.New("method already registered")

	// ErrNotInitialized is the failure of the initialized precondition.
	ErrNotInitialized = errors.New("session not initialized")
)

// ToProtocolError converts a handler failure into the error object sent on
// the wire. Every error payload produced by the router goes through here.
func ToProtocolError(err error) *protocol.Error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}

	switch {
	case errors.Is(err, session.ErrResourceExhausted),
		errors.Is(err, clients.ErrResourceExhausted):
		return protocol.NewInternalError(fmt.Sprintf("resource exhausted: %v", err))
	case errors.Is(err, ErrNotInitialized),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrInvalidTransition):
		return protocol.NewInvalidRequest(fmt.Sprintf("Invalid Request: %v", err))
	case errors.Is(err, server.ErrToolNotFound),
		errors.Is(err, server.ErrResourceNotFound),
		errors.Is(err, server.ErrPromptNotFound),
		errors.Is(err, server.ErrInvalidArguments):
		return protocol.NewInvalidParams(err.Error())
	default:
		return protocol.NewInternalError(err.Error())
	}
}

// InvalidParamsf builds a -32602 error for handlers rejecting their params.
func InvalidParamsf(format string, args ...any) *protocol.Error {
	return protocol.NewInvalidParams(fmt.Sprintf(format, args...))
}
