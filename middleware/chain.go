// Package middleware holds the handler chain every routed MCP message
// passes through between the router and the capability handlers.
package middleware

import (
	"context"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

// HandlerFunc handles one routed message. The response of a notification
// is dropped by the router.
type HandlerFunc func(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

// Middleware decorates a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain folds mws into one Middleware. The first element sees the message
// first and the response last.
func Chain(mws ...Middleware) Middleware {
	return func(h HandlerFunc) HandlerFunc {
		for i := range mws {
			h = mws[len(mws)-1-i](h)
		}
		return h
	}
}
