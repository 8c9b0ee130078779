// Package transport carries MCP messages between remote clients and an
// engine. Every transport is both a source of raw messages, fed to a
// Handler, and the engine's Sender for the replies.
//
// # Usage
//
// A transport is created first because the engine sends through it:
//
//	t := transport.NewHTTP(":8080", transport.WithPath("/mcp"))
//	e, err := engine.New(cfg, registry, t)
//	if err != nil {
//	    return err
//	}
//	err = t.Serve(ctx, e)
//
// Endpoints of the HTTP transport:
//   - GET  /mcp/sse     event stream; first event "endpoint"
//   - POST /mcp/message?connectionId=<id>  one message, 202 Accepted
//   - GET  /health      liveness and open stream count
//
// The WebSocket transport upgrades GET /mcp and maps one socket to one
// connection. Stdio serves a single connection named "stdio".
package transport
