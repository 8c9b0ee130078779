// Package protocol defines the MCP JSON-RPC 2.0 envelopes, the message
// codec and the error codes shared by every other package.
//
// # Codec
//
// Parse decodes one envelope and classifies it. The presence of an "id"
// member, including "id": null, makes it a request; its absence makes it a
// notification:
//
//	req, err := protocol.Parse(data)
//	if err != nil {
//	    resp := protocol.NewErrorResponse(protocol.RecoverID(data), protocol.ErrorFor(err))
//	}
//	if req.IsNotification() {
//	    // never answered
//	}
//
// Serialize encodes responses and notifications without a trailing newline.
// Ids are kept as raw JSON so integer ids round-trip exactly.
//
// # Error Codes
//
//	CodeParseError     = -32700  // Invalid JSON
//	CodeInvalidRequest = -32600  // Invalid envelope or session not initialized
//	CodeMethodNotFound = -32601  // Method not found
//	CodeInvalidParams  = -32602  // Invalid method parameters
//	CodeInternalError  = -32603  // Internal error, capacity exhausted
package protocol
