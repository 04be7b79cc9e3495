// Package mcp implements the client-facing MCP endpoint over Streamable
// HTTP.
//
// # Transport
//
// A single /mcp endpoint accepts JSON-RPC 2.0 over POST and session
// termination over DELETE. Server-initiated SSE streams are not supported;
// notifications from clients are accepted with HTTP 202 and dropped.
//
// # Sessions
//
// The initialize handshake creates a session and returns its id in the
// Mcp-Session-Id header. Every other request must present that header; an
// unknown id gets HTTP 404 so the client knows to re-initialize. Deleting a
// session cancels its in-flight backend calls.
//
// # Dispatch
//
// tools/list, prompts/list, and resources/list serve the router's renamed
// aggregate lists. tools/call, prompts/get, resources/read, and the
// subscribe pair resolve the alias prefix through the router and forward to
// the owning backend. Router and backend errors map onto JSON-RPC codes:
// unknown names are invalid params (-32602), and the router's own taxonomy
// uses -32001 through -32004.
//
// # Authentication
//
// Two schemes, matching how routers get shared: a static key in the ?s=
// query parameter, or a bearer token checked by a Verifier. With
// RequireAuth off the endpoint is open.
package mcp
