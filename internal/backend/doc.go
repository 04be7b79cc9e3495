// Package backend manages connections to backend MCP servers.
//
// # Overview
//
// The backend package handles the lifecycle of one backend server per
// Connection: transport construction, the initialize handshake, inventory
// caching, health monitoring, and graceful shutdown.
//
// # Connection
//
// A Connection is built from a server definition and started explicitly:
//
//	conn := backend.New(backend.Config{Definition: def, Events: events})
//	err := conn.Start(ctx)
//
// Key operations:
//
//   - Start(ctx): Spawn or dial, handshake, fetch inventory, begin pings
//   - CallTool / GetPrompt / ReadResource: Forward a request with a deadline
//   - Subscribe / Unsubscribe: Manage resource subscriptions
//   - Stop(ctx): Polite shutdown with a hard deadline
//   - Health(): Snapshot for status reporting
//
// # Lifecycle States
//
//	Starting -> Ready -> Degraded -> (restart) -> Starting
//	         -> Degraded (start failure)
//	                  -> Stopping -> Stopped
//
// Requests are only accepted in Ready. A Degraded connection keeps its
// cached inventory but refuses calls with ErrUnavailable; the supervisor
// decides whether to restart it. A start failure also lands on Degraded so
// the backend stays visible in health reporting.
//
// A protocol-level failure on the call path, a reply the client cannot
// decode, degrades the connection immediately and surfaces as ErrProtocol.
//
// # Health Monitoring
//
// A Ready connection pings the backend on a fixed interval. Three
// consecutive failures degrade the connection. A single slow request never
// does: request timeouts return ErrTimeout and leave the state alone.
//
// # Inventory
//
// Tool, prompt, and resource lists are fetched page by page at startup and
// cached. When the backend sends a list_changed notification, the affected
// lists are refetched and an EventInventoryChanged is emitted so the owner
// can rebuild its routing table.
//
// # Thread Safety
//
// All exported methods on Connection are safe for concurrent use.
package backend
