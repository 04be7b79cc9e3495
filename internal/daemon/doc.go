// Package daemon assembles the router process.
//
// # Components
//
// New wires the SQLite store, metrics registry, session manager, router
// core, MCP endpoint, and control API onto one HTTP server. Run binds the
// listener (plain TCP, or tsnet when Tailscale sharing is enabled), writes
// the pid file, and blocks until the context is canceled.
//
// # Control API
//
//	GET  /health          liveness probe
//	GET  /health/ready    readiness (router must be running a profile)
//	GET  /api/status      router state, backends, counts
//	POST /api/activate    swap onto a posted profile spec
//	POST /api/deactivate  stop all backends
//	GET  /api/events      recent lifecycle events
//	GET  /api/usage       per-backend call aggregates
//
// The control API and the MCP endpoint share credentials but are guarded
// independently; /health stays open for probes.
//
// # Shutdown
//
// Shutdown order matters: the HTTP server stops accepting first, then the
// router drains backends, then sessions are abandoned, and the store
// closes last so late audit writes still land.
package daemon
