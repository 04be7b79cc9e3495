// Package router owns the active profile and forwards client requests to
// backend servers.
//
// # Snapshot Model
//
// The router keeps everything a request needs (backend connections plus the
// namespace table) in one immutable snapshot behind an atomic pointer.
// Dispatch loads the pointer once and works against that view for the whole
// request. Activate builds a complete replacement and installs it with a
// single store, so a client either sees the old profile or the new one,
// never a mix.
//
// # Profile Swaps
//
// Activate diffs the requested profile against the running set: unchanged
// backends keep running with their warm connections, additions start in
// parallel, and removals drain after the new snapshot is visible so
// in-flight requests can finish. A backend that fails to start is reported
// in the SwapReport but does not abort the swap.
//
// # Admission
//
// A fixed-size semaphore bounds concurrently forwarded requests. When it is
// full, new requests fail fast with ErrBusy instead of queueing.
//
// # Supervision
//
// Backend events feed a single loop: inventory changes rebuild the
// namespace table, and degraded backends get a bounded number of restart
// attempts with exponential backoff before the router gives up on them.
package router
