// ABOUTME: Error taxonomy for backend operations.
// ABOUTME: Callers map these onto JSON-RPC error codes at the edge.

package backend

import "errors"

var (
	// ErrUnavailable means the backend is not in a state that can accept
	// requests (stopped, degraded, or unknown to the active profile).
	ErrUnavailable = errors.New("backend unavailable")

	// ErrTimeout means the backend did not answer within the per-request
	// deadline. The router stops waiting; the backend may still be alive.
	ErrTimeout = errors.New("backend timeout")

	// ErrProtocol means the backend answered with something that is not a
	// valid response for the request. The connection degrades itself.
	ErrProtocol = errors.New("backend protocol error")

	// ErrStart means the backend process or transport could not be brought
	// up, or the initialize handshake failed.
	ErrStart = errors.New("backend start failed")
)
