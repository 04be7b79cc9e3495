// ABOUTME: Per-client session state for the client-facing MCP endpoint.
// ABOUTME: Tracks in-flight requests and resource subscriptions so both can be torn down together.

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// ErrClosed indicates the session was deleted while a caller still held it.
var ErrClosed = errors.New("session closed")

// PendingRequest is one in-flight client request being forwarded to a
// backend. The cancel function aborts the forwarded call when the session
// goes away.
type PendingRequest struct {
	ID        string
	ClientID  any
	Backend   string
	Method    string
	StartedAt time.Time

	cancel context.CancelFunc
}

// Session is one client connection identified by its Mcp-Session-Id.
type Session struct {
	ID              string
	CreatedAt       time.Time
	ProtocolVersion string
	ClientInfo      mcp.Implementation

	mu            sync.Mutex
	lastSeen      time.Time
	pending       map[string]*PendingRequest
	subscriptions map[string]struct{}
	closed        bool
}

// Track registers an in-flight request. The cancel function is invoked if
// the session is abandoned before the request finishes.
func (s *Session) Track(id string, clientID any, backend, method string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pending[id] = &PendingRequest{
		ID:        id,
		ClientID:  clientID,
		Backend:   backend,
		Method:    method,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	s.lastSeen = time.Now()
	return nil
}

// Finish removes a completed request from the pending table.
func (s *Session) Finish(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// AbandonAll cancels every in-flight request and marks the session closed.
// It returns the abandoned requests for logging.
func (s *Session) AbandonAll() []PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	out := make([]PendingRequest, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, *p)
		if p.cancel != nil {
			p.cancel()
		}
	}
	s.pending = map[string]*PendingRequest{}
	return out
}

// Subscribe records a resource subscription by external URI.
func (s *Session) Subscribe(externalURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.subscriptions[externalURI] = struct{}{}
}

// Unsubscribe drops a resource subscription.
func (s *Session) Unsubscribe(externalURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, externalURI)
}

// Subscriptions returns the external URIs this session is subscribed to.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subscriptions))
	for uri := range s.subscriptions {
		out = append(out, uri)
	}
	return out
}

// Touch updates the last-seen timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
}

// LastSeen reports when the session last carried traffic.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// PendingCount reports how many requests are currently in flight.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
