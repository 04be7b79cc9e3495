// ABOUTME: Manager owning all active client sessions.
// ABOUTME: Creates, looks up, expires, and tears down sessions with their pending work.

package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// Manager tracks all active sessions. Safe for concurrent use.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "session"),
		sessions: map[string]*Session{},
	}
}

// Create registers a new session for a client that completed the initialize
// handshake and returns it with a fresh identifier.
func (m *Manager) Create(protocolVersion string, clientInfo mcp.Implementation) *Session {
	s := &Session{
		ID:              uuid.NewString(),
		CreatedAt:       time.Now(),
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo,
		lastSeen:        time.Now(),
		pending:         map[string]*PendingRequest{},
		subscriptions:   map[string]struct{}{},
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("session created", "session_id", s.ID, "client", clientInfo.Name)
	return s
}

// Get returns the session for an id, or nil if unknown.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Delete removes a session and abandons its in-flight requests.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	abandoned := s.AbandonAll()
	if len(abandoned) > 0 {
		m.logger.Info("abandoned in-flight requests", "session_id", id, "count", len(abandoned))
	}
	m.logger.Info("session deleted", "session_id", id)
}

// Count reports the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep deletes sessions idle longer than maxIdle and returns how many were
// removed. Called periodically by the daemon.
func (m *Manager) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.LastSeen().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.logger.Info("expiring idle session", "session_id", id)
		m.Delete(id)
	}
	return len(stale)
}

// CloseAll abandons every session. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	for _, s := range all {
		s.AbandonAll()
	}
	if len(all) > 0 {
		m.logger.Info("closed all sessions", "count", len(all))
	}
}
