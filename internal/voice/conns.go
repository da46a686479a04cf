// Package voice carries live scenes over WebSocket: turn frames in, results
// and PCM audio out.
package voice

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks the single live connection of each session.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewConnManager creates a new connection manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]*websocket.Conn),
	}
}

// GetActive returns the live connection for a session.
func (m *ConnManager) GetActive(sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[sessionID]
}

// Register makes conn the session's connection. A previous connection is
// closed so two clients never drive the same scene.
func (m *ConnManager) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.active[sessionID]; exists && existing != conn {
		// Close waits for the peer's close frame; never hold the lock for it.
		go func() { _ = existing.Close(websocket.StatusPolicyViolation, "session taken over") }()
	}
	m.active[sessionID] = conn
	slog.Info("Voice connection registered", "session_id", sessionID)
}

// Unregister removes conn if it is still the session's connection.
func (m *ConnManager) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.active[sessionID]; exists && current == conn {
		delete(m.active, sessionID)
		slog.Info("Voice connection unregistered", "session_id", sessionID)
	}
}

// CloseSession terminates the session's connection, if any. The TTL sweeper
// calls it for expired sessions.
func (m *ConnManager) CloseSession(sessionID string) {
	m.mu.Lock()
	conn, ok := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()

	if !ok {
		return
	}
	go func() { _ = conn.Close(websocket.StatusGoingAway, "session expired") }()
	slog.Info("Voice connection closed", "session_id", sessionID)
}

// Len returns the number of live connections.
func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
