package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/improv-stage/internal/domain"
)

// MemoryStore is an in-process Repository. Sessions are lost on restart.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	now      func() time.Time
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*domain.Session),
		now:      time.Now,
	}
}

// CreateSession stores a copy of session.
func (m *MemoryStore) CreateSession(_ context.Context, session *domain.Session) (string, error) {
	if session.ID == "" {
		return "", errors.New("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.ID]; exists {
		return "", fmt.Errorf("insert session: duplicate id %s", session.ID)
	}
	m.sessions[session.ID] = session.Clone()
	return session.ID, nil
}

// GetSession returns a copy of a live session.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// UpdateSession runs mutate on a copy under the store lock and swaps it in
// when mutate succeeds.
func (m *MemoryStore) UpdateSession(ctx context.Context, sessionID string, mutate Mutator) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.live(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.Version = current.Version + 1
	next.UpdatedAt = m.now()
	m.sessions[sessionID] = next
	return next.Clone(), nil
}

// DeleteExpiredSessions removes sessions past their expiry.
func (m *MemoryStore) DeleteExpiredSessions(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) live(sessionID string) (*domain.Session, bool) {
	s, ok := m.sessions[sessionID]
	if !ok || s.Expired(m.now()) {
		return nil, false
	}
	return s, true
}
