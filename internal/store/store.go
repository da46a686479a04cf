// Package store provides session persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/improv-stage/internal/domain"
)

// ErrSessionNotFound is returned for unknown and expired sessions alike.
var ErrSessionNotFound = errors.New("session not found")

// Mutator edits a session in place during an atomic update. It is applied to
// a private copy of the latest persisted state and may be invoked more than
// once if a concurrent writer wins a race, so it must not have side effects
// beyond the session it is given. Returning an error aborts the update
// without persisting anything.
type Mutator func(s *domain.Session) error

// Repository defines the session store contract used by the stage manager.
type Repository interface {
	// CreateSession persists a new session and returns its ID.
	CreateSession(ctx context.Context, session *domain.Session) (string, error)

	// GetSession returns the session, or ErrSessionNotFound if it does not
	// exist or has expired.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpdateSession atomically applies mutate to the latest persisted state.
	// The whole read-modify-write is atomic with respect to concurrent
	// UpdateSession calls on the same session.
	UpdateSession(ctx context.Context, sessionID string, mutate Mutator) (*domain.Session, error)

	// DeleteExpiredSessions removes sessions whose expiry is at or before now
	// and returns their IDs.
	DeleteExpiredSessions(ctx context.Context, now time.Time) ([]string, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing store.
	Close() error
}

var (
	_ Repository = (*SQLStore)(nil)
	_ Repository = (*MemoryStore)(nil)
)
