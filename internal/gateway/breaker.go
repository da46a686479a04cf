package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/improv-stage/internal/agent"
	"github.com/sony/gobreaker/v2"
)

// BreakerState mirrors the three circuit states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// breaker wraps a gobreaker circuit for one agent class. Only transient agent
// failures count; malformed requests pass through without tripping it.
type breaker struct {
	cb *gobreaker.CircuitBreaker[*agent.Response]

	mu            sync.Mutex
	lastFailureAt time.Time
}

func newBreaker(name string, failureThreshold int, openTimeout time.Duration, logger *slog.Logger) *breaker {
	threshold := uint32(max(failureThreshold, 1))
	return &breaker{
		cb: gobreaker.NewCircuitBreaker[*agent.Response](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     openTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Circuit breaker state changed",
					"agent_class", name,
					"from", from.String(),
					"to", to.String())
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !agent.IsTransient(err)
			},
		}),
	}
}

func (b *breaker) execute(call func() (*agent.Response, error)) (*agent.Response, error) {
	return b.cb.Execute(call)
}

func (b *breaker) recordFailure(at time.Time) {
	b.mu.Lock()
	b.lastFailureAt = at
	b.mu.Unlock()
}

func (b *breaker) state() BreakerState {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	}
	return BreakerClosed
}

// isRejection reports whether err came from the breaker refusing the call
// rather than from the agent.
func isRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// BreakerSnapshot is the observable state of a class's circuit breaker.
type BreakerSnapshot struct {
	State         BreakerState `json:"state"`
	FailureCount  uint32       `json:"failure_count"`
	LastFailureAt *time.Time   `json:"last_failure_at,omitempty"`
}

func (b *breaker) snapshot() BreakerSnapshot {
	s := BreakerSnapshot{
		State:        b.state(),
		FailureCount: b.cb.Counts().ConsecutiveFailures,
	}
	b.mu.Lock()
	if !b.lastFailureAt.IsZero() {
		at := b.lastFailureAt
		s.LastFailureAt = &at
	}
	b.mu.Unlock()
	return s
}
