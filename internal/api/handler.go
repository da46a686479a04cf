// Package api provides HTTP handlers for the improv stage API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/improv-stage/internal/domain"
	"github.com/ashureev/improv-stage/internal/gateway"
	"github.com/ashureev/improv-stage/internal/stage"
)

// Stage is the orchestration surface the handlers drive. *stage.Manager
// implements it.
type Stage interface {
	CreateSession(ctx context.Context, opts stage.CreateOptions) (*stage.CreateResult, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	SubmitTurn(ctx context.Context, sessionID string, turnNumber int, input string) (*stage.TurnResult, error)
	CloseSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

// AgentStatus reports the gateway's per-class state. *gateway.Gateway
// implements it.
type AgentStatus interface {
	Snapshot() []gateway.ClassSnapshot
}

// Pinger checks the session store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides common handler utilities.
type Handler struct {
	stage  Stage
	agents AgentStatus
	store  Pinger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(st Stage, agents AgentStatus, store Pinger) *Handler {
	return &Handler{stage: st, agents: agents, store: store}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusForError maps orchestration errors onto HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, stage.ErrSequence):
		return http.StatusConflict
	case errors.Is(err, stage.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, stage.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, stage.ErrSessionNotReady):
		return http.StatusConflict
	case errors.Is(err, stage.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// stageError writes err with its mapped status. Server-side failures are
// logged and reported without internal detail.
func stageError(w http.ResponseWriter, err error, sessionID string) {
	status := StatusForError(err)
	if status == http.StatusInternalServerError {
		slog.Error("Stage operation failed", "session_id", sessionID, "error", err)
		Error(w, status, "internal error")
		return
	}
	var seqErr *stage.SequenceError
	if errors.As(err, &seqErr) {
		JSON(w, status, map[string]interface{}{
			"error":         err.Error(),
			"expected_turn": seqErr.Expected,
		})
		return
	}
	Error(w, status, err.Error())
}
