package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/improv-stage/internal/domain"
	"github.com/ashureev/improv-stage/internal/stage"
	"github.com/go-chi/chi/v5"
)

const (
	maxInputRunes  = 2000
	maxSceneLength = 100
	maxBodyBytes   = 64 << 10
)

// SessionHandler handles session and turn endpoints.
type SessionHandler struct {
	*Handler
	createLimit func(http.Handler) http.Handler
}

// NewSessionHandler creates a session handler. createLimit, if non-nil,
// wraps session creation (per-client rate limiting).
func NewSessionHandler(base *Handler, createLimit func(http.Handler) http.Handler) *SessionHandler {
	return &SessionHandler{Handler: base, createLimit: createLimit}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		if h.createLimit != nil {
			r.With(h.createLimit).Post("/", h.Create)
		} else {
			r.Post("/", h.Create)
		}
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Post("/turns", h.SubmitTurn)
			r.Post("/close", h.Close)
		})
	})
}

type createRequest struct {
	Modality    domain.Modality `json:"modality"`
	SceneLength int             `json:"scene_length"`
}

type createResponse struct {
	*domain.Session
	HostAudio []byte `json:"host_audio,omitempty"`
}

// Create opens a new scene.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Modality == "" {
		req.Modality = domain.ModalityText
	}
	if !req.Modality.Valid() {
		Error(w, http.StatusBadRequest, "modality must be text or voice")
		return
	}
	if req.SceneLength < 0 || req.SceneLength > maxSceneLength {
		Error(w, http.StatusBadRequest, "scene_length out of range")
		return
	}

	res, err := h.stage.CreateSession(r.Context(), stage.CreateOptions{
		Modality:    req.Modality,
		SceneLength: req.SceneLength,
	})
	if err != nil {
		stageError(w, err, "")
		return
	}

	slog.Info("Session opened", "session_id", res.Session.ID, "modality", res.Session.Modality)
	JSON(w, http.StatusCreated, createResponse{Session: res.Session, HostAudio: res.HostAudio})
}

// Get returns a session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := h.stage.GetSession(r.Context(), sessionID)
	if err != nil {
		stageError(w, err, sessionID)
		return
	}
	JSON(w, http.StatusOK, sess)
}

type turnRequest struct {
	TurnNumber int    `json:"turn_number"`
	Input      string `json:"input"`
}

// SubmitTurn plays one user turn.
func (h *SessionHandler) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req turnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateTurn(req); msg != "" {
		Error(w, http.StatusBadRequest, msg)
		return
	}

	res, err := h.stage.SubmitTurn(r.Context(), sessionID, req.TurnNumber, req.Input)
	if err != nil {
		stageError(w, err, sessionID)
		return
	}
	JSON(w, http.StatusOK, res)
}

func validateTurn(req turnRequest) string {
	switch {
	case req.TurnNumber < 1:
		return "turn_number must be >= 1"
	case strings.TrimSpace(req.Input) == "":
		return "input is required"
	case utf8.RuneCountInString(req.Input) > maxInputRunes:
		return "input too long"
	}
	return ""
}

// Close ends the scene and returns the coach's feedback.
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := h.stage.CloseSession(r.Context(), sessionID)
	if err != nil {
		stageError(w, err, sessionID)
		return
	}
	JSON(w, http.StatusOK, sess)
}
