package voice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/improv-stage/internal/domain"
	"github.com/ashureev/improv-stage/internal/stage"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

const (
	// readLimit bounds one frame; at 24kHz PCM16 it holds about 40s of speech.
	readLimit    = 2 << 20
	writeTimeout = 10 * time.Second
)

// Stage is the subset of the orchestrator a live connection drives.
type Stage interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	SubmitTurn(ctx context.Context, sessionID string, turnNumber int, input string) (*stage.TurnResult, error)
	SubmitAudioTurn(ctx context.Context, sessionID string, turnNumber int, pcm []byte) (*stage.TurnResult, error)
	CloseSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

// Handler upgrades /ws/sessions/{sessionID}/voice to a scene connection.
//
// A text turn is a single JSON frame. A spoken turn is a JSON turn frame with
// "audio": true followed by one binary frame of mono PCM16LE. Each result is a
// JSON frame, followed by a binary frame when the result carries audio.
type Handler struct {
	stage          Stage
	conns          *ConnManager
	allowedOrigins []string
	isDev          bool
}

// NewHandler creates a new WebSocket scene handler.
func NewHandler(st Stage, conns *ConnManager, allowedOrigins []string, isDev bool) *Handler {
	return &Handler{
		stage:          st,
		conns:          conns,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
	}
}

// RegisterRoutes registers the WebSocket route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/sessions/{sessionID}/voice", h.ServeHTTP)
}

// Frame types exchanged over the socket.
const (
	frameTurn   = "turn"
	framePing   = "ping"
	frameClose  = "close"
	frameResult = "result"
	framePong   = "pong"
	frameClosed = "closed"
	frameError  = "error"
)

type inFrame struct {
	Type       string `json:"type"`
	TurnNumber int    `json:"turn_number,omitempty"`
	Input      string `json:"input,omitempty"`
	Audio      bool   `json:"audio,omitempty"`
}

type outFrame struct {
	Type         string            `json:"type"`
	Result       *stage.TurnResult `json:"result,omitempty"`
	AudioBytes   int               `json:"audio_bytes,omitempty"`
	Session      *domain.Session   `json:"session,omitempty"`
	Error        string            `json:"error,omitempty"`
	Code         string            `json:"code,omitempty"`
	ExpectedTurn int               `json:"expected_turn,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	slog.Info("WebSocket connection request", "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if _, err := h.stage.GetSession(r.Context(), sessionID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, stage.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	ws.SetReadLimit(readLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "scene ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	if prev := h.conns.GetActive(sessionID); prev != nil {
		slog.Info("Voice connection taking over session", "session_id", sessionID)
	}
	h.conns.Register(sessionID, ws)
	defer h.conns.Unregister(sessionID, ws)

	h.readLoop(r.Context(), ws, sessionID)
	slog.Info("Voice session ended", "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

// readLoop handles frames one at a time, so a connection never has two
// turns in flight.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	// pending is a spoken turn waiting for its audio frame.
	var pending *inFrame
	for {
		typ, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}
		if typ == websocket.MessageBinary {
			if pending == nil {
				_ = h.write(ctx, ws, outFrame{Type: frameError, Code: "bad_frame", Error: "audio frame without a turn frame"})
				continue
			}
			turn := pending.TurnNumber
			pending = nil
			res, err := h.stage.SubmitAudioTurn(ctx, sessionID, turn, message)
			h.writeResult(ctx, ws, sessionID, res, err)
			continue
		}
		if pending != nil {
			_ = h.write(ctx, ws, outFrame{Type: frameError, Code: "bad_frame", Error: "expected an audio frame"})
			pending = nil
		}

		var msg inFrame
		if err := json.Unmarshal(message, &msg); err != nil {
			_ = h.write(ctx, ws, outFrame{Type: frameError, Code: "bad_frame", Error: "invalid JSON"})
			continue
		}

		switch msg.Type {
		case frameTurn:
			if msg.Audio {
				pending = &msg
				continue
			}
			res, err := h.stage.SubmitTurn(ctx, sessionID, msg.TurnNumber, msg.Input)
			h.writeResult(ctx, ws, sessionID, res, err)
		case framePing:
			_ = h.write(ctx, ws, outFrame{Type: framePong})
		case frameClose:
			sess, err := h.stage.CloseSession(ctx, sessionID)
			if err != nil {
				h.writeError(ctx, ws, sessionID, err)
				return
			}
			_ = h.write(ctx, ws, outFrame{Type: frameClosed, Session: sess})
			return
		default:
			_ = h.write(ctx, ws, outFrame{Type: frameError, Code: "bad_frame", Error: "unknown frame type " + msg.Type})
		}
	}
}

func (h *Handler) writeResult(ctx context.Context, ws *websocket.Conn, sessionID string, res *stage.TurnResult, err error) {
	if err != nil {
		h.writeError(ctx, ws, sessionID, err)
		return
	}

	audio := res.Audio
	out := *res
	out.Audio = nil
	if err := h.write(ctx, ws, outFrame{Type: frameResult, Result: &out, AudioBytes: len(audio)}); err != nil {
		return
	}
	if len(audio) == 0 {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := ws.Write(wctx, websocket.MessageBinary, audio); err != nil {
		slog.Debug("WebSocket audio write error", "error", err, "session_id", sessionID)
	}
}

func (h *Handler) writeError(ctx context.Context, ws *websocket.Conn, sessionID string, err error) {
	frame := outFrame{Type: frameError, Code: errorCode(err), Error: err.Error()}
	var seqErr *stage.SequenceError
	if errors.As(err, &seqErr) {
		frame.ExpectedTurn = seqErr.Expected
	}
	if frame.Code == "internal" {
		slog.Error("Voice turn failed", "session_id", sessionID, "error", err)
		frame.Error = "internal error"
	}
	_ = h.write(ctx, ws, frame)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, stage.ErrSequence):
		return "out_of_sequence"
	case errors.Is(err, stage.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, stage.ErrSessionClosed):
		return "closed"
	case errors.Is(err, stage.ErrSessionNotReady):
		return "not_ready"
	case errors.Is(err, stage.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, stage.ErrTranscription):
		return "transcription_failed"
	}
	return "internal"
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, frame outFrame) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, ws, frame); err != nil {
		slog.Debug("WebSocket write error", "error", err, "type", frame.Type)
		return err
	}
	return nil
}
