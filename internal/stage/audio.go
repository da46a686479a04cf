package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/improv-stage/internal/agent"
	"github.com/ashureev/improv-stage/internal/domain"
	"github.com/ashureev/improv-stage/internal/mixer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var transcriber = agent.Persona{
	Name:        "transcriber",
	Instruction: "Transcribe the player's line verbatim.",
}

// SubmitAudioTurn plays one spoken user turn. pcm is mono PCM16LE at the
// configured sample rate. The audio is transcribed by the fast agent class
// and the transcript is played exactly like a text turn.
func (m *Manager) SubmitAudioTurn(ctx context.Context, sessionID string, turnNumber int, pcm []byte) (*TurnResult, error) {
	ctx, span := tracer.Start(ctx, "stage.SubmitAudioTurn", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("turn.number", turnNumber),
		attribute.Int("audio.bytes", len(pcm)),
	))
	defer span.End()

	samples, err := mixer.DecodePCM16(pcm)
	if err != nil {
		return nil, fmt.Errorf("turn %d: %w: %v", turnNumber, ErrInvalidInput, err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("turn %d: %w: empty audio", turnNumber, ErrInvalidInput)
	}

	// Reject stale turns before paying for a transcription; SubmitTurn checks
	// again under the session lock.
	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("submit turn %d: %w", turnNumber, err)
	}
	if err := checkAcceptsTurn(sess, turnNumber); err != nil {
		return nil, err
	}

	sttCtx, cancel := context.WithTimeout(ctx, m.cfg.TurnDeadline)
	defer cancel()
	res := m.agents.Invoke(sttCtx, classFor(domain.RoleUser), agent.Request{
		SessionID:  sessionID,
		Role:       domain.RoleUser,
		Persona:    transcriber,
		Modality:   domain.ModalityVoice,
		Audio:      pcm,
		SampleRate: m.cfg.SampleRate,
	}, m.cfg.TurnDeadline)

	text := strings.TrimSpace(res.Text)
	if !res.Succeeded || text == "" {
		m.logger.Warn("Transcription failed",
			"session_id", sessionID,
			"turn_number", turnNumber,
			"attempts", res.Attempts,
			"error", res.Err)
		if res.Err != nil {
			return nil, fmt.Errorf("turn %d: %w: %w", turnNumber, ErrTranscription, res.Err)
		}
		return nil, fmt.Errorf("turn %d: %w: empty transcript", turnNumber, ErrTranscription)
	}
	m.logger.Debug("Transcribed spoken turn",
		"session_id", sessionID,
		"turn_number", turnNumber,
		"audio_ms", mixer.Duration(len(samples), m.cfg.SampleRate),
		"latency", res.Latency())

	result, err := m.SubmitTurn(ctx, sessionID, turnNumber, text)
	if err != nil {
		return nil, err
	}
	result.Transcript = text
	return result, nil
}
