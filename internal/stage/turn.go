package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/improv-stage/internal/agent"
	"github.com/ashureev/improv-stage/internal/ambient"
	"github.com/ashureev/improv-stage/internal/domain"
	"github.com/ashureev/improv-stage/internal/mixer"
	"github.com/ashureev/improv-stage/internal/phase"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// TurnResult is what the caller receives for one committed turn.
type TurnResult struct {
	SessionID       string           `json:"session_id"`
	TurnNumber      int              `json:"turn_number"`
	PartnerResponse string           `json:"partner_response"`
	RoomReaction    string           `json:"room_reaction,omitempty"`
	Sentiment       domain.Sentiment `json:"sentiment"`
	Energy          float64          `json:"energy"`
	// Phase is the phase the turn was played in.
	Phase domain.Phase `json:"phase"`
	// SessionPhase is the session's phase after the commit.
	SessionPhase  domain.Phase `json:"session_phase"`
	Persona       string       `json:"persona"`
	Degraded      bool         `json:"degraded"`
	Audio         []byte       `json:"audio,omitempty"`
	AudioMS       int64        `json:"audio_ms,omitempty"`
	CoachFeedback string       `json:"coach_feedback,omitempty"`
	// Transcript is the recognized text of a spoken turn.
	Transcript string `json:"transcript,omitempty"`
}

// turnOutcome collects the joined branch results before the commit.
type turnOutcome struct {
	partnerText string
	degraded    bool
	signal      roomSignal
	roomOK      bool
	reaction    string
	audio       []byte
}

// SubmitTurn plays one user turn. turnNumber must be exactly the session's
// TurnCount+1. The partner and room agents are called concurrently; their
// results, the ambient decision and the new phase are committed together in
// a single store update.
func (m *Manager) SubmitTurn(ctx context.Context, sessionID string, turnNumber int, input string) (*TurnResult, error) {
	ctx, span := tracer.Start(ctx, "stage.SubmitTurn", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("turn.number", turnNumber),
	))
	defer span.End()

	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("turn %d: %w: empty input", turnNumber, ErrInvalidInput)
	}

	release, err := m.locks.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("submit turn %d: %w", turnNumber, err)
	}
	if err := checkAcceptsTurn(sess, turnNumber); err != nil {
		return nil, err
	}

	turnPhase := m.policy.NextPhase(sess)
	persona := phase.Persona(turnPhase)
	span.SetAttributes(attribute.String("turn.phase", string(turnPhase)))

	turnCtx, cancel := context.WithTimeout(ctx, m.cfg.TurnDeadline)
	defer cancel()

	out := m.runAgents(turnCtx, sess, turnNumber, input, persona)

	now := m.now()
	energy := out.signal.Energy
	if !out.signal.HasEnergy {
		energy = ambient.EstimateEnergy(input)
	}
	decision := m.ambient.Peek(sessionID, out.signal.Sentiment, energy, now)
	if decision.Triggered {
		out.reaction = out.signal.Reaction
		if out.reaction == "" {
			out.reaction = decision.Template
		}
		if sess.Modality == domain.ModalityVoice {
			out.audio = m.mixVoice(turnCtx, sess, out)
		}
	}

	commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CommitTimeout)
	defer cancelCommit()

	updated, err := m.repo.UpdateSession(commitCtx, sessionID, func(s *domain.Session) error {
		if err := checkAcceptsTurn(s, turnNumber); err != nil {
			return err
		}
		if err := s.AdvancePhase(turnPhase); err != nil {
			return err
		}
		s.Append(
			domain.Message{Role: domain.RoleUser, Content: input, TurnNumber: turnNumber, Timestamp: now},
			domain.Message{Role: domain.RolePartner, Content: out.partnerText, TurnNumber: turnNumber, Timestamp: now, Degraded: out.degraded},
		)
		if out.reaction != "" {
			s.Append(domain.Message{Role: domain.RoleRoom, Content: out.reaction, TurnNumber: turnNumber, Timestamp: now})
		}
		s.TurnCount++
		s.RecordSentiment(out.signal.Sentiment)
		if out.degraded {
			s.DegradedTurns++
		}
		if s.TurnCount >= s.SceneLength {
			return s.AdvancePhase(domain.PhaseCoachAnalysis)
		}
		return nil
	})
	if err != nil {
		if !isRequestError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, fmt.Errorf("commit turn %d: %w", turnNumber, err)
	}

	if decision.Triggered {
		m.ambient.Commit(sessionID, now)
	}

	if out.degraded {
		m.logger.Warn("Turn committed in degraded mode",
			"session_id", sessionID,
			"turn_number", turnNumber)
	}

	result := &TurnResult{
		SessionID:       sessionID,
		TurnNumber:      turnNumber,
		PartnerResponse: out.partnerText,
		RoomReaction:    out.reaction,
		Sentiment:       out.signal.Sentiment,
		Energy:          energy,
		Phase:           turnPhase,
		SessionPhase:    updated.Phase,
		Persona:         persona.Name,
		Degraded:        out.degraded,
		Audio:           out.audio,
		AudioMS:         mixer.Duration(len(out.audio)/2, m.cfg.SampleRate),
	}

	if updated.Phase == domain.PhaseCoachAnalysis {
		final, err := m.finishScene(ctx, updated)
		if err != nil {
			m.logger.Error("Failed to finish scene",
				"session_id", sessionID,
				"error", err)
		} else {
			result.SessionPhase = final.Phase
			result.CoachFeedback = final.CoachFeedback
		}
	}
	return result, nil
}

// runAgents calls the partner and the room concurrently and resolves each
// branch to its fallback on failure.
func (m *Manager) runAgents(ctx context.Context, sess *domain.Session, turnNumber int, input string, persona agent.Persona) turnOutcome {
	voice := sess.Modality == domain.ModalityVoice
	history := append([]domain.Message(nil), sess.RecentHistory(m.cfg.HistoryWindow)...)

	var partner, room domain.AgentCallResult
	var g errgroup.Group
	g.Go(func() error {
		partner = m.agents.Invoke(ctx, classFor(domain.RolePartner), agent.Request{
			SessionID:  sess.ID,
			Role:       domain.RolePartner,
			Persona:    persona,
			Prompt:     input,
			Context:    history,
			Modality:   sess.Modality,
			WantAudio:  voice,
			SampleRate: m.cfg.SampleRate,
			MaxTokens:  200,
		}, m.cfg.TurnDeadline)
		return nil
	})
	g.Go(func() error {
		room = m.agents.Invoke(ctx, classFor(domain.RoleRoom), agent.Request{
			SessionID: sess.ID,
			Role:      domain.RoleRoom,
			Persona:   phase.RoomPersona(),
			Prompt:    "user: " + input,
			Context:   history,
			Modality:  domain.ModalityText,
			MaxTokens: 80,
		}, m.cfg.TurnDeadline)
		return nil
	})
	_ = g.Wait()
	m.logger.Debug("Turn agents joined",
		"session_id", sess.ID,
		"turn_number", turnNumber,
		"partner_latency", partner.Latency(),
		"room_latency", room.Latency())

	out := turnOutcome{partnerText: partner.Text, degraded: partner.Degraded}
	if !partner.Succeeded || strings.TrimSpace(partner.Text) == "" {
		m.logger.Warn("Partner agent failed, using canned line",
			"session_id", sess.ID,
			"turn_number", turnNumber,
			"attempts", partner.Attempts,
			"error", partner.Err)
		out.partnerText = cannedApology(turnNumber)
		out.degraded = true
	} else if voice {
		out.audio = partner.Audio
	}

	if room.Succeeded {
		out.signal, out.roomOK = parseRoomSignal(room.Text)
	}
	if !out.roomOK {
		m.logger.Debug("Room signal unavailable, carrying sentiment forward",
			"session_id", sess.ID,
			"turn_number", turnNumber,
			"room_succeeded", room.Succeeded)
		out.signal = roomSignal{Sentiment: sess.CurrentSentiment}
	}
	return out
}

// mixVoice fetches a short audience clip for the reaction and mixes it under
// the partner's audio. Without a clip the partner audio is returned as is.
func (m *Manager) mixVoice(ctx context.Context, sess *domain.Session, out turnOutcome) []byte {
	clip := m.agents.Invoke(ctx, classFor(domain.RoleRoom), agent.Request{
		SessionID:  sess.ID,
		Role:       domain.RoleRoom,
		Persona:    phase.RoomPersona(),
		Prompt:     out.reaction,
		Modality:   domain.ModalityVoice,
		WantAudio:  true,
		SampleRate: m.cfg.SampleRate,
		MaxTokens:  20,
	}, remaining(ctx))

	streams := make([]mixer.Stream, 0, 2)
	if s, ok := m.decode(sess.ID, domain.RolePartner, out.audio); ok {
		streams = append(streams, s)
	}
	if clip.Succeeded {
		if s, ok := m.decode(sess.ID, domain.RoleRoom, clip.Audio); ok {
			streams = append(streams, s)
		}
	}
	if len(streams) == 0 {
		return nil
	}
	return mixer.EncodePCM16(m.mixer.Mix(streams))
}

func (m *Manager) decode(sessionID string, role domain.Role, pcm []byte) (mixer.Stream, bool) {
	if len(pcm) == 0 {
		return mixer.Stream{}, false
	}
	samples, err := mixer.DecodePCM16(pcm)
	if err != nil {
		m.logger.Warn("Discarding undecodable agent audio",
			"session_id", sessionID,
			"role", role,
			"bytes", len(pcm),
			"error", err)
		return mixer.Stream{}, false
	}
	return mixer.Stream{Role: role, Samples: samples}, true
}

func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return max(time.Until(deadline), time.Millisecond)
}
