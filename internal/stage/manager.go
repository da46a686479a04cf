// Package stage orchestrates improv sessions: it sequences agent calls for
// each user turn, applies the phase policy and ambient triggers, mixes voice
// audio and commits every turn to the session store in one atomic update.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/improv-stage/internal/agent"
	"github.com/ashureev/improv-stage/internal/ambient"
	"github.com/ashureev/improv-stage/internal/domain"
	"github.com/ashureev/improv-stage/internal/mixer"
	"github.com/ashureev/improv-stage/internal/phase"
	"github.com/ashureev/improv-stage/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Invoker calls an agent class. *gateway.Gateway implements it.
type Invoker interface {
	Invoke(ctx context.Context, class domain.AgentClass, req agent.Request, timeout time.Duration) domain.AgentCallResult
}

// Config holds the orchestration settings.
type Config struct {
	SceneLength   int
	SessionTTL    time.Duration
	TurnDeadline  time.Duration
	CommitTimeout time.Duration
	CoachTimeout  time.Duration
	HistoryWindow int
	SampleRate    int
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		SceneLength:   15,
		SessionTTL:    2 * time.Hour,
		TurnDeadline:  20 * time.Second,
		CommitTimeout: 5 * time.Second,
		CoachTimeout:  45 * time.Second,
		HistoryWindow: 12,
		SampleRate:    24000,
	}
}

// roleClasses routes each role to an agent class. The coach needs the slower
// reasoning model; everything on the live path uses the fast one. RoleUser
// is the transcription of spoken input.
var roleClasses = map[domain.Role]domain.AgentClass{
	domain.RoleUser:    domain.AgentClassFast,
	domain.RolePartner: domain.AgentClassFast,
	domain.RoleRoom:    domain.AgentClassFast,
	domain.RoleHost:    domain.AgentClassFast,
	domain.RoleCoach:   domain.AgentClassHeavy,
}

func classFor(role domain.Role) domain.AgentClass {
	if c, ok := roleClasses[role]; ok {
		return c
	}
	return domain.AgentClassFast
}

// Manager is the turn orchestrator. It is safe for concurrent use; turns for
// one session are serialized while different sessions proceed in parallel.
type Manager struct {
	repo    store.Repository
	agents  Invoker
	policy  phase.Policy
	ambient *ambient.Registry
	mixer   *mixer.Mixer
	cfg     Config
	locks   *sessionLocks
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager wires a Manager.
func NewManager(repo store.Repository, agents Invoker, policy phase.Policy, registry *ambient.Registry, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultConfig().HistoryWindow
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultConfig().SampleRate
	}
	return &Manager{
		repo:    repo,
		agents:  agents,
		policy:  policy,
		ambient: registry,
		mixer:   mixer.New(),
		cfg:     cfg,
		locks:   newSessionLocks(),
		logger:  logger,
		now:     time.Now,
	}
}

// CreateOptions configures a new session.
type CreateOptions struct {
	Modality    domain.Modality
	SceneLength int
}

// CreateResult is a freshly opened session and the host's opening audio, if
// any.
type CreateResult struct {
	Session   *domain.Session
	HostAudio []byte
}

// CreateSession opens a scene: the session is persisted in INITIALIZING, the
// host delivers an opening line during MC_WARMUP and the session is left in
// SUPPORT, ready for turn 1.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (*CreateResult, error) {
	if opts.Modality == "" {
		opts.Modality = domain.ModalityText
	}
	if !opts.Modality.Valid() {
		return nil, fmt.Errorf("%w: unsupported modality %q", ErrInvalidInput, opts.Modality)
	}
	if opts.SceneLength <= 0 {
		opts.SceneLength = m.cfg.SceneLength
	}

	now := m.now()
	sess := domain.NewSession(uuid.NewString(), opts.Modality, opts.SceneLength, now, m.cfg.SessionTTL)

	ctx, span := tracer.Start(ctx, "stage.CreateSession", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("session.modality", string(sess.Modality)),
	))
	defer span.End()

	if _, err := m.repo.CreateSession(ctx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create session: %w", err)
	}
	if _, err := m.repo.UpdateSession(ctx, sess.ID, func(s *domain.Session) error {
		return s.AdvancePhase(domain.PhaseMCWarmup)
	}); err != nil {
		return nil, fmt.Errorf("start warmup: %w", err)
	}

	voice := sess.Modality == domain.ModalityVoice
	hostCtx, cancelHost := context.WithTimeout(ctx, m.cfg.TurnDeadline)
	defer cancelHost()
	host := m.agents.Invoke(hostCtx, classFor(domain.RoleHost), agent.Request{
		SessionID:  sess.ID,
		Role:       domain.RoleHost,
		Persona:    phase.Persona(domain.PhaseMCWarmup),
		Prompt:     "Open the show and invite the player to start the scene.",
		Modality:   sess.Modality,
		WantAudio:  voice,
		SampleRate: m.cfg.SampleRate,
		MaxTokens:  120,
	}, m.cfg.TurnDeadline)

	opening, degraded := host.Text, host.Degraded
	if !host.Succeeded || opening == "" {
		m.logger.Warn("Host warmup failed, using canned opening",
			"session_id", sess.ID,
			"error", host.Err)
		opening, degraded = cannedOpening, true
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CommitTimeout)
	defer cancel()
	updated, err := m.repo.UpdateSession(commitCtx, sess.ID, func(s *domain.Session) error {
		s.Append(domain.Message{
			Role:      domain.RoleHost,
			Content:   opening,
			Timestamp: m.now(),
			Degraded:  degraded,
		})
		return s.AdvancePhase(domain.PhaseSupport)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("commit warmup: %w", err)
	}

	m.logger.Info("Session created",
		"session_id", updated.ID,
		"modality", updated.Modality,
		"scene_length", updated.SceneLength)

	res := &CreateResult{Session: updated}
	if voice && host.Succeeded {
		res.HostAudio = host.Audio
	}
	return res, nil
}

// GetSession returns the session or ErrSessionNotFound.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return sess, nil
}

// CloseSession ends the scene early. The coach reviews whatever was played
// and the session finishes in COMPLETE. Closing a completed session returns
// it unchanged.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "stage.CloseSession", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	release, err := m.locks.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("close session %s: %w", sessionID, err)
	}
	if sess.Phase == domain.PhaseComplete {
		return sess, nil
	}

	if sess.Phase != domain.PhaseCoachAnalysis {
		sess, err = m.repo.UpdateSession(ctx, sessionID, func(s *domain.Session) error {
			return s.AdvancePhase(domain.PhaseCoachAnalysis)
		})
		if err != nil {
			return nil, fmt.Errorf("close session %s: %w", sessionID, err)
		}
	}
	return m.finishScene(ctx, sess)
}

// finishScene runs the coach analysis for a session in COACH_ANALYSIS and
// moves it to COMPLETE. The coach call is detached from the caller's
// deadline so a scene that ends on a slow turn still gets its review.
func (m *Manager) finishScene(ctx context.Context, sess *domain.Session) (*domain.Session, error) {
	coachCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CoachTimeout)
	defer cancel()

	res := m.agents.Invoke(coachCtx, classFor(domain.RoleCoach), agent.Request{
		SessionID: sess.ID,
		Role:      domain.RoleCoach,
		Persona:   phase.Persona(domain.PhaseCoachAnalysis),
		Prompt:    fmt.Sprintf("The scene ended after %d turns. Give the player feedback.", sess.TurnCount),
		Context:   sess.History,
		Modality:  domain.ModalityText,
		MaxTokens: 600,
	}, m.cfg.CoachTimeout)

	feedback, degraded := res.Text, res.Degraded
	if !res.Succeeded || feedback == "" {
		m.logger.Warn("Coach analysis failed, using canned feedback",
			"session_id", sess.ID,
			"error", res.Err)
		feedback, degraded = cannedCoach, true
	}

	updated, err := m.repo.UpdateSession(coachCtx, sess.ID, func(s *domain.Session) error {
		if s.Phase == domain.PhaseComplete {
			return nil
		}
		s.CoachFeedback = feedback
		s.Append(domain.Message{
			Role:       domain.RoleCoach,
			Content:    feedback,
			TurnNumber: s.TurnCount,
			Timestamp:  m.now(),
			Degraded:   degraded,
		})
		return s.AdvancePhase(domain.PhaseComplete)
	})
	if err != nil {
		return nil, fmt.Errorf("commit coach feedback: %w", err)
	}

	m.ambient.Forget(sess.ID)
	m.logger.Info("Scene complete",
		"session_id", sess.ID,
		"turn_count", updated.TurnCount,
		"degraded_turns", updated.DegradedTurns,
		"coach_degraded", degraded)
	return updated, nil
}

// Forget drops in-memory state held for an expired session.
func (m *Manager) Forget(sessionID string) {
	m.ambient.Forget(sessionID)
}

func checkAcceptsTurn(s *domain.Session, turnNumber int) error {
	switch {
	case s.Phase.Closed():
		return ErrSessionClosed
	case !s.Phase.AcceptsTurns():
		return ErrSessionNotReady
	case turnNumber != s.NextTurnNumber():
		return &SequenceError{Expected: s.NextTurnNumber(), Got: turnNumber}
	}
	return nil
}

// isRequestError reports whether err was caused by the caller rather than by
// the service.
func isRequestError(err error) bool {
	return errors.Is(err, ErrSequence) || errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrSessionNotReady) || errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrInvalidInput)
}
