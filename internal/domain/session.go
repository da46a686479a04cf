// Package domain contains core domain types for the improv stage.
package domain

import (
	"fmt"
	"time"
)

// Phase is the behavioral mode of a session. Phases are totally ordered in
// declaration order and a session only ever moves forward through them.
type Phase string

const (
	PhaseInitializing  Phase = "INITIALIZING"
	PhaseMCWarmup      Phase = "MC_WARMUP"
	PhaseSupport       Phase = "SUPPORT"
	PhaseFallible      Phase = "FALLIBLE"
	PhaseCoachAnalysis Phase = "COACH_ANALYSIS"
	PhaseComplete      Phase = "COMPLETE"
)

var phaseOrder = map[Phase]int{
	PhaseInitializing:  0,
	PhaseMCWarmup:      1,
	PhaseSupport:       2,
	PhaseFallible:      3,
	PhaseCoachAnalysis: 4,
	PhaseComplete:      5,
}

// Rank returns the position of the phase in the session lifecycle, or -1 for
// an unknown phase.
func (p Phase) Rank() int {
	if r, ok := phaseOrder[p]; ok {
		return r
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool { return p.Rank() >= 0 }

// CanAdvanceTo reports whether moving from p to next keeps the phase
// sequence non-decreasing. Staying in the same phase is allowed.
func (p Phase) CanAdvanceTo(next Phase) bool {
	return p.Valid() && next.Valid() && next.Rank() >= p.Rank()
}

// AcceptsTurns reports whether user turns may be submitted in this phase.
func (p Phase) AcceptsTurns() bool {
	return p == PhaseSupport || p == PhaseFallible
}

// Closed reports whether the scene has ended.
func (p Phase) Closed() bool {
	return p == PhaseCoachAnalysis || p == PhaseComplete
}

// Sentiment is the room's read of how the scene is landing.
type Sentiment string

const (
	SentimentWithYou  Sentiment = "WITH_YOU"
	SentimentEngaged  Sentiment = "ENGAGED"
	SentimentNeutral  Sentiment = "NEUTRAL"
	SentimentBored    Sentiment = "BORED"
	SentimentConfused Sentiment = "CONFUSED"
	SentimentTense    Sentiment = "TENSE"
)

// ParseSentiment maps a loosely formatted label onto a Sentiment.
func ParseSentiment(s string) (Sentiment, bool) {
	switch normalizeLabel(s) {
	case "WITH_YOU", "WITHYOU", "VERY_POSITIVE":
		return SentimentWithYou, true
	case "ENGAGED", "POSITIVE":
		return SentimentEngaged, true
	case "NEUTRAL":
		return SentimentNeutral, true
	case "BORED", "NEGATIVE":
		return SentimentBored, true
	case "CONFUSED":
		return SentimentConfused, true
	case "TENSE", "VERY_NEGATIVE":
		return SentimentTense, true
	}
	return "", false
}

// Positive reports whether the sentiment counts toward phase stability.
func (s Sentiment) Positive() bool {
	return s == SentimentWithYou || s == SentimentEngaged
}

// Extreme reports whether the sentiment sits at either end of the scale.
func (s Sentiment) Extreme() bool {
	return s == SentimentWithYou || s == SentimentTense || s == SentimentConfused
}

// Neutral reports whether the sentiment carries no polarity.
func (s Sentiment) Neutral() bool { return s == SentimentNeutral }

// Modality selects between a text-only scene and a voice scene.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityVoice Modality = "voice"
)

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool { return m == ModalityText || m == ModalityVoice }

// Session is one improv scene instance. It is created and mutated only by the
// stage manager through the session store.
type Session struct {
	ID               string      `json:"session_id"`
	Phase            Phase       `json:"phase"`
	Modality         Modality    `json:"modality"`
	SceneLength      int         `json:"scene_length"`
	TurnCount        int         `json:"turn_count"`
	History          []Message   `json:"conversation_history"`
	CurrentSentiment Sentiment   `json:"current_sentiment"`
	SentimentHistory []Sentiment `json:"sentiment_history"`
	StabilityCount   int         `json:"phase1_stability_count"`
	DegradedTurns    int         `json:"degraded_turns"`
	CoachFeedback    string      `json:"coach_feedback,omitempty"`
	Version          int64       `json:"version"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	ExpiresAt        time.Time   `json:"expires_at"`
}

// NewSession returns a session in the INITIALIZING phase.
func NewSession(id string, modality Modality, sceneLength int, now time.Time, ttl time.Duration) *Session {
	return &Session{
		ID:               id,
		Phase:            PhaseInitializing,
		Modality:         modality,
		SceneLength:      sceneLength,
		CurrentSentiment: SentimentNeutral,
		History:          []Message{},
		SentimentHistory: []Sentiment{},
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(ttl),
	}
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// NextTurnNumber is the only turn number the session will accept next.
func (s *Session) NextTurnNumber() int { return s.TurnCount + 1 }

// AdvancePhase moves the session to next, refusing any backwards move.
func (s *Session) AdvancePhase(next Phase) error {
	if !s.Phase.CanAdvanceTo(next) {
		return fmt.Errorf("illegal phase transition %s -> %s", s.Phase, next)
	}
	s.Phase = next
	return nil
}

// RecordSentiment appends the turn's sentiment and updates the stability
// streak used by the phase policy.
func (s *Session) RecordSentiment(sentiment Sentiment) {
	s.CurrentSentiment = sentiment
	s.SentimentHistory = append(s.SentimentHistory, sentiment)
	if sentiment.Positive() {
		s.StabilityCount++
	} else {
		s.StabilityCount = 0
	}
}

// Append adds messages to the history. Appended messages are never modified.
func (s *Session) Append(msgs ...Message) {
	s.History = append(s.History, msgs...)
}

// UserTurns counts the user-authored messages in the history.
func (s *Session) UserTurns() int {
	n := 0
	for _, m := range s.History {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// RecentHistory returns the last n messages.
func (s *Session) RecentHistory(n int) []Message {
	if n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.History = append([]Message(nil), s.History...)
	c.SentimentHistory = append([]Sentiment(nil), s.SentimentHistory...)
	return &c
}
