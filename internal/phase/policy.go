// Package phase decides when a scene moves from supportive to fallible play
// and which partner persona each phase uses.
package phase

import (
	"github.com/ashureev/improv-stage/internal/agent"
	"github.com/ashureev/improv-stage/internal/domain"
)

// Policy holds the transition thresholds. It is a pure value; NextPhase does
// no I/O.
type Policy struct {
	// FallibleAfterTurns is the number of turns that must already have been
	// played in SUPPORT before the partner may start making mistakes.
	FallibleAfterTurns int
	// StabilityThreshold is the number of consecutive positive turns required.
	StabilityThreshold int
}

// Default returns the stock thresholds.
func Default() Policy {
	return Policy{FallibleAfterTurns: 4, StabilityThreshold: 3}
}

// NextPhase returns the phase the upcoming turn is played in. Only
// SUPPORT -> FALLIBLE is decided here; every other phase is returned as is.
// The turn being played is TurnCount+1, so with the stock thresholds turn 5
// is the earliest fallible turn. The threshold is compared against that
// upcoming turn number, not against the committed TurnCount: the rule reads
// "turn_count > FallibleAfterTurns" for the turn as it will be committed.
func (p Policy) NextPhase(s *domain.Session) domain.Phase {
	if s.Phase != domain.PhaseSupport {
		return s.Phase
	}
	if s.NextTurnNumber() > p.FallibleAfterTurns && s.StabilityCount >= p.StabilityThreshold {
		return domain.PhaseFallible
	}
	return domain.PhaseSupport
}

var personas = map[domain.Phase]agent.Persona{
	domain.PhaseMCWarmup: {
		Name:        "host",
		Instruction: "Warm up the room, introduce the scene partner and ask the player for a suggestion. Keep it to two sentences.",
	},
	domain.PhaseSupport: {
		Name:        "supportive",
		Instruction: "Accept every offer the player makes and build on it with one specific detail. Never block or correct them.",
	},
	domain.PhaseFallible: {
		Name: "fallible",
		Instruction: "Keep accepting offers, but occasionally make an honest mistake such as forgetting a detail or " +
			"mishearing a name, so the player practises recovering gracefully.",
	},
	domain.PhaseCoachAnalysis: {
		Name:        "coach",
		Instruction: "Review the scene. Name two things the player did well and one concrete thing to practise next.",
	},
}

// Persona returns the partner configuration for phase. Phases without a
// dedicated persona play supportive.
func Persona(phase domain.Phase) agent.Persona {
	if p, ok := personas[phase]; ok {
		return p
	}
	return personas[domain.PhaseSupport]
}

// RoomPersona configures the audience-reaction agent.
func RoomPersona() agent.Persona {
	return agent.Persona{
		Name: "room",
		Instruction: `You are the audience. Reply with JSON only: {"sentiment": one of WITH_YOU, ENGAGED, NEUTRAL, ` +
			`BORED, CONFUSED, TENSE, "energy": 0.0-1.0, "reaction": a short stage direction}.`,
	}
}
