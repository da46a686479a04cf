// Package ambient decides when the simulated audience reacts out loud.
package ambient

import (
	"strings"
	"time"
	"unicode"

	"github.com/ashureev/improv-stage/internal/domain"
)

// Engine holds the trigger thresholds.
type Engine struct {
	Cooldown       time.Duration
	HighEnergy     float64
	ModerateEnergy float64
}

// DefaultEngine returns the stock thresholds.
func DefaultEngine() Engine {
	return Engine{
		Cooldown:       15 * time.Second,
		HighEnergy:     0.75,
		ModerateEnergy: 0.4,
	}
}

// TriggerState is the per-session memory of the last audience reaction.
type TriggerState struct {
	LastTriggerAt time.Time // zero means never
	TemplateIndex int
}

// ShouldTrigger evaluates the rules in order: cooldown blocks everything,
// then high energy, then an extreme sentiment, then any non-neutral
// sentiment at moderate energy.
func (e Engine) ShouldTrigger(sentiment domain.Sentiment, energy float64, state TriggerState, now time.Time) bool {
	if !state.LastTriggerAt.IsZero() && now.Sub(state.LastTriggerAt) < e.Cooldown {
		return false
	}
	if energy >= e.HighEnergy {
		return true
	}
	if sentiment.Extreme() {
		return true
	}
	if !sentiment.Neutral() && energy >= e.ModerateEnergy {
		return true
	}
	return false
}

// EstimateEnergy scores a line from 0 to 1 using surface cues: exclamation
// marks, shouting and length. It is used when the room agent reports no
// energy of its own.
func EstimateEnergy(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}

	score := 0.2
	score += 0.15 * float64(min(strings.Count(text, "!"), 3))

	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters >= 4 && float64(upper)/float64(letters) > 0.6 {
		score += 0.25
	}
	if words := len(strings.Fields(text)); words >= 12 {
		score += 0.1
	}
	return min(score, 1)
}
