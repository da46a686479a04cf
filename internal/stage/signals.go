package stage

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/improv-stage/internal/domain"
)

// roomSignal is the room agent's read of the last line.
type roomSignal struct {
	Sentiment domain.Sentiment
	Energy    float64
	HasEnergy bool
	Reaction  string
}

// parseRoomSignal accepts the JSON object the room persona asks for, possibly
// wrapped in prose or code fences, and falls back to spotting a sentiment
// label in free text.
func parseRoomSignal(text string) (roomSignal, bool) {
	if sig, ok := parseRoomJSON(text); ok {
		return sig, true
	}
	return scanSentiment(text)
}

func parseRoomJSON(text string) (roomSignal, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return roomSignal{}, false
	}

	var raw struct {
		Sentiment string   `json:"sentiment"`
		Energy    *float64 `json:"energy"`
		Reaction  string   `json:"reaction"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return roomSignal{}, false
	}
	sentiment, ok := domain.ParseSentiment(raw.Sentiment)
	if !ok {
		return roomSignal{}, false
	}

	sig := roomSignal{Sentiment: sentiment, Reaction: strings.TrimSpace(raw.Reaction)}
	if raw.Energy != nil {
		sig.Energy = min(max(*raw.Energy, 0), 1)
		sig.HasEnergy = true
	}
	return sig, true
}

func scanSentiment(text string) (roomSignal, bool) {
	upper := strings.ToUpper(text)
	if strings.Contains(upper, "WITH YOU") || strings.Contains(upper, "WITH_YOU") {
		return roomSignal{Sentiment: domain.SentimentWithYou}, true
	}
	for _, word := range strings.FieldsFunc(upper, func(r rune) bool {
		return !(r >= 'A' && r <= 'Z') && r != '_'
	}) {
		if s, ok := domain.ParseSentiment(word); ok {
			return roomSignal{Sentiment: s}, true
		}
	}
	return roomSignal{}, false
}
