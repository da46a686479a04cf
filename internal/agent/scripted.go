package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/ashureev/improv-stage/internal/domain"
	"github.com/ashureev/improv-stage/internal/mixer"
)

const defaultSampleRate = 24000

// ScriptedTranscript is what ScriptedClient hears in any spoken input.
const ScriptedTranscript = "Yes! And I brought the ladder you asked for."

// ScriptedClient is a deterministic offline backend. It answers every role
// with canned lines derived from the request and renders audio as a short
// tone, which makes it usable for local development and tests.
type ScriptedClient struct {
	// Delay simulates network latency; it honours ctx.
	Delay time.Duration
}

// NewScriptedClient returns a ScriptedClient.
func NewScriptedClient(delay time.Duration) *ScriptedClient {
	return &ScriptedClient{Delay: delay}
}

// Name implements Client.
func (c *ScriptedClient) Name() string { return "scripted" }

// Call implements Client.
func (c *ScriptedClient) Call(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if c.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, NewError(KindOf(ctx.Err()), c.Name(), ctx.Err())
		case <-time.After(c.Delay):
		}
	}

	if req.IsTranscription() {
		return &Response{Text: ScriptedTranscript, Latency: time.Since(start)}, nil
	}

	text := c.respond(req)
	resp := &Response{Text: text}
	if req.WantAudio {
		rate := req.SampleRate
		if rate <= 0 {
			rate = defaultSampleRate
		}
		resp.Audio = mixer.EncodePCM16(tone(text, rate))
	}
	resp.Latency = time.Since(start)
	return resp, nil
}

func (c *ScriptedClient) respond(req Request) string {
	line := lastLine(req.Prompt)
	switch req.Role {
	case domain.RoleHost:
		return "Welcome to the stage! Give us a suggestion and let's see where it takes us."
	case domain.RoleRoom:
		return scriptedRoomSignal(line)
	case domain.RoleCoach:
		return fmt.Sprintf("You played %d lines. Strongest moments came when you accepted offers and built on them; "+
			"next time, slow down after a surprise and heighten it before moving on.", countUserLines(req.Context))
	case domain.RolePartner:
		if req.Persona.Name == "fallible" {
			return fmt.Sprintf("Yes, and... wait, did you say %q? I may have lost the thread, help me out.", trimTo(line, 40))
		}
		return fmt.Sprintf("Yes, and %s! Let's run with that.", strings.TrimRight(trimTo(line, 60), ".!?"))
	}
	return "Yes, and?"
}

// scriptedRoomSignal reads the audience off simple surface cues.
func scriptedRoomSignal(line string) string {
	lower := strings.ToLower(line)
	energy := math.Min(1, 0.3+0.2*float64(strings.Count(line, "!")))

	sentiment := domain.SentimentEngaged
	reaction := "*murmurs of interest*"
	switch {
	case strings.TrimSpace(line) == "" || len(strings.Fields(line)) < 3:
		sentiment, reaction = domain.SentimentBored, "*a cough from the back*"
	case strings.Contains(lower, "?") && !strings.Contains(lower, "yes"):
		sentiment, reaction = domain.SentimentConfused, "*puzzled whispers*"
	case strings.Contains(lower, "no ") || strings.HasPrefix(lower, "no"):
		sentiment, reaction = domain.SentimentTense, "*sharp intake of breath*"
	case strings.Contains(lower, "yes"):
		sentiment, reaction = domain.SentimentWithYou, "*laughter and applause*"
		energy = math.Max(energy, 0.6)
	}

	b, _ := json.Marshal(map[string]any{
		"sentiment": sentiment,
		"energy":    energy,
		"reaction":  reaction,
	})
	return string(b)
}

// tone renders text as a decaying sine whose pitch depends on the text.
func tone(text string, sampleRate int) []int16 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	freq := 180 + float64(h.Sum32()%240)

	ms := min(2000, 200+20*len(text))
	n := sampleRate * ms / 1000
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		env := 1 - float64(i)/float64(n)
		samples[i] = int16(8000 * env * math.Sin(2*math.Pi*freq*t))
	}
	return samples
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

func trimTo(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func countUserLines(history []domain.Message) int {
	n := 0
	for _, m := range history {
		if m.Role == domain.RoleUser {
			n++
		}
	}
	return n
}
