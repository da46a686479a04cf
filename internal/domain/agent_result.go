package domain

import "time"

// AgentClass names a tier of external agent (for example a fast model and a
// slower reasoning model). Rate limiting and circuit breaking are keyed by it.
type AgentClass string

const (
	AgentClassFast  AgentClass = "fast"
	AgentClassHeavy AgentClass = "heavy"
)

// AgentCallResult is the outcome of one gateway invocation. Callers must
// inspect Succeeded; the gateway never returns an error.
type AgentCallResult struct {
	Class     AgentClass `json:"agent_class"`
	Text      string     `json:"text,omitempty"`
	Audio     []byte     `json:"-"`
	LatencyMS int64      `json:"latency_ms"`
	Attempts  int        `json:"attempts"`
	Succeeded bool       `json:"succeeded"`
	Degraded  bool       `json:"degraded"`
	Err       error      `json:"-"`
}

// Latency returns the call latency as a duration.
func (r AgentCallResult) Latency() time.Duration {
	return time.Duration(r.LatencyMS) * time.Millisecond
}

// HasAudio reports whether the agent produced audio.
func (r AgentCallResult) HasAudio() bool { return len(r.Audio) > 0 }
