package ambient

import (
	"sync"
	"time"

	"github.com/ashureev/improv-stage/internal/domain"
)

// DefaultTemplates are the audience reactions cycled through in order.
var DefaultTemplates = []string{
	"*laughter*",
	"*applause*",
	"*gasps*",
	"*cheers*",
	"*knowing murmurs*",
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Triggered bool
	Template  string
}

type entry struct {
	mu    sync.Mutex
	state TriggerState
}

// Registry keeps one TriggerState per session. Evaluations for the same
// session are serialized by that session's own lock; sessions never contend
// with each other.
type Registry struct {
	engine    Engine
	templates []string
	entries   sync.Map // map[string]*entry
}

// NewRegistry returns a registry using engine and templates. An empty
// template list selects DefaultTemplates.
func NewRegistry(engine Engine, templates []string) *Registry {
	if len(templates) == 0 {
		templates = DefaultTemplates
	}
	return &Registry{engine: engine, templates: templates}
}

func (r *Registry) entry(sessionID string) *entry {
	e, _ := r.entries.LoadOrStore(sessionID, &entry{})
	return e.(*entry)
}

// Peek decides whether the audience would react without recording anything.
// Callers that persist the turn elsewhere call Commit once it has landed.
func (r *Registry) Peek(sessionID string, sentiment domain.Sentiment, energy float64, now time.Time) Decision {
	e := r.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.decide(e.state, sentiment, energy, now)
}

// Commit records a reaction at now and advances the template rotation.
func (r *Registry) Commit(sessionID string, now time.Time) {
	e := r.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	r.record(e, now)
}

// Evaluate is Peek followed by Commit in one step.
func (r *Registry) Evaluate(sessionID string, sentiment domain.Sentiment, energy float64, now time.Time) Decision {
	e := r.entry(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	d := r.decide(e.state, sentiment, energy, now)
	if d.Triggered {
		r.record(e, now)
	}
	return d
}

func (r *Registry) decide(state TriggerState, sentiment domain.Sentiment, energy float64, now time.Time) Decision {
	if !r.engine.ShouldTrigger(sentiment, energy, state, now) {
		return Decision{}
	}
	return Decision{Triggered: true, Template: r.templates[state.TemplateIndex%len(r.templates)]}
}

func (r *Registry) record(e *entry, now time.Time) {
	e.state.LastTriggerAt = now
	e.state.TemplateIndex = (e.state.TemplateIndex + 1) % len(r.templates)
}

// State returns a copy of the session's trigger state.
func (r *Registry) State(sessionID string) TriggerState {
	v, ok := r.entries.Load(sessionID)
	if !ok {
		return TriggerState{}
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Forget drops the session's state.
func (r *Registry) Forget(sessionID string) {
	r.entries.Delete(sessionID)
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
