// Package agent defines the contract for the external conversational agents
// (host, scene partner, room, coach) and the backends that implement it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/improv-stage/internal/domain"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Persona is the behavioral configuration an agent adopts for one call.
// It is chosen by the caller and sent with every request; backends hold no
// persona state of their own.
type Persona struct {
	Name        string `json:"name"`
	Instruction string `json:"instruction"`
}

// Request is one call to an agent.
type Request struct {
	SessionID  string
	Class      domain.AgentClass
	Role       domain.Role
	Persona    Persona
	Prompt     string
	Context    []domain.Message
	MaxTokens  int
	Modality   domain.Modality
	WantAudio  bool
	SampleRate int
	// Audio is spoken user input (mono PCM16LE at SampleRate). A user-role
	// request carrying audio asks the backend for a transcript.
	Audio []byte
}

// Validate rejects requests no backend could serve.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" && len(r.Audio) == 0 {
		return NewError(KindMalformed, "request", errors.New("empty prompt"))
	}
	if r.Role == "" {
		return NewError(KindMalformed, "request", errors.New("missing role"))
	}
	if r.MaxTokens < 0 {
		return NewError(KindMalformed, "request", fmt.Errorf("negative max tokens %d", r.MaxTokens))
	}
	return nil
}

// IsTranscription reports whether the request asks for speech-to-text.
func (r Request) IsTranscription() bool {
	return r.Role == domain.RoleUser && len(r.Audio) > 0
}

// SystemPrompt renders the persona as a system instruction.
func (r Request) SystemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s in a live improv scene.", r.Role)
	if r.Persona.Instruction != "" {
		b.WriteString(" ")
		b.WriteString(r.Persona.Instruction)
	}
	return b.String()
}

// Transcript renders the history excerpt followed by the prompt.
func (r Request) Transcript() string {
	var b strings.Builder
	for _, m := range r.Context {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString(r.Prompt)
	return b.String()
}

// Response is an agent's output.
type Response struct {
	Text    string
	Audio   []byte // mono PCM16LE
	Latency time.Duration
}

// Kind classifies an agent failure for retry and circuit-breaker decisions.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindUnavailable Kind = "unavailable"
	KindOverloaded  Kind = "overloaded"
	KindMalformed   Kind = "malformed"
	KindCanceled    Kind = "canceled"
)

// Transient reports whether a failure of this kind is worth retrying.
func (k Kind) Transient() bool {
	return k == KindTimeout || k == KindUnavailable || k == KindOverloaded
}

// Error is the error type returned by agent backends.
type Error struct {
	Kind    Kind
	Backend string
	Err     error
}

// NewError wraps err with a failure kind.
func NewError(kind Kind, backend string, err error) *Error {
	return &Error{Kind: kind, Backend: backend, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent %s: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind of err. Context errors are mapped to
// timeout or canceled; anything unrecognized is treated as unavailable.
func KindOf(err error) Kind {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindUnavailable
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && KindOf(err).Transient()
}

// ClassifyGRPC converts a gRPC error into an *Error.
func ClassifyGRPC(backend string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return NewError(KindOf(err), backend, err)
	}
	var kind Kind
	switch st.Code() {
	case codes.DeadlineExceeded:
		kind = KindTimeout
	case codes.Unavailable, codes.Internal, codes.Aborted, codes.Unknown:
		kind = KindUnavailable
	case codes.ResourceExhausted:
		kind = KindOverloaded
	case codes.Canceled:
		kind = KindCanceled
	default:
		kind = KindMalformed
	}
	return NewError(kind, backend, err)
}

// ClassifyHTTPStatus maps an HTTP status returned by a model API.
func ClassifyHTTPStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusTooManyRequests || code == 529:
		return KindOverloaded
	case code >= 500:
		return KindUnavailable
	case code >= 400:
		return KindMalformed
	}
	return KindUnavailable
}
