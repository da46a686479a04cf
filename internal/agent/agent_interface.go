package agent

import "context"

// Client is a black-box conversational agent. Implementations must honour
// ctx cancellation and report failures as *Error so callers can tell
// transient failures from malformed requests.
type Client interface {
	// Call sends one request and returns the agent's text and/or audio.
	Call(ctx context.Context, req Request) (*Response, error)

	// Name identifies the backend in logs.
	Name() string
}

// Ensure the backends implement Client.
var (
	_ Client = (*GrpcClient)(nil)
	_ Client = (*OpenAIClient)(nil)
	_ Client = (*AnthropicClient)(nil)
	_ Client = (*ScriptedClient)(nil)
)
