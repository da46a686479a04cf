package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicClient serves text-only agents from the Anthropic Messages API.
// It is intended for the heavy class (coach analysis).
type AnthropicClient struct {
	client *anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient creates a client for model. An empty model selects
// Claude 3.5 Sonnet. SDK retries are disabled; the gateway retries.
func NewAnthropicClient(apiKey, model string, opts ...option.RequestOption) *AnthropicClient {
	var all []option.RequestOption
	if apiKey != "" {
		all = append(all, option.WithAPIKey(apiKey))
	}
	all = append(all, opts...)
	all = append(all, option.WithMaxRetries(0))
	client := anthropic.NewClient(all...)
	return NewAnthropicClientFrom(&client, model)
}

// NewAnthropicClientFrom wraps an existing SDK client. The client must be
// built with option.WithMaxRetries(0).
func NewAnthropicClientFrom(client *anthropic.Client, model string) *AnthropicClient {
	m := anthropic.ModelClaude3_5Sonnet20241022
	if model != "" {
		m = anthropic.Model(model)
	}
	return &AnthropicClient{client: client, model: m}
}

// Name implements Client.
func (c *AnthropicClient) Name() string { return "anthropic:" + string(c.model) }

// Call implements Client. Audio requests are answered with text only and
// spoken input is rejected.
func (c *AnthropicClient) Call(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if len(req.Audio) > 0 {
		return nil, NewError(KindMalformed, c.Name(), errors.New("audio input not supported"))
	}

	maxTokens := int64(defaultAnthropicMaxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: req.SystemPrompt()}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Transcript())),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, NewError(ClassifyHTTPStatus(apiErr.StatusCode), c.Name(), err)
		}
		return nil, NewError(KindOf(err), c.Name(), err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	if b.Len() == 0 {
		return nil, NewError(KindUnavailable, c.Name(), errors.New("no text content returned"))
	}
	return &Response{Text: b.String(), Latency: time.Since(start)}, nil
}
