package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ashureev/improv-stage/internal/domain"
	"github.com/ashureev/improv-stage/internal/mixer"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient serves agents from the OpenAI Chat Completions API and, for
// voice requests, synthesizes the reply with the speech endpoint as raw PCM.
// Spoken user input is transcribed with Whisper.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client for model. An empty model selects
// gpt-4o-mini. The SDK's own retries are disabled: the gateway owns the
// retry, rate-limit and breaker policy, and every attempt must be one request.
func NewOpenAIClient(apiKey, model string, opts ...option.RequestOption) *OpenAIClient {
	var all []option.RequestOption
	if apiKey != "" {
		all = append(all, option.WithAPIKey(apiKey))
	}
	all = append(all, opts...)
	all = append(all, option.WithMaxRetries(0))
	client := openai.NewClient(all...)
	return NewOpenAIClientFrom(&client, model)
}

// NewOpenAIClientFrom wraps an existing SDK client. The client must be built
// with option.WithMaxRetries(0) so that gateway attempts map one to one onto
// upstream requests.
func NewOpenAIClientFrom(client *openai.Client, model string) *OpenAIClient {
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAIClient{client: client, model: model}
}

// Name implements Client.
func (c *OpenAIClient) Name() string { return "openai:" + c.model }

// Call implements Client.
func (c *OpenAIClient) Call(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if req.IsTranscription() {
		text, err := c.transcribe(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Response{Text: text, Latency: time.Since(start)}, nil
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt()),
			openai.UserMessage(req.Transcript()),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, c.classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, NewError(KindUnavailable, c.Name(), errors.New("no choices returned"))
	}

	resp := &Response{Text: completion.Choices[0].Message.Content}
	if req.WantAudio && resp.Text != "" {
		audio, err := c.speak(ctx, req, resp.Text)
		if err != nil {
			return nil, err
		}
		resp.Audio = audio
	}
	resp.Latency = time.Since(start)
	return resp, nil
}

// speak returns 24kHz mono PCM16LE.
func (c *OpenAIClient) speak(ctx context.Context, req Request, text string) ([]byte, error) {
	voice := openai.AudioSpeechNewParamsVoiceAlloy
	if req.Role == domain.RoleRoom {
		voice = openai.AudioSpeechNewParamsVoiceEcho
	}
	httpResp, err := c.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModelTTS1,
		Voice:          voice,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, c.classify(err)
	}
	defer httpResp.Body.Close()

	audio, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, NewError(KindUnavailable, c.Name(), fmt.Errorf("read speech: %w", err))
	}
	return audio, nil
}

// transcribe uploads the request audio as a WAV file.
func (c *OpenAIClient) transcribe(ctx context.Context, req Request) (string, error) {
	rate := req.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	wav := mixer.EncodeWAV(req.Audio, rate)
	res, err := c.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wav), "turn.wav", "audio/wav"),
		Model: openai.AudioModelWhisper1,
	})
	if err != nil {
		return "", c.classify(err)
	}
	if strings.TrimSpace(res.Text) == "" {
		return "", NewError(KindMalformed, c.Name(), errors.New("empty transcript"))
	}
	return res.Text, nil
}

func (c *OpenAIClient) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return NewError(ClassifyHTTPStatus(apiErr.StatusCode), c.Name(), err)
	}
	return NewError(KindOf(err), c.Name(), err)
}
