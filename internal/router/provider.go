package router

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// Provider turns a user prompt into a completion text.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, text string) (string, error)
}

// ChatProviderConfig describes an OpenAI-compatible chat completions endpoint.
type ChatProviderConfig struct {
	Name        string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// ChatProvider calls /chat/completions on an OpenAI-compatible server
// (OpenAI, Abacus RouteLLM, LM Studio).
type ChatProvider struct {
	name        string
	model       string
	temperature float64
	maxTokens   int64
	client      openai.Client
}

var _ Provider = (*ChatProvider)(nil)

// NewChatProvider builds a provider. The SDK's own retries are disabled;
// retry policy belongs to the caller.
func NewChatProvider(cfg ChatProviderConfig) *ChatProvider {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	return &ChatProvider{
		name:        cfg.Name,
		model:       cfg.Model,
		temperature: temperature,
		maxTokens:   cfg.MaxTokens,
		client: openai.NewClient(
			option.WithBaseURL(base),
			option.WithAPIKey(cfg.APIKey),
			option.WithHTTPClient(hc),
			option.WithMaxRetries(0),
		),
	}
}

func (p *ChatProvider) Name() string  { return p.name }
func (p *ChatProvider) Model() string { return p.model }

// Complete sends the text as the only user message and returns the first choice.
func (p *ChatProvider) Complete(ctx context.Context, text string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    []openai.ChatCompletionMessageParamUnion{openai.UserMessage(text)},
		Temperature: openai.Float(p.temperature),
	}
	if p.maxTokens > 0 {
		params.MaxTokens = openai.Int(p.maxTokens)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", p.classify(err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return "", &MalformedResponseError{Provider: p.name, Reason: "no choices in completion"}
	}
	return completion.Choices[0].Message.Content, nil
}

func (p *ChatProvider) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: p.name, StatusCode: apiErr.StatusCode, Body: responseBody(apiErr), Err: err}
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ProviderError{Provider: p.name, Err: err}
	}
	return &MalformedResponseError{Provider: p.name, Reason: err.Error()}
}

func responseBody(apiErr *openai.Error) string {
	if raw := apiErr.RawJSON(); raw != "" {
		return raw
	}
	if apiErr.Response != nil {
		dump := apiErr.DumpResponse(true)
		if i := bytes.Index(dump, []byte("\r\n\r\n")); i >= 0 {
			return string(dump[i+4:])
		}
	}
	return apiErr.Error()
}
