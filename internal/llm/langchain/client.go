// Package langchain adapts langchaingo models (Anthropic, Ollama) to llm.Client.
package langchain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"

	"hallucheck-backend/internal/llm"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"

	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	DefaultOllamaModel    = "llama3.1"
)

const systemPrompt = "You audit chatbot transcripts and reply with a single JSON object."

// Client implements llm.Client on top of any langchaingo model.
type Client struct {
	model    llms.Model
	provider string
	name     string
}

// NewAnthropic builds a client backed by the Anthropic messages API.
func NewAnthropic(apiKey, model string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY is required", llm.ErrNotConfigured)
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultAnthropicModel
	}
	m, err := anthropic.New(anthropic.WithToken(apiKey), anthropic.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("create anthropic model: %w", err)
	}
	return &Client{model: m, provider: ProviderAnthropic, name: model}, nil
}

// NewOllama builds a client backed by a local or remote Ollama server.
func NewOllama(host, model string) (*Client, error) {
	if strings.TrimSpace(model) == "" {
		model = DefaultOllamaModel
	}
	opts := []ollama.Option{ollama.WithModel(model), ollama.WithFormat("json")}
	if h := strings.TrimSpace(host); h != "" {
		opts = append(opts, ollama.WithServerURL(h))
	}
	m, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}
	return &Client{model: m, provider: ProviderOllama, name: model}, nil
}

// Info reports provider and model.
func (c *Client) Info() llm.Info {
	return llm.Info{Provider: c.provider, Model: c.name}
}

// Generate sends a system and user message pair and returns the first choice.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := c.model.GenerateContent(ctx, messages, llms.WithTemperature(0))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", c.classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", &llm.ProviderError{Provider: c.provider, Message: "response has no choices"}
	}
	return resp.Choices[0].Content, nil
}

// classify separates transport failures from provider-reported ones. langchaingo
// surfaces both as plain errors, so the message is the only signal.
func (c *Client) classify(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "no such host", "dial tcp", "i/o timeout", "unauthorized", "authentication"} {
		if strings.Contains(msg, marker) {
			return llm.Unavailable(c.provider, err)
		}
	}
	return &llm.ProviderError{Provider: c.provider, Message: err.Error()}
}

var _ llm.Client = (*Client)(nil)
