package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"hallucheck-backend/internal/llm"
	"hallucheck-backend/internal/shared/telemetry"
)

const (
	providerName = "openai"
	DefaultModel = "gpt-4o-mini"
)

const systemPrompt = "You audit chatbot transcripts and reply with a single JSON object."

type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

// Client implements llm.Client using OpenAI Chat Completions in JSON mode.
type Client struct {
	api   chatAPI
	model string
}

// NewClient constructs a new OpenAI client. baseURL may point at any compatible endpoint.
func NewClient(apiKey, baseURL, model string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY is required", llm.ErrNotConfigured)
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		cfg.BaseURL = base
	}
	return &Client{api: goopenai.NewClientWithConfig(cfg), model: model}, nil
}

// Info reports provider and model.
func (c *Client) Info() llm.Info {
	return llm.Info{Provider: providerName, Model: c.model}
}

// Generate sends one chat completion request and returns the message content.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: c.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", mapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &llm.ProviderError{Provider: providerName, Message: "response has no choices"}
	}

	telemetry.Debug("llm.response", map[string]any{
		"provider":          providerName,
		"model":             resp.Model,
		"finish_reason":     string(resp.Choices[0].FinishReason),
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	})
	return resp.Choices[0].Message.Content, nil
}

func mapError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &llm.ProviderError{Provider: providerName, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.HTTPStatus
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &llm.ProviderError{Provider: providerName, StatusCode: reqErr.HTTPStatusCode, Message: msg}
	}
	return llm.Unavailable(providerName, err)
}

var _ llm.Client = (*Client)(nil)
