// Package llm is a thin JSON-mode wrapper over the OpenAI chat completion API
// shared by the risk second opinion and the copy composer.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/nurture/internal/helpers"
	openai "github.com/sashabaranov/go-openai"
)

// ErrMissingCredential is returned when no API key is configured.
var ErrMissingCredential = errors.New("openai api key not configured")

// ErrEmptyResponse is returned when the model produced no choices.
var ErrEmptyResponse = errors.New("empty completion")

const defaultModel = "gpt-4o-mini"

// Options configures a Client.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	// Timeout bounds each HTTP call; callers usually also pass a context deadline.
	Timeout time.Duration
}

// Client issues single-turn JSON completions.
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// New builds a client. An empty API key yields ErrMissingCredential.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingCredential
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Client{
		api:         openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: opts.Temperature,
		maxTokens:   maxTokens,
	}, nil
}

// CompleteJSON sends system and user prompts and decodes the first JSON object
// of the answer into out.
func (c *Client) CompleteJSON(ctx context.Context, system, user string, out interface{}) error {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ErrEmptyResponse
	}
	raw, err := helpers.ExtractJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return fmt.Errorf("completion payload: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode completion: %w", err)
	}
	return nil
}
