// Package llm builds the chat completion client used by the direct chat mode.
package llm

import (
	"context"

	"github.com/comigor/taskpilot/internal/config"
	"github.com/sashabaranov/go-openai"
)

// Client is the completion call the assistant loop makes; tests substitute it.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

var _ Client = (*openai.Client)(nil)

// NewClient creates a new OpenAI client. Provider "azure" treats BaseURL as
// the Azure endpoint; anything else is an OpenAI-compatible API.
func NewClient(cfg config.LLMConfig) *openai.Client {
	if cfg.Provider == "azure" {
		return openai.NewClientWithConfig(openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL))
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}
