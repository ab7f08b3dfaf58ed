package provider

import (
	"context"
	"errors"

	"github.com/veracify/veracify/config"
	openai_provider "github.com/veracify/veracify/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
)

// StreamEvent is one element of a generation stream. Exactly one of Delta
// and Err is meaningful; Uncertainty is an optional generator-reported
// signal carried on the final event when the backend supplies one.
type StreamEvent = openai_provider.StreamEvent

// Provider is the interface that all LLM implementations must satisfy
type Provider interface {
	// CreateEmbedding returns one vector per input text, in order.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	// StreamCompletion starts a streamed generation and returns a channel of
	// events. The channel closes when generation completes, errors, or the
	// context is cancelled.
	StreamCompletion(ctx context.Context, systemPrompt, userPrompt string) (<-chan StreamEvent, error)
}

// NewProvider creates a new LLM client based on the provided configuration
func NewProvider(client Client, cfg config.LLMConfig) (Provider, error) {
	switch client {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("llm.api_key not set")
		}
		return openai_provider.NewOpenAIClient(
			cfg.APIKey,
			cfg.BaseURL,
			cfg.CompletionModel,
			cfg.EmbeddingModel,
			cfg.Temperature,
			cfg.MaxTokens,
			cfg.Timeout,
		), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}
