package llm

import (
	"context"
	"errors"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// ErrNoChoices is returned when the service answers without a completion.
var ErrNoChoices = errors.New("no choices returned from llm")

// Client defines the interface for language model operations.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, messages []types.Message) (*types.Response, error)

	// ChatWithStructuredOutput asks for a reply conforming to schema, which is
	// any value that marshals to a JSON Schema document.
	ChatWithStructuredOutput(ctx context.Context, messages []types.Message, schema any) (*types.Response, error)

	// Close cleans up any resources.
	Close() error
}

// Default configuration values
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultMaxTokens   = 2048
	DefaultTemperature = 0.0
)

// LLMConfig holds configuration for LLM clients.
type LLMConfig struct {
	// APIKey is the authentication key for accessing the LLM API
	APIKey string `json:"api_key,omitempty"`

	// Model is the specific LLM model to use for generating responses
	Model string `json:"model,omitempty"`

	// BaseURL points at an OpenAI-compatible service; empty uses OpenAI.
	BaseURL string `json:"base_url,omitempty"`

	// Temperature controls randomness in generation (0.0 to 2.0)
	Temperature float32 `json:"temperature,omitempty"`

	// MaxTokens is the maximum number of tokens to generate
	MaxTokens int `json:"max_tokens,omitempty"`
}

// NewLLMConfig creates a new LLMConfig with default values
func NewLLMConfig() *LLMConfig {
	return &LLMConfig{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
}

// WithAPIKey sets the API key
func (c *LLMConfig) WithAPIKey(apiKey string) *LLMConfig {
	c.APIKey = apiKey
	return c
}

// WithModel sets the model
func (c *LLMConfig) WithModel(model string) *LLMConfig {
	c.Model = model
	return c
}

// WithBaseURL sets the base URL
func (c *LLMConfig) WithBaseURL(baseURL string) *LLMConfig {
	c.BaseURL = baseURL
	return c
}

// WithTemperature sets the temperature
func (c *LLMConfig) WithTemperature(temperature float32) *LLMConfig {
	c.Temperature = temperature
	return c
}

// WithMaxTokens sets the max tokens
func (c *LLMConfig) WithMaxTokens(maxTokens int) *LLMConfig {
	c.MaxTokens = maxTokens
	return c
}
