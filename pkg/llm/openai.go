package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// OpenAIClient implements Client for OpenAI and OpenAI-compatible services
// such as Ollama, vLLM or LocalAI.
type OpenAIClient struct {
	client *openai.Client
	config LLMConfig
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(config *LLMConfig) (*OpenAIClient, error) {
	if config == nil {
		config = NewLLMConfig()
	}
	cfg := *config
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	apiKey := cfg.APIKey
	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		base, err := normalizeBaseURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		if apiKey == "" {
			// Local servers accept any bearer token.
			clientConfig = openai.DefaultConfig("unused")
		}
		clientConfig.BaseURL = base
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
	}, nil
}

func normalizeBaseURL(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid baseURL format: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("baseURL must use http:// or https:// scheme: %q", baseURL)
	}
	base := strings.TrimSuffix(baseURL, "/")
	if !strings.HasSuffix(base, "/v1") && !strings.HasSuffix(base, "/api") {
		base += "/v1"
	}
	return base, nil
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string {
	return c.config.Model
}

// Chat sends a chat completion request to OpenAI.
func (c *OpenAIClient) Chat(ctx context.Context, messages []types.Message) (*types.Response, error) {
	req, err := c.buildChatRequest(messages, nil)
	if err != nil {
		return nil, err
	}
	return c.complete(ctx, req)
}

// ChatWithStructuredOutput sends a chat completion request whose reply must
// conform to schema.
func (c *OpenAIClient) ChatWithStructuredOutput(ctx context.Context, messages []types.Message, schema any) (*types.Response, error) {
	req, err := c.buildChatRequest(messages, schema)
	if err != nil {
		return nil, err
	}
	return c.complete(ctx, req)
}

func (c *OpenAIClient) complete(ctx context.Context, req openai.ChatCompletionRequest) (*types.Response, error) {
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := resp.Choices[0]
	return &types.Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Model:        resp.Model,
		TokensUsed: &types.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Close cleans up resources (no-op for OpenAI client).
func (c *OpenAIClient) Close() error {
	return nil
}

func (c *OpenAIClient) buildChatRequest(messages []types.Message, schema any) (openai.ChatCompletionRequest, error) {
	openaiMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		openaiMessages[i] = openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	req := openai.ChatCompletionRequest{
		Model:       c.config.Model,
		Messages:    openaiMessages,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
	}

	if schema != nil {
		raw, err := json.Marshal(schema)
		if err != nil {
			return req, fmt.Errorf("failed to marshal response schema: %w", err)
		}
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "extraction",
				Schema: json.RawMessage(raw),
				Strict: false,
			},
		}
	}

	return req, nil
}
