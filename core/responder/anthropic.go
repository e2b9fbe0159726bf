package responder

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the Claude-backed responder.
type AnthropicConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig() AnthropicConfig {
	return AnthropicConfig{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 1024,
	}
}

// AnthropicResponder answers questions with a Claude model.
type AnthropicResponder struct {
	client *anthropic.Client
	config AnthropicConfig
}

// NewAnthropicResponder builds a responder from config.
func NewAnthropicResponder(config AnthropicConfig) (*AnthropicResponder, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.Model == "" {
		config.Model = DefaultAnthropicConfig().Model
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultAnthropicConfig().MaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	client := anthropic.NewClient(opts...)

	return &AnthropicResponder{
		client: &client,
		config: config,
	}, nil
}

// Name returns the provider identifier.
func (r *AnthropicResponder) Name() string {
	return "anthropic"
}

// Respond performs a non-streaming completion request.
func (r *AnthropicResponder) Respond(ctx context.Context, req *Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(r.config.Model),
		MaxTokens: int64(r.config.MaxTokens),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt(req)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Question)),
		},
	}
	if r.config.Temperature > 0 {
		params.Temperature = anthropic.Float(r.config.Temperature)
	}

	msg, err := r.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic respond: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += b.Text
		}
	}

	return &Response{
		Text:  text,
		Model: string(msg.Model),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}
