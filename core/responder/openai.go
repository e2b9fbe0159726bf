package responder

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
)

// OpenAIConfig configures the GPT-backed responder.
type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
}

// DefaultOpenAIConfig returns sensible defaults.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Model:     "gpt-5.2-codex",
		MaxTokens: 1024,
	}
}

// OpenAIResponder answers questions with an OpenAI model.
type OpenAIResponder struct {
	client *openai.Client
	config OpenAIConfig
}

// NewOpenAIResponder builds a responder from config.
func NewOpenAIResponder(config OpenAIConfig) (*OpenAIResponder, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.Model == "" {
		config.Model = DefaultOpenAIConfig().Model
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultOpenAIConfig().MaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	client := openai.NewClient(opts...)

	return &OpenAIResponder{
		client: &client,
		config: config,
	}, nil
}

// Name returns the provider identifier.
func (r *OpenAIResponder) Name() string {
	return "openai"
}

// Respond performs a non-streaming completion request.
func (r *OpenAIResponder) Respond(ctx context.Context, req *Request) (*Response, error) {
	input := responses.ResponseInputParam{
		responses.ResponseInputItemParamOfMessage(systemPrompt(req), responses.EasyInputMessageRoleSystem),
		responses.ResponseInputItemParamOfMessage(req.Question, responses.EasyInputMessageRoleUser),
	}

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(r.config.Model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: input,
		},
		MaxOutputTokens: openai.Int(int64(r.config.MaxTokens)),
	}
	if r.config.Temperature > 0 {
		params.Temperature = openai.Float(r.config.Temperature)
	}

	result, err := r.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai respond: %w", err)
	}

	return &Response{
		Text:  result.OutputText(),
		Model: string(result.Model),
		Usage: Usage{
			InputTokens:  int(result.Usage.InputTokens),
			OutputTokens: int(result.Usage.OutputTokens),
			TotalTokens:  int(result.Usage.TotalTokens),
		},
	}, nil
}
