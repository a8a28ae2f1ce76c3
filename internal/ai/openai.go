package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultOpenAIModel     = "gpt-4o-mini"
	defaultPerplexityModel = "sonar"
	perplexityBaseURL      = "https://api.perplexity.ai"
)

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string

	// Options are appended to the client options, e.g. option.WithMaxRetries.
	Options []option.RequestOption
}

// ChatProvider speaks the Chat Completions protocol. It serves OpenAI and,
// through a different base URL, Perplexity.
type ChatProvider struct {
	name       string
	model      string
	client     openai.Client
	structured bool
}

func NewOpenAI(cfg OpenAIConfig) *ChatProvider {
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	return newChatProvider(OpenAI, cfg, true)
}

// NewPerplexity builds a provider for Perplexity's OpenAI-compatible API.
// Perplexity gets JSON through the prompt rather than a strict schema.
func NewPerplexity(cfg OpenAIConfig) *ChatProvider {
	if cfg.Model == "" {
		cfg.Model = defaultPerplexityModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = perplexityBaseURL
	}
	return newChatProvider(Perplexity, cfg, false)
}

func newChatProvider(name string, cfg OpenAIConfig, structured bool) *ChatProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.Options...)
	return &ChatProvider{
		name:       name,
		model:      cfg.Model,
		client:     openai.NewClient(opts...),
		structured: structured,
	}
}

func (p *ChatProvider) Name() string { return p.name }

func (p *ChatProvider) Complete(ctx context.Context, req Request) (Result, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(p.model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if p.structured && req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: req.Schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return Result{}, &StatusError{Provider: p.name, StatusCode: apiErr.StatusCode, Message: apiErr.Message}
		}
		return Result{}, fmt.Errorf("%s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("%s: response has no choices", p.name)
	}

	return Result{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
		Provider:   p.name,
		Model:      resp.Model,
	}, nil
}
