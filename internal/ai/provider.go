// Package ai talks to the language-model providers that produce insights,
// action items and platform content.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider names.
const (
	OpenAI     = "openai"
	Anthropic  = "anthropic"
	Perplexity = "perplexity"
)

// Request is a single prompt/response exchange.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int

	// Schema, when set, asks providers that support it for structured output.
	Schema     map[string]any
	SchemaName string
}

type Result struct {
	Content    string
	TokensUsed int64
	Provider   string
	Model      string
}

// Provider is implemented by every model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Result, error)
}

// ErrNoProvider is returned when no provider has an API key configured.
var ErrNoProvider = errors.New("no AI provider configured")

// StatusError is an upstream HTTP failure.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Config selects and configures providers.
type Config struct {
	Provider        string
	OpenAIKey       string
	OpenAIModel     string
	AnthropicKey    string
	AnthropicModel  string
	PerplexityKey   string
	PerplexityModel string
}

// New returns the configured preferred provider, falling back to any other
// provider that has a key.
func New(cfg Config) (Provider, error) {
	build := map[string]func() Provider{}
	if cfg.OpenAIKey != "" {
		build[OpenAI] = func() Provider {
			return NewOpenAI(OpenAIConfig{APIKey: cfg.OpenAIKey, Model: cfg.OpenAIModel})
		}
	}
	if cfg.AnthropicKey != "" {
		build[Anthropic] = func() Provider {
			return NewAnthropic(AnthropicConfig{APIKey: cfg.AnthropicKey, Model: cfg.AnthropicModel})
		}
	}
	if cfg.PerplexityKey != "" {
		build[Perplexity] = func() Provider {
			return NewPerplexity(OpenAIConfig{APIKey: cfg.PerplexityKey, Model: cfg.PerplexityModel})
		}
	}

	name := strings.ToLower(cfg.Provider)
	if f, ok := build[name]; ok {
		return f(), nil
	}
	for _, n := range []string{OpenAI, Anthropic, Perplexity} {
		if f, ok := build[n]; ok {
			return f(), nil
		}
	}
	return nil, ErrNoProvider
}
