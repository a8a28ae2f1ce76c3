// Package synthesizer produces a synthesis from a thought by prompting an AI
// provider in stages and emitting an event after each one.
package synthesizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scatterbrain-app/scatterbrain/internal/ai"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesis"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 2000

	// maxParallelContent bounds concurrent per-platform content calls.
	maxParallelContent = 3
)

// Emit delivers one event to the caller. A non-nil error aborts the run,
// typically because the client went away.
type Emit func(t synthesis.EventType, payload any) error

// ContentEvent is the payload of a content event.
type ContentEvent struct {
	Platform    string                        `json:"platform"`
	Suggestions []synthesis.ContentSuggestion `json:"suggestions"`
}

// Engine runs syntheses against a provider.
type Engine struct {
	provider    ai.Provider
	temperature float64
	maxTokens   int
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Engine)

func WithTemperature(t float64) Option { return func(e *Engine) { e.temperature = t } }

func WithMaxTokens(n int) Option { return func(e *Engine) { e.maxTokens = n } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func New(provider ai.Provider, opts ...Option) *Engine {
	e := &Engine{
		provider:    provider,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Provider returns the name of the backing provider.
func (e *Engine) Provider() string { return e.provider.Name() }

// Run synthesizes req. profile is an optional summary of the user's habits
// that is added to the insight prompt. emit may be nil.
func (e *Engine) Run(ctx context.Context, req synthesis.SynthesizeRequest, profile string, emit Emit) (synthesis.SynthesizeResponse, error) {
	if emit == nil {
		emit = func(synthesis.EventType, any) error { return nil }
	}
	if strings.TrimSpace(req.Input) == "" {
		return synthesis.SynthesizeResponse{}, fmt.Errorf("empty input")
	}

	start := e.now()
	var tokens int64

	progress := func(stage, msg string, pct int) error {
		return emit(synthesis.EventProgress, synthesis.Progress{Stage: stage, Message: msg, Percent: pct})
	}

	if err := progress("analyzing", "Reading your thought", 5); err != nil {
		return synthesis.SynthesizeResponse{}, err
	}

	// Insights.
	ins, used, err := e.insights(ctx, req, profile)
	if err != nil {
		return synthesis.SynthesizeResponse{}, err
	}
	tokens += used
	for _, th := range ins.KeyThemes {
		if err := emit(synthesis.EventInsight, th); err != nil {
			return synthesis.SynthesizeResponse{}, err
		}
	}
	if err := progress("insights", "Found the key themes", 35); err != nil {
		return synthesis.SynthesizeResponse{}, err
	}

	// Action items.
	actions, used, err := e.actions(ctx, req, ins.KeyThemes)
	if err != nil {
		return synthesis.SynthesizeResponse{}, err
	}
	tokens += used
	for _, a := range actions {
		if err := emit(synthesis.EventAction, a); err != nil {
			return synthesis.SynthesizeResponse{}, err
		}
	}
	if err := progress("actions", "Planned next steps", 60); err != nil {
		return synthesis.SynthesizeResponse{}, err
	}

	result := synthesis.SynthesizeResponse{
		Insights: synthesis.Insights{
			KeyThemes:            ins.KeyThemes,
			ActionItems:          actions,
			CommunityConnections: ins.CommunityConnections,
		},
	}

	// Content, one provider call per platform.
	if req.Features.GenerateContent && len(req.Preferences.Platforms) > 0 {
		content, used, err := e.content(ctx, req, ins.KeyThemes, emit)
		if err != nil {
			return synthesis.SynthesizeResponse{}, err
		}
		tokens += used
		result.Insights.ContentSuggestions = content
		if err := progress("content", "Drafted content", 90); err != nil {
			return synthesis.SynthesizeResponse{}, err
		}
	}

	result.ProcessingMetadata = synthesis.ProcessingMetadata{
		ProcessingTimeMs: e.now().Sub(start).Milliseconds(),
		TokensUsed:       tokens,
		ConfidenceScore:  confidence(ins.KeyThemes),
		Provider:         e.provider.Name(),
	}
	if err := emit(synthesis.EventComplete, result); err != nil {
		return synthesis.SynthesizeResponse{}, err
	}
	return result, nil
}

func (e *Engine) complete(ctx context.Context, system, prompt string, schema map[string]any, name string) (ai.Result, error) {
	return e.provider.Complete(ctx, ai.Request{
		System:      system,
		Prompt:      prompt,
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
		Schema:      schema,
		SchemaName:  name,
	})
}

func (e *Engine) insights(ctx context.Context, req synthesis.SynthesizeRequest, profile string) (normalizedInsights, int64, error) {
	system, prompt := BuildInsightsPrompt(req, profile)
	res, err := e.complete(ctx, system, prompt, insightsSchema, "insights")
	if err != nil {
		return normalizedInsights{}, 0, fmt.Errorf("generating insights: %w", err)
	}

	var doc insightsDoc
	if err := ai.ParseJSON(res.Content, &doc); err != nil || len(doc.KeyThemes) == 0 {
		e.logger.Warn("unusable insights from provider, using fallback", "provider", res.Provider, "error", err)
		doc = fallbackInsights(req.Input)
	}
	ins := doc.normalize(req.Features.FindConnections)
	if len(ins.KeyThemes) == 0 {
		ins = fallbackInsights(req.Input).normalize(false)
	}
	return ins, res.TokensUsed, nil
}

func (e *Engine) actions(ctx context.Context, req synthesis.SynthesizeRequest, themes []synthesis.KeyTheme) ([]synthesis.ActionItem, int64, error) {
	system, prompt := BuildActionsPrompt(req, themes)
	res, err := e.complete(ctx, system, prompt, actionsSchema, "actions")
	if err != nil {
		return nil, 0, fmt.Errorf("generating action items: %w", err)
	}

	var doc actionsDoc
	if err := ai.ParseJSON(res.Content, &doc); err != nil || len(doc.ActionItems) == 0 {
		e.logger.Warn("unusable action items from provider, using fallback", "provider", res.Provider, "error", err)
		doc = fallbackActions(themes)
	}
	calendar := req.Features.CalendarIntegration || req.Preferences.ActionFormat == "calendar"
	return doc.toActionItems(calendar), res.TokensUsed, nil
}

// content generates suggestions for every requested platform concurrently.
// A platform whose call fails is logged and left out; the run only fails
// when every platform fails.
func (e *Engine) content(ctx context.Context, req synthesis.SynthesizeRequest, themes []synthesis.KeyTheme, emit Emit) (map[string][]synthesis.ContentSuggestion, int64, error) {
	var (
		mu     sync.Mutex
		out    = make(map[string][]synthesis.ContentSuggestion)
		tokens int64
		failed int
	)

	platforms := dedupe(req.Preferences.Platforms)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelContent)
	for _, platform := range platforms {
		g.Go(func() error {
			system, prompt := BuildContentPrompt(req, platform, themes)
			res, err := e.complete(gctx, system, prompt, contentSchema, "content")
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Warn("content generation failed", "platform", platform, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}

			var doc contentDoc
			if err := ai.ParseJSON(res.Content, &doc); err != nil || len(doc.Suggestions) == 0 {
				e.logger.Warn("unusable content from provider, using fallback", "platform", platform, "error", err)
				doc = fallbackContent(req.Input, themes)
			}
			suggestions := doc.toSuggestions()

			// emit is not required to be safe for concurrent use.
			mu.Lock()
			defer mu.Unlock()
			out[platform] = suggestions
			tokens += res.TokensUsed
			return emit(synthesis.EventContent, ContentEvent{Platform: platform, Suggestions: suggestions})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	if len(platforms) > 0 && failed == len(platforms) {
		return nil, 0, fmt.Errorf("generating content: all %d platform(s) failed", failed)
	}
	return out, tokens, nil
}

func confidence(themes []synthesis.KeyTheme) float64 {
	if len(themes) == 0 {
		return 0
	}
	var sum float64
	for _, t := range themes {
		sum += t.Confidence
	}
	return sum / float64(len(themes))
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
