package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scatterbrain-app/scatterbrain/internal/personalize"
	"github.com/scatterbrain-app/scatterbrain/internal/storage"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesis"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesizer"
	"github.com/scatterbrain-app/scatterbrain/internal/usage"
)

// Engine produces a synthesis, emitting events as it goes.
type Engine interface {
	Run(ctx context.Context, req synthesis.SynthesizeRequest, profile string, emit synthesizer.Emit) (synthesis.SynthesizeResponse, error)
}

// Gate enforces tier limits and meters usage.
type Gate interface {
	CheckSynthesis(userID string, req usage.SynthesisRequest) error
	Record(userID, feature string) error
}

// Personalizer supplies and learns per-user habits.
type Personalizer interface {
	Profile(userID string) (personalize.Profile, error)
	Record(userID string, req synthesis.SynthesizeRequest) error
}

// Store persists finished syntheses.
type Store interface {
	SaveSynthesis(syn storage.Synthesis, suggestions []storage.ContentSuggestion, themes []string) error
	UpdateThoughtStatus(id, status, synthesisID string) error
}

// Metadata describes what the pipeline did besides running the engine.
type Metadata struct {
	SynthesisID   string
	Personalized  bool
	PipelineMs    int64
	PersistFailed bool
}

// Pipeline runs a synthesis end to end: personalization, tier gating, the
// engine, usage metering and persistence.
type Pipeline struct {
	engine  Engine
	gate    Gate
	persona Personalizer
	store   Store
	logger  *slog.Logger
}

func New(engine Engine, gate Gate, persona Personalizer, store Store) *Pipeline {
	return &Pipeline{
		engine:  engine,
		gate:    gate,
		persona: persona,
		store:   store,
		logger:  slog.Default(),
	}
}

// Synthesize runs req for userID. thoughtID links the result to a stored
// thought and may be empty. A *usage.LimitError is returned before anything
// is emitted when the user's tier does not allow the request.
//
// Persistence failures after a successful run are logged, not returned: the
// caller already has the result.
func (p *Pipeline) Synthesize(ctx context.Context, userID, thoughtID string, req synthesis.SynthesizeRequest, emit synthesizer.Emit) (res synthesis.SynthesizeResponse, meta Metadata, err error) {
	start := time.Now()
	defer func() {
		meta.PipelineMs = time.Since(start).Milliseconds()
	}()

	// 1. Personalize.
	var profileSummary string
	if p.persona != nil {
		prof, perr := p.persona.Profile(userID)
		if perr != nil {
			p.logger.Warn("pipeline: failed to load profile", "user", userID, "error", perr)
		} else {
			req.Preferences = prof.ApplyDefaults(req.Preferences)
			profileSummary = prof.Summary()
			meta.Personalized = profileSummary != ""
		}
	}

	// 2. Gate.
	if err := p.gate.CheckSynthesis(userID, usage.SynthesisRequest{
		InsightDepth: req.Preferences.InsightDepth,
		Platforms:    req.Preferences.Platforms,
	}); err != nil {
		return synthesis.SynthesizeResponse{}, meta, err
	}

	// 3. Run.
	res, err = p.engine.Run(ctx, req, profileSummary, emit)
	if err != nil {
		if thoughtID != "" {
			if uerr := p.store.UpdateThoughtStatus(thoughtID, storage.ThoughtFailed, ""); uerr != nil {
				p.logger.Warn("pipeline: failed to mark thought failed", "thought", thoughtID, "error", uerr)
			}
		}
		return synthesis.SynthesizeResponse{}, meta, err
	}

	// 4. Meter and learn.
	if err := p.gate.Record(userID, usage.FeatureSynthesis); err != nil {
		p.logger.Error("pipeline: failed to record usage", "user", userID, "error", err)
	}
	if p.persona != nil {
		if err := p.persona.Record(userID, req); err != nil {
			p.logger.Warn("pipeline: failed to record personalization", "user", userID, "error", err)
		}
	}

	// 5. Persist.
	meta.SynthesisID = uuid.New().String()
	if err := p.persist(meta.SynthesisID, userID, thoughtID, req, res); err != nil {
		p.logger.Error("pipeline: failed to persist synthesis", "user", userID, "error", err)
		meta.PersistFailed = true
		meta.SynthesisID = ""
		return res, meta, nil
	}

	p.logger.Debug("synthesis complete",
		"user", userID,
		"synthesis_id", meta.SynthesisID,
		"themes", len(res.Insights.KeyThemes),
		"personalized", meta.Personalized,
	)
	return res, meta, nil
}

func (p *Pipeline) persist(id, userID, thoughtID string, req synthesis.SynthesizeRequest, res synthesis.SynthesizeResponse) error {
	resultJSON, err := json.Marshal(res)
	if err != nil {
		return err
	}

	var suggestions []storage.ContentSuggestion
	for platform, list := range res.Insights.ContentSuggestions {
		for _, cs := range list {
			tags, _ := json.Marshal(cs.Hashtags)
			if cs.Hashtags == nil {
				tags = []byte("[]")
			}
			suggestions = append(suggestions, storage.ContentSuggestion{
				ID:       uuid.New().String(),
				Platform: platform,
				Type:     cs.Type,
				Content:  cs.Content,
				Hashtags: string(tags),
			})
		}
	}

	themes := make([]string, 0, len(res.Insights.KeyThemes))
	for _, t := range res.Insights.KeyThemes {
		themes = append(themes, t.Theme)
	}

	syn := storage.Synthesis{
		ID:           id,
		UserID:       userID,
		ThoughtID:    thoughtID,
		SessionID:    req.SessionID,
		Input:        req.Input,
		ResultJSON:   string(resultJSON),
		Provider:     res.ProcessingMetadata.Provider,
		TokensUsed:   res.ProcessingMetadata.TokensUsed,
		ProcessingMs: res.ProcessingMetadata.ProcessingTimeMs,
	}
	if err := p.store.SaveSynthesis(syn, suggestions, themes); err != nil {
		return err
	}
	if thoughtID != "" {
		if err := p.store.UpdateThoughtStatus(thoughtID, storage.ThoughtSynthesized, id); err != nil {
			p.logger.Warn("pipeline: failed to update thought status", "thought", thoughtID, "error", err)
		}
	}
	return nil
}
