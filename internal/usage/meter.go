package usage

import (
	"errors"
	"fmt"
	"time"

	"github.com/scatterbrain-app/scatterbrain/internal/storage"
)

// Store is the persistence the meter needs.
type Store interface {
	GetProfile(userID string) (storage.Profile, error)
	UpsertProfile(p storage.Profile) error
	IncrementUsage(userID, period, feature string, n int) (int, error)
	GetUsage(userID, period string) (map[string]int, error)
}

// Meter enforces tier limits and counts monthly usage per user.
type Meter struct {
	store Store
	now   func() time.Time
}

func NewMeter(store Store) *Meter {
	return &Meter{store: store, now: time.Now}
}

// Period returns the billing period key for t, e.g. "2026-03".
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Tier returns the user's tier, creating a free profile on first sight.
func (m *Meter) Tier(userID string) (Tier, error) {
	p, err := m.store.GetProfile(userID)
	if errors.Is(err, storage.ErrNotFound) {
		if err := m.store.UpsertProfile(storage.Profile{UserID: userID, Tier: string(Free)}); err != nil {
			return "", fmt.Errorf("creating profile: %w", err)
		}
		return Free, nil
	}
	if err != nil {
		return "", fmt.Errorf("loading profile: %w", err)
	}
	if _, ok := tierLimits[Tier(p.Tier)]; !ok {
		return Free, nil
	}
	return Tier(p.Tier), nil
}

// SynthesisRequest is the part of a synthesis request the gate looks at.
type SynthesisRequest struct {
	InsightDepth string
	Platforms    []string
}

// CheckSynthesis returns a *LimitError when userID may not run req now.
func (m *Meter) CheckSynthesis(userID string, req SynthesisRequest) error {
	tier, err := m.Tier(userID)
	if err != nil {
		return err
	}
	limits := LimitsFor(tier)

	if req.InsightDepth == "deep" && !limits.DeepInsights {
		return &LimitError{Tier: tier, Feature: FeatureSynthesis, Reason: "deep insights require an upgrade"}
	}
	if limits.MaxPlatforms != Unlimited && len(req.Platforms) > limits.MaxPlatforms {
		return &LimitError{
			Tier:    tier,
			Feature: FeatureSynthesis,
			Limit:   limits.MaxPlatforms,
			Used:    len(req.Platforms),
			Reason:  fmt.Sprintf("at most %d platform(s) per synthesis", limits.MaxPlatforms),
		}
	}
	return m.checkCount(userID, tier, FeatureSynthesis, limits.SynthesesPerMonth)
}

// CheckThought returns a *LimitError when userID may not capture another
// thought with inputMethod.
func (m *Meter) CheckThought(userID, inputMethod string) error {
	tier, err := m.Tier(userID)
	if err != nil {
		return err
	}
	limits := LimitsFor(tier)

	if inputMethod == "voice" && !limits.Voice {
		return &LimitError{Tier: tier, Feature: FeatureThought, Reason: "voice capture requires an upgrade"}
	}
	return m.checkCount(userID, tier, FeatureThought, limits.ThoughtsPerMonth)
}

func (m *Meter) checkCount(userID string, tier Tier, feature string, limit int) error {
	if limit == Unlimited {
		return nil
	}
	used, err := m.store.GetUsage(userID, Period(m.now()))
	if err != nil {
		return fmt.Errorf("loading usage: %w", err)
	}
	if !within(used[feature], limit) {
		return &LimitError{Tier: tier, Feature: feature, Limit: limit, Used: used[feature]}
	}
	return nil
}

// Record counts one use of feature in the current period.
func (m *Meter) Record(userID, feature string) error {
	if _, err := m.store.IncrementUsage(userID, Period(m.now()), feature, 1); err != nil {
		return fmt.Errorf("recording %s usage: %w", feature, err)
	}
	return nil
}

// Summary is the usage report returned by GET /api/usage.
type Summary struct {
	UserID string         `json:"userId"`
	Tier   Tier           `json:"tier"`
	Period string         `json:"period"`
	Used   map[string]int `json:"used"`
	Limits Limits         `json:"limits"`
}

func (m *Meter) Summary(userID string) (Summary, error) {
	tier, err := m.Tier(userID)
	if err != nil {
		return Summary{}, err
	}
	period := Period(m.now())
	used, err := m.store.GetUsage(userID, period)
	if err != nil {
		return Summary{}, fmt.Errorf("loading usage: %w", err)
	}
	return Summary{UserID: userID, Tier: tier, Period: period, Used: used, Limits: LimitsFor(tier)}, nil
}
