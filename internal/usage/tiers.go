package usage

import (
	"errors"
	"fmt"
)

type Tier string

const (
	Free Tier = "free"
	Pro  Tier = "pro"
	Team Tier = "team"
)

// Unlimited marks a limit that is never enforced.
const Unlimited = -1

// Metered features, as stored in usage_tracking.
const (
	FeatureSynthesis = "synthesis"
	FeatureThought   = "thought"
)

// Limits is the rule set attached to a tier.
type Limits struct {
	SynthesesPerMonth int  `json:"synthesesPerMonth"`
	ThoughtsPerMonth  int  `json:"thoughtsPerMonth"`
	DeepInsights      bool `json:"deepInsights"`
	MaxPlatforms      int  `json:"maxPlatforms"`
	Voice             bool `json:"voice"`
}

var tierLimits = map[Tier]Limits{
	Free: {SynthesesPerMonth: 10, ThoughtsPerMonth: 50, DeepInsights: false, MaxPlatforms: 1, Voice: false},
	Pro:  {SynthesesPerMonth: 200, ThoughtsPerMonth: Unlimited, DeepInsights: true, MaxPlatforms: 5, Voice: true},
	Team: {SynthesesPerMonth: Unlimited, ThoughtsPerMonth: Unlimited, DeepInsights: true, MaxPlatforms: Unlimited, Voice: true},
}

// LimitsFor returns the limits of t. Unknown tiers get the free limits.
func LimitsFor(t Tier) Limits {
	if l, ok := tierLimits[t]; ok {
		return l
	}
	return tierLimits[Free]
}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierLimits[t]; !ok {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// ErrLimitExceeded matches every *LimitError via errors.Is.
var ErrLimitExceeded = errors.New("usage limit exceeded")

// LimitError reports which rule of the caller's tier was hit.
type LimitError struct {
	Tier    Tier
	Feature string
	Limit   int
	Used    int
	Reason  string
}

func (e *LimitError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s tier: %s", e.Tier, e.Reason)
	}
	return fmt.Sprintf("%s tier: monthly %s limit reached (%d/%d)", e.Tier, e.Feature, e.Used, e.Limit)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}

func within(used, limit int) bool {
	return limit == Unlimited || used < limit
}
