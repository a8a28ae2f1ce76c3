// Package personalize keeps per-user usage counters and turns them into
// defaults and a short profile summary for prompts.
package personalize

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/scatterbrain-app/scatterbrain/internal/storage"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesis"
)

const counterPrefix = "count:"

// Counter dimensions.
const (
	DimInputMethod = "input_method"
	DimDepth       = "insight_depth"
	DimTimeOfDay   = "time_of_day"
	DimPlatform    = "platform"
	DimTotal       = "total"
)

// Storage is the key/value port the tracker persists to.
type Storage interface {
	GetUserKey(userID, key string) (string, error)
	SetUserKey(userID, key, value string) error
	GetAllUserKeys(userID string) (map[string]string, error)
}

// Tracker counts what each user does.
type Tracker struct {
	store Storage
	mu    sync.Mutex
}

func NewTracker(store Storage) *Tracker {
	return &Tracker{store: store}
}

func counterKey(dim, value string) string {
	return counterPrefix + dim + ":" + strings.ToLower(value)
}

func (t *Tracker) incr(userID, dim, value string) error {
	if value == "" {
		return nil
	}
	key := counterKey(dim, value)
	n := 0
	v, err := t.store.GetUserKey(userID, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	default:
		n, _ = strconv.Atoi(v)
	}
	return t.store.SetUserKey(userID, key, strconv.Itoa(n+1))
}

// Record counts one synthesis request.
func (t *Tracker) Record(userID string, req synthesis.SynthesizeRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.incr(userID, DimTotal, "syntheses"); err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	updates := [][2]string{
		{DimInputMethod, req.Context.InputMethod},
		{DimDepth, req.Preferences.InsightDepth},
		{DimTimeOfDay, req.Context.TimeOfDay},
	}
	for _, p := range req.Preferences.Platforms {
		updates = append(updates, [2]string{DimPlatform, p})
	}
	for _, u := range updates {
		if err := t.incr(userID, u[0], u[1]); err != nil {
			return fmt.Errorf("recording %s: %w", u[0], err)
		}
	}
	return nil
}

// Profile summarizes a user's habits.
type Profile struct {
	TotalSyntheses       int      `json:"totalSyntheses"`
	PreferredInputMethod string   `json:"preferredInputMethod,omitempty"`
	PreferredDepth       string   `json:"preferredDepth,omitempty"`
	PeakTimeOfDay        string   `json:"peakTimeOfDay,omitempty"`
	TopPlatforms         []string `json:"topPlatforms,omitempty"`
}

// Profile aggregates the counters of userID.
func (t *Tracker) Profile(userID string) (Profile, error) {
	all, err := t.store.GetAllUserKeys(userID)
	if err != nil {
		return Profile{}, fmt.Errorf("loading counters: %w", err)
	}

	dims := make(map[string]map[string]int)
	for k, v := range all {
		rest, ok := strings.CutPrefix(k, counterPrefix)
		if !ok {
			continue
		}
		dim, value, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		if dims[dim] == nil {
			dims[dim] = make(map[string]int)
		}
		dims[dim][value] = n
	}

	p := Profile{
		TotalSyntheses:       dims[DimTotal]["syntheses"],
		PreferredInputMethod: top(dims[DimInputMethod], 1).first(),
		PreferredDepth:       top(dims[DimDepth], 1).first(),
		PeakTimeOfDay:        top(dims[DimTimeOfDay], 1).first(),
		TopPlatforms:         top(dims[DimPlatform], 3),
	}
	return p, nil
}

type ranked []string

func (r ranked) first() string {
	if len(r) == 0 {
		return ""
	}
	return r[0]
}

// top returns the n most frequent values, ties broken alphabetically.
func top(counts map[string]int, n int) ranked {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// Summary renders p as prompt context. Empty when there is no history.
func (p Profile) Summary() string {
	if p.TotalSyntheses == 0 {
		return ""
	}
	var parts []string
	if p.PreferredInputMethod != "" {
		parts = append(parts, "usually captures thoughts by "+p.PreferredInputMethod)
	}
	if p.PreferredDepth != "" {
		parts = append(parts, "prefers "+p.PreferredDepth+" insights")
	}
	if p.PeakTimeOfDay != "" {
		parts = append(parts, "is most active in the "+p.PeakTimeOfDay)
	}
	if len(p.TopPlatforms) > 0 {
		parts = append(parts, "publishes on "+strings.Join(p.TopPlatforms, ", "))
	}
	if len(parts) == 0 {
		return ""
	}
	return fmt.Sprintf("Over %d syntheses the user %s.", p.TotalSyntheses, strings.Join(parts, "; "))
}

// ApplyDefaults fills preferences the caller left empty from the profile.
func (p Profile) ApplyDefaults(prefs synthesis.Preferences) synthesis.Preferences {
	if prefs.InsightDepth == "" {
		prefs.InsightDepth = p.PreferredDepth
	}
	if len(prefs.Platforms) == 0 && len(p.TopPlatforms) > 0 {
		prefs.Platforms = []string{p.TopPlatforms[0]}
	}
	return prefs
}
