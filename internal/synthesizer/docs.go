package synthesizer

import (
	"strings"
	"unicode"

	"github.com/scatterbrain-app/scatterbrain/internal/ai"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesis"
)

// Shapes the provider is asked to return. They are kept apart from the wire
// types so the prompts can evolve without touching the stream contract.

type insightsDoc struct {
	KeyThemes            []themeDoc      `json:"keyThemes"`
	CommunityConnections []connectionDoc `json:"communityConnections"`
}

type themeDoc struct {
	Theme           string   `json:"theme"`
	Confidence      float64  `json:"confidence"`
	RelatedConcepts []string `json:"relatedConcepts"`
}

type connectionDoc struct {
	Topic       string `json:"topic"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

type actionsDoc struct {
	ActionItems []actionDoc `json:"actionItems"`
}

type actionDoc struct {
	Task              string `json:"task"`
	Priority          string `json:"priority"`
	EstimatedDuration string `json:"estimatedDuration"`
	DurationMinutes   int    `json:"durationMinutes"`
	SuggestedTime     string `json:"suggestedTime"`
}

type contentDoc struct {
	Suggestions []suggestionDoc `json:"suggestions"`
}

type suggestionDoc struct {
	Type     string   `json:"type"`
	Content  string   `json:"content"`
	Hashtags []string `json:"hashtags"`
}

var (
	insightsSchema = ai.Schema[insightsDoc]()
	actionsSchema  = ai.Schema[actionsDoc]()
	contentSchema  = ai.Schema[contentDoc]()
)

const maxThemes = 7

// normalizedInsights is insightsDoc converted to wire types.
type normalizedInsights struct {
	KeyThemes            []synthesis.KeyTheme
	CommunityConnections []synthesis.CommunityConnection
}

func (d insightsDoc) normalize(withConnections bool) normalizedInsights {
	var out normalizedInsights
	for _, t := range d.KeyThemes {
		name := strings.TrimSpace(t.Theme)
		if name == "" {
			continue
		}
		out.KeyThemes = append(out.KeyThemes, synthesis.KeyTheme{
			Theme:           name,
			Confidence:      clamp01(t.Confidence),
			RelatedConcepts: t.RelatedConcepts,
		})
		if len(out.KeyThemes) == maxThemes {
			break
		}
	}
	if withConnections {
		for _, c := range d.CommunityConnections {
			if strings.TrimSpace(c.Topic) == "" {
				continue
			}
			out.CommunityConnections = append(out.CommunityConnections, synthesis.CommunityConnection{
				Topic:       c.Topic,
				Description: c.Description,
				URL:         c.URL,
			})
		}
	}
	return out
}

func (d actionsDoc) toActionItems(calendar bool) []synthesis.ActionItem {
	items := make([]synthesis.ActionItem, 0, len(d.ActionItems))
	for _, a := range d.ActionItems {
		task := strings.TrimSpace(a.Task)
		if task == "" {
			continue
		}
		item := synthesis.ActionItem{
			Task:              task,
			Priority:          normalizePriority(a.Priority),
			EstimatedDuration: a.EstimatedDuration,
		}
		if calendar {
			minutes := a.DurationMinutes
			if minutes <= 0 {
				minutes = 30
			}
			item.Calendar = &synthesis.CalendarSlot{
				Title:           task,
				DurationMinutes: minutes,
				SuggestedTime:   a.SuggestedTime,
			}
		}
		items = append(items, item)
	}
	return items
}

func (d contentDoc) toSuggestions() []synthesis.ContentSuggestion {
	out := make([]synthesis.ContentSuggestion, 0, len(d.Suggestions))
	for _, s := range d.Suggestions {
		if strings.TrimSpace(s.Content) == "" {
			continue
		}
		typ := s.Type
		if typ == "" {
			typ = "post"
		}
		out = append(out, synthesis.ContentSuggestion{Type: typ, Content: s.Content, Hashtags: normalizeHashtags(s.Hashtags)})
	}
	return out
}

func normalizePriority(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "high", "urgent":
		return "high"
	case "low":
		return "low"
	default:
		return "medium"
	}
}

func normalizeHashtags(tags []string) []string {
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, "#") {
			t = "#" + t
		}
		out = append(out, t)
	}
	return out
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// --- Fallbacks used when the provider answers with something unusable ---

func fallbackInsights(input string) insightsDoc {
	return insightsDoc{
		KeyThemes: []themeDoc{{
			Theme:           headline(input, 6),
			Confidence:      0.5,
			RelatedConcepts: keywords(input, 3),
		}},
	}
}

func fallbackActions(themes []synthesis.KeyTheme) actionsDoc {
	subject := "this thought"
	if len(themes) > 0 {
		subject = themes[0].Theme
	}
	return actionsDoc{ActionItems: []actionDoc{{
		Task:              "Spend 15 minutes expanding on " + subject,
		Priority:          "medium",
		EstimatedDuration: "15 minutes",
		DurationMinutes:   15,
	}}}
}

func fallbackContent(input string, themes []synthesis.KeyTheme) contentDoc {
	var tags []string
	for _, t := range themes {
		if tag := hashtag(t.Theme); tag != "" {
			tags = append(tags, tag)
		}
	}
	return contentDoc{Suggestions: []suggestionDoc{{Type: "post", Content: clip(input, 240), Hashtags: tags}}}
}

func headline(s string, words int) string {
	f := strings.Fields(s)
	if len(f) > words {
		return strings.Join(f[:words], " ") + "…"
	}
	return strings.Join(f, " ")
}

func keywords(s string, n int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsNumber(r) }) {
		if len([]rune(w)) < 5 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == n {
			break
		}
	}
	return out
}

func hashtag(theme string) string {
	var sb strings.Builder
	for _, w := range strings.Fields(theme) {
		r := []rune(w)
		clean := make([]rune, 0, len(r))
		for _, c := range r {
			if unicode.IsLetter(c) || unicode.IsNumber(c) {
				clean = append(clean, c)
			}
		}
		if len(clean) == 0 {
			continue
		}
		clean[0] = unicode.ToUpper(clean[0])
		sb.WriteString(string(clean))
	}
	if sb.Len() == 0 {
		return ""
	}
	return "#" + sb.String()
}

func clip(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
