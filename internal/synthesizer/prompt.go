package synthesizer

import (
	"fmt"
	"strings"

	"github.com/scatterbrain-app/scatterbrain/internal/synthesis"
)

const insightsSystemPrompt = `You turn a scattered, unstructured thought into clear insight. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Identify the key themes the thought is really about. Confidence is between 0 and 1.
- List related concepts for each theme.
- Only fill communityConnections when asked to find connections; otherwise return an empty list.`

const actionsSystemPrompt = `You turn a thought into concrete next steps. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Each action item is a single task a person can start today.
- Priority is one of: high, medium, low.
- estimatedDuration is a short human string such as "15 minutes" or "2 hours".
- durationMinutes is the same estimate as a whole number of minutes.`

const contentSystemPrompt = `You write social content that shares a thought in the author's voice. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- Respect the conventions and length limits of the target platform.
- Hashtags start with # and are relevant, never generic filler.`

var depthGuidance = map[string]string{
	"brief":    "Keep it brief: at most 3 themes and 3 action items.",
	"detailed": "Be thorough: up to 5 themes and 5 action items.",
	"deep":     "Go deep: surface non-obvious themes, tensions and second-order effects; up to 7 themes and 7 action items.",
}

var platformGuidance = map[string]string{
	"twitter":    "Twitter/X: one post under 280 characters, or a short thread.",
	"linkedin":   "LinkedIn: a professional post of 100 to 250 words.",
	"instagram":  "Instagram: a caption with a strong first line and up to 10 hashtags.",
	"blog":       "Blog: a title and an outline of 4 to 6 sections.",
	"newsletter": "Newsletter: a subject line and a 150 word intro paragraph.",
}

func contextBlock(req synthesis.SynthesizeRequest, profile string) string {
	var sb strings.Builder
	if c := req.Context; c.TimeOfDay != "" || c.InputMethod != "" || c.UrgencyLevel != "" {
		sb.WriteString("\n\n[Context]")
		if c.TimeOfDay != "" {
			fmt.Fprintf(&sb, "\nTime of day: %s", c.TimeOfDay)
		}
		if c.InputMethod != "" {
			fmt.Fprintf(&sb, "\nCaptured via: %s", c.InputMethod)
		}
		if c.UrgencyLevel != "" {
			fmt.Fprintf(&sb, "\nUrgency: %s", c.UrgencyLevel)
		}
	}
	if profile != "" {
		fmt.Fprintf(&sb, "\n\n[User Profile]\n%s", profile)
	}
	return sb.String()
}

// BuildInsightsPrompt returns the system and user prompt for theme extraction.
func BuildInsightsPrompt(req synthesis.SynthesizeRequest, profile string) (string, string) {
	var sb strings.Builder
	sb.WriteString(insightsSystemPrompt)
	if g, ok := depthGuidance[req.Preferences.InsightDepth]; ok {
		sb.WriteString("\n- " + g)
	}
	if req.Features.FindConnections {
		sb.WriteString("\n- Find up to 3 communities, topics or resources where people discuss these themes.")
	}
	sb.WriteString(contextBlock(req, profile))
	return sb.String(), req.Input
}

// BuildActionsPrompt returns the system and user prompt for action items.
func BuildActionsPrompt(req synthesis.SynthesizeRequest, themes []synthesis.KeyTheme) (string, string) {
	var sb strings.Builder
	sb.WriteString(actionsSystemPrompt)
	if g, ok := depthGuidance[req.Preferences.InsightDepth]; ok {
		sb.WriteString("\n- " + g)
	}
	if req.Preferences.ActionFormat == "calendar" || req.Features.CalendarIntegration {
		sb.WriteString("\n- Suggest a time of day for each task in suggestedTime.")
	}
	sb.WriteString(contextBlock(req, ""))

	user := req.Input
	if len(themes) > 0 {
		names := make([]string, len(themes))
		for i, t := range themes {
			names[i] = t.Theme
		}
		user += "\n\n[Themes]\n" + strings.Join(names, ", ")
	}
	return sb.String(), user
}

// BuildContentPrompt returns the system and user prompt for one platform.
func BuildContentPrompt(req synthesis.SynthesizeRequest, platform string, themes []synthesis.KeyTheme) (string, string) {
	var sb strings.Builder
	sb.WriteString(contentSystemPrompt)
	if g, ok := platformGuidance[strings.ToLower(platform)]; ok {
		sb.WriteString("\n- " + g)
	} else {
		fmt.Fprintf(&sb, "\n- Platform: %s.", platform)
	}

	user := req.Input
	if len(themes) > 0 {
		user += "\n\n[Lead with the theme]\n" + themes[0].Theme
	}
	return sb.String(), user
}
