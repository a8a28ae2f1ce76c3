package synthesis

import (
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const sessionAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Options is everything besides the raw text that goes into a request.
type Options struct {
	Context     Context
	Preferences Preferences
	Features    Features
	SessionID   string
}

// BuildRequest assembles a SynthesizeRequest. A session id is generated when
// opts carries none, and the time of day is derived from now when missing.
func BuildRequest(input string, opts Options, now time.Time) SynthesizeRequest {
	ctx := opts.Context
	if ctx.TimeOfDay == "" {
		ctx.TimeOfDay = TimeOfDay(now)
	}
	if ctx.InputMethod == "" {
		ctx.InputMethod = "text"
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = NewSessionID(now)
	}

	prefs := opts.Preferences
	if prefs.Platforms != nil {
		prefs.Platforms = append([]string(nil), prefs.Platforms...)
	}

	return SynthesizeRequest{
		Input:       strings.TrimSpace(input),
		Context:     ctx,
		Preferences: prefs,
		Features:    opts.Features,
		SessionID:   sessionID,
	}
}

// NewSessionID returns "session_<millis>_<suffix>". Uniqueness is best-effort.
func NewSessionID(now time.Time) string {
	suffix, err := gonanoid.Generate(sessionAlphabet, 9)
	if err != nil {
		suffix = fmt.Sprintf("%09d", now.Nanosecond())
	}
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), suffix)
}

// TimeOfDay buckets the local hour of t.
func TimeOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 5 && h < 12:
		return "morning"
	case h >= 12 && h < 17:
		return "afternoon"
	case h >= 17 && h < 22:
		return "evening"
	default:
		return "night"
	}
}
