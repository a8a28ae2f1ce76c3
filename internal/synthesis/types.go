package synthesis

import (
	"bytes"
	"encoding/json"
	"time"
)

// SynthesizeRequest is the body posted to the synthesize endpoint.
// It is built once per call and never mutated afterwards.
type SynthesizeRequest struct {
	Input       string      `json:"input"`
	Context     Context     `json:"context"`
	Preferences Preferences `json:"preferences"`
	Features    Features    `json:"features"`
	SessionID   string      `json:"sessionId"`
	Stream      bool        `json:"stream,omitempty"`
}

// Context carries what the client knows about the moment of capture.
type Context struct {
	TimeOfDay    string `json:"timeOfDay,omitempty"`    // morning, afternoon, evening, night
	InputMethod  string `json:"inputMethod,omitempty"`  // text, voice, file, url
	UrgencyLevel string `json:"urgencyLevel,omitempty"` // low, medium, high
}

// Preferences shape the output. Field order here is the canonical order used
// for cache keys.
type Preferences struct {
	InsightDepth string   `json:"insightDepth,omitempty"` // brief, detailed, deep
	ActionFormat string   `json:"actionFormat,omitempty"` // list, calendar, kanban
	Platforms    []string `json:"platforms,omitempty"`
}

// Features toggles optional parts of the synthesis.
type Features struct {
	GenerateContent     bool `json:"generateContent"`
	FindConnections     bool `json:"findConnections"`
	CalendarIntegration bool `json:"calendarIntegration"`
}

// EventType discriminates StreamedEvent payloads.
type EventType string

const (
	EventProgress EventType = "progress"
	EventInsight  EventType = "insight"
	EventAction   EventType = "action"
	EventContent  EventType = "content"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// StreamedEvent is one decoded record of the synthesis stream.
type StreamedEvent struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Progress is the payload of a progress event.
type Progress struct {
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
	Percent int    `json:"percent"`
}

// ErrorPayload is the payload of an error event and of non-2xx JSON bodies.
type ErrorPayload struct {
	Error           string `json:"error"`
	Message         string `json:"message,omitempty"`
	Code            string `json:"code,omitempty"`
	UpgradeRequired bool   `json:"upgradeRequired,omitempty"`
}

// SynthesizeResponse is the payload of the terminal complete event.
//
// A decoded response keeps the payload it was decoded from in Raw and
// marshals back to exactly those bytes, so fields the typed view does not
// know about survive caching and re-encoding. Responses built in code have
// no Raw and marshal from the typed fields.
type SynthesizeResponse struct {
	Insights           Insights           `json:"insights"`
	ProcessingMetadata ProcessingMetadata `json:"processingMetadata"`

	Raw json.RawMessage `json:"-"`
}

type plainResponse SynthesizeResponse

func (r SynthesizeResponse) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(plainResponse(r))
}

func (r *SynthesizeResponse) UnmarshalJSON(data []byte) error {
	var p plainResponse
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = SynthesizeResponse(p)
	if !bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		r.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

type Insights struct {
	KeyThemes            []KeyTheme                     `json:"keyThemes"`
	ActionItems          []ActionItem                   `json:"actionItems"`
	ContentSuggestions   map[string][]ContentSuggestion `json:"contentSuggestions,omitempty"`
	CommunityConnections []CommunityConnection          `json:"communityConnections,omitempty"`
}

type KeyTheme struct {
	Theme           string   `json:"theme"`
	Confidence      float64  `json:"confidence"`
	RelatedConcepts []string `json:"relatedConcepts,omitempty"`
}

type ActionItem struct {
	Task              string        `json:"task"`
	Priority          string        `json:"priority"` // high, medium, low
	EstimatedDuration string        `json:"estimatedDuration,omitempty"`
	Calendar          *CalendarSlot `json:"calendar,omitempty"`
}

// CalendarSlot is the calendar-ready form of an action item.
type CalendarSlot struct {
	Title           string `json:"title"`
	DurationMinutes int    `json:"durationMinutes"`
	SuggestedTime   string `json:"suggestedTime,omitempty"`
}

type ContentSuggestion struct {
	Type     string   `json:"type"`
	Content  string   `json:"content"`
	Hashtags []string `json:"hashtags,omitempty"`
}

type CommunityConnection struct {
	Topic       string `json:"topic"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

type ProcessingMetadata struct {
	ProcessingTimeMs int64   `json:"processingTime"`
	TokensUsed       int64   `json:"tokensUsed"`
	ConfidenceScore  float64 `json:"confidenceScore"`
	Provider         string  `json:"provider,omitempty"`
}
