package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Thought statuses.
const (
	ThoughtCaptured    = "captured"
	ThoughtQueued      = "queued"
	ThoughtSynthesized = "synthesized"
	ThoughtFailed      = "failed"
)

type Thought struct {
	ID          string
	UserID      string
	Title       string
	Content     string
	InputMethod string // text, voice, file, url
	Source      string // file name or URL the content came from
	Status      string
	SynthesisID string
	CreatedAt   time.Time
}

type Synthesis struct {
	ID           string
	UserID       string
	ThoughtID    string
	SessionID    string
	Input        string
	ResultJSON   string
	Provider     string
	TokensUsed   int64
	ProcessingMs int64
	CreatedAt    time.Time
}

type ContentSuggestion struct {
	ID          string
	SynthesisID string
	UserID      string
	Platform    string
	Type        string
	Content     string
	Hashtags    string // JSON array stored as text
	CreatedAt   time.Time
}

type TrendingTopic struct {
	Topic    string
	Mentions int
	LastSeen time.Time
}

type Profile struct {
	UserID           string
	Tier             string
	StripeCustomerID string
	OrganizationID   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Organization struct {
	ID        string
	Name      string
	Tier      string
	CreatedAt time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
