package storage

import (
	"database/sql"
	"strings"
	"time"
)

// SaveSynthesis stores a synthesis and its content suggestions atomically
// and bumps the trending counter of every theme it mentions.
func (s *Store) SaveSynthesis(syn Synthesis, suggestions []ContentSuggestion, themes []string) error {
	if syn.CreatedAt.IsZero() {
		syn.CreatedAt = time.Now()
	}
	created := formatTime(syn.CreatedAt)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO syntheses (id, user_id, thought_id, session_id, input, result_json, provider, tokens_used, processing_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		syn.ID, syn.UserID, syn.ThoughtID, syn.SessionID, syn.Input, syn.ResultJSON,
		syn.Provider, syn.TokensUsed, syn.ProcessingMs, created,
	); err != nil {
		return err
	}

	for _, cs := range suggestions {
		hashtags := cs.Hashtags
		if hashtags == "" {
			hashtags = "[]"
		}
		if _, err := tx.Exec(`
			INSERT INTO content_suggestions (id, synthesis_id, user_id, platform, type, content, hashtags, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cs.ID, syn.ID, syn.UserID, cs.Platform, cs.Type, cs.Content, hashtags, created,
		); err != nil {
			return err
		}
	}

	seen := make(map[string]bool)
	for _, theme := range themes {
		topic := strings.ToLower(strings.TrimSpace(theme))
		if topic == "" || seen[topic] {
			continue
		}
		seen[topic] = true
		if _, err := tx.Exec(`
			INSERT INTO trending_topics (topic, mentions, last_seen) VALUES (?, 1, ?)
			ON CONFLICT(topic) DO UPDATE SET mentions = mentions + 1, last_seen = excluded.last_seen`,
			topic, created,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetSynthesis(userID, id string) (Synthesis, error) {
	var syn Synthesis
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, thought_id, session_id, input, result_json, provider, tokens_used, processing_ms, created_at
		FROM syntheses WHERE id = ? AND user_id = ?`, id, userID,
	).Scan(&syn.ID, &syn.UserID, &syn.ThoughtID, &syn.SessionID, &syn.Input, &syn.ResultJSON,
		&syn.Provider, &syn.TokensUsed, &syn.ProcessingMs, &createdAt)
	if err == sql.ErrNoRows {
		return Synthesis{}, ErrNotFound
	}
	if err != nil {
		return Synthesis{}, err
	}
	if syn.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Synthesis{}, err
	}
	return syn, nil
}

func (s *Store) ListContentSuggestions(synthesisID string) ([]ContentSuggestion, error) {
	rows, err := s.db.Query(`
		SELECT id, synthesis_id, user_id, platform, type, content, hashtags, created_at
		FROM content_suggestions WHERE synthesis_id = ? ORDER BY platform ASC, rowid ASC`, synthesisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ContentSuggestion
	for rows.Next() {
		var cs ContentSuggestion
		var createdAt string
		if err := rows.Scan(&cs.ID, &cs.SynthesisID, &cs.UserID, &cs.Platform, &cs.Type, &cs.Content, &cs.Hashtags, &createdAt); err != nil {
			return nil, err
		}
		if cs.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, cs)
	}
	return results, rows.Err()
}

// TrendingTopics returns the most mentioned topics, most recent first on ties.
func (s *Store) TrendingTopics(limit int) ([]TrendingTopic, error) {
	rows, err := s.db.Query(`SELECT topic, mentions, last_seen FROM trending_topics
		ORDER BY mentions DESC, last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TrendingTopic
	for rows.Next() {
		var tt TrendingTopic
		var lastSeen string
		if err := rows.Scan(&tt.Topic, &tt.Mentions, &lastSeen); err != nil {
			return nil, err
		}
		if tt.LastSeen, err = parseTime("last_seen", lastSeen); err != nil {
			return nil, err
		}
		results = append(results, tt)
	}
	return results, rows.Err()
}
