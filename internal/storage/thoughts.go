package storage

import (
	"database/sql"
	"time"
)

const thoughtColumns = `id, user_id, title, content, input_method, source, status, synthesis_id, created_at`

func scanThought(row interface{ Scan(...any) error }) (Thought, error) {
	var t Thought
	var createdAt string
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Content, &t.InputMethod, &t.Source, &t.Status, &t.SynthesisID, &createdAt); err != nil {
		return Thought{}, err
	}
	ts, err := parseTime("created_at", createdAt)
	if err != nil {
		return Thought{}, err
	}
	t.CreatedAt = ts
	return t, nil
}

func (s *Store) SaveThought(t Thought) error {
	if t.Status == "" {
		t.Status = ThoughtCaptured
	}
	if t.InputMethod == "" {
		t.InputMethod = "text"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO thoughts (`+thoughtColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Title, t.Content, t.InputMethod, t.Source, t.Status, t.SynthesisID, formatTime(t.CreatedAt),
	)
	return err
}

// GetThought returns the thought with id owned by userID.
func (s *Store) GetThought(userID, id string) (Thought, error) {
	t, err := scanThought(s.db.QueryRow(`SELECT `+thoughtColumns+` FROM thoughts WHERE id = ? AND user_id = ?`, id, userID))
	if err == sql.ErrNoRows {
		return Thought{}, ErrNotFound
	}
	return t, err
}

// GetThoughtByID returns a thought regardless of owner. Used by background jobs.
func (s *Store) GetThoughtByID(id string) (Thought, error) {
	t, err := scanThought(s.db.QueryRow(`SELECT `+thoughtColumns+` FROM thoughts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Thought{}, ErrNotFound
	}
	return t, err
}

func (s *Store) ListThoughts(userID string, limit, offset int) ([]Thought, error) {
	rows, err := s.db.Query(`SELECT `+thoughtColumns+` FROM thoughts WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Thought
	for rows.Next() {
		t, err := scanThought(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

func (s *Store) UpdateThoughtStatus(id, status, synthesisID string) error {
	return rowsAffected(s.db.Exec(`UPDATE thoughts SET status = ?, synthesis_id = ? WHERE id = ?`, status, synthesisID, id))
}

// DeleteThought removes a thought together with its syntheses and suggestions.
func (s *Store) DeleteThought(userID, id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM thoughts WHERE id = ? AND user_id = ?`, id, userID)
	if err := rowsAffected(res, err); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM content_suggestions WHERE synthesis_id IN (SELECT id FROM syntheses WHERE thought_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM syntheses WHERE thought_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}
