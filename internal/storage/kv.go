package storage

import (
	"database/sql"
	"time"
)

// --- Per-user key/value ---

func (s *Store) SetUserKey(userID, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO user_kv (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, formatTime(time.Now()),
	)
	return err
}

func (s *Store) GetUserKey(userID, key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM user_kv WHERE user_id = ? AND key = ?", userID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (s *Store) GetAllUserKeys(userID string) (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM user_kv WHERE user_id = ?", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}
