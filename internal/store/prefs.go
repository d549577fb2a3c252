// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"

	"github.com/LingshijunRenzy/ICS-guard/internal/errors"
)

// GetPreference returns the stored value for (scope, username, key).
func (s *Store) GetPreference(scope, username, key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRow(`
		SELECT value FROM app_preferences WHERE scope = ? AND username = ? AND key = ?`,
		scope, username, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", errors.Errorf(errors.KindNotFound, "preference %s not found", key)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "get preference")
	}
	return value.String, nil
}

// SetPreference upserts the value for (scope, username, key).
func (s *Store) SetPreference(scope, username, key, value string) error {
	return s.withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO app_preferences (scope, username, key, value)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(scope, username, key) DO UPDATE SET
				value = excluded.value,
				updated_at = CURRENT_TIMESTAMP`,
			scope, username, key, value)
		return err
	})
}
