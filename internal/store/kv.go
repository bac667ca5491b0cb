package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Runtime configuration keys read by the turn engine.
const (
	ConfigBotName         = "bot_name"
	ConfigSystemPrompt    = "system_prompt"
	ConfigTriggerKeywords = "trigger_keywords"
)

// GetConfigValue returns the stored value for key, or "" when unset.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return value, nil
}

// SetConfigValue upserts key. Existing values are overwritten and
// updated_at is refreshed.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// DeleteConfigValue removes key. No error is returned if it is unset.
func (s *Store) DeleteConfigValue(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete config %s: %w", key, err)
	}
	return nil
}

// ListConfigValues returns every stored key/value pair. The map is
// never nil.
func (s *Store) ListConfigValues(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		result[k] = v
	}
	return result, rows.Err()
}
