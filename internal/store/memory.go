package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/astarte-agent/internal/apperr"
)

// MaxMemoryKeyLen bounds fact names.
const MaxMemoryKeyLen = 128

// MemoryItem is one fact in a memory segment.
type MemoryItem struct {
	Scope     Scope     `json:"scope"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func validateKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return apperr.Invalid("key", "must not be empty")
	}
	if len(key) > MaxMemoryKeyLen {
		return apperr.Invalid("key", "must be at most %d bytes", MaxMemoryKeyLen)
	}
	return nil
}

// SetMemory upserts a fact in scope.
func (s *Store) SetMemory(ctx context.Context, scope Scope, key, value string) error {
	if _, err := ParseScope(string(scope)); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory (scope, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (scope, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		string(scope), strings.TrimSpace(key), value, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("set memory %s/%s: %w", scope, key, err)
	}
	return nil
}

// GetMemory returns one fact. A missing fact wraps ErrNotFound.
func (s *Store) GetMemory(ctx context.Context, scope Scope, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM memory WHERE scope = ? AND key = ?`,
		string(scope), strings.TrimSpace(key),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("memory %s/%s: %w", scope, key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get memory %s/%s: %w", scope, key, err)
	}
	return value, nil
}

// ListMemory returns every fact in scope ordered by key.
func (s *Store) ListMemory(ctx context.Context, scope Scope) ([]MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM memory WHERE scope = ? ORDER BY key`,
		string(scope),
	)
	if err != nil {
		return nil, fmt.Errorf("list memory %s: %w", scope, err)
	}
	defer rows.Close()

	var out []MemoryItem
	for rows.Next() {
		item := MemoryItem{Scope: scope}
		var updated string
		if err := rows.Scan(&item.Key, &item.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if item.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// DeleteMemory removes a fact and reports whether it existed.
func (s *Store) DeleteMemory(ctx context.Context, scope Scope, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory WHERE scope = ? AND key = ?`, string(scope), strings.TrimSpace(key))
	if err != nil {
		return false, fmt.Errorf("delete memory %s/%s: %w", scope, key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetPinned replaces the pinned entry of scope.
func (s *Store) SetPinned(ctx context.Context, scope Scope, value string) error {
	if _, err := ParseScope(string(scope)); err != nil {
		return err
	}
	if strings.TrimSpace(value) == "" {
		return apperr.Invalid("value", "pinned memory must not be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pinned (scope, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (scope) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		string(scope), value, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("set pinned %s: %w", scope, err)
	}
	return nil
}

// GetPinned returns the pinned entry of scope, or "" when none is set.
func (s *Store) GetPinned(ctx context.Context, scope Scope) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM pinned WHERE scope = ?`, string(scope)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get pinned %s: %w", scope, err)
	}
	return value, nil
}

// ClearPinned removes the pinned entry of scope and reports whether
// one existed.
func (s *Store) ClearPinned(ctx context.Context, scope Scope) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pinned WHERE scope = ?`, string(scope))
	if err != nil {
		return false, fmt.Errorf("clear pinned %s: %w", scope, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
