package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/astarte-agent/internal/apperr"
)

// Role is the author of a turn.
type Role string

// Turn roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Pagination bounds. Values outside [0, max] are rejected, never
// clamped.
const (
	MaxRecentLimit = 500
	MaxSearchLimit = 100
	MaxOffset      = 1_000_000
)

// DefaultSearchLimit applies when a TurnQuery leaves Limit at zero.
const DefaultSearchLimit = 20

// Turn is one persisted conversation message. Ordering within a chat
// is (CreatedAt, ID).
type Turn struct {
	ID         string    `json:"id"`
	Chat       string    `json:"chat"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	Role       Role      `json:"role"`
	Body       string    `json:"body"`
	ReplyTo    string    `json:"reply_to,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ValidatePage rejects negative or overflowing limit and offset values.
func ValidatePage(limit, offset, maxLimit int) error {
	if limit < 0 {
		return apperr.Invalid("limit", "must not be negative, got %d", limit)
	}
	if limit > maxLimit {
		return apperr.Invalid("limit", "must be at most %d, got %d", maxLimit, limit)
	}
	if offset < 0 {
		return apperr.Invalid("offset", "must not be negative, got %d", offset)
	}
	if offset > MaxOffset {
		return apperr.Invalid("offset", "must be at most %d, got %d", MaxOffset, offset)
	}
	return nil
}

// AppendTurn persists t. An empty ID is filled with a time-ordered
// UUID and a zero CreatedAt with the current time; both are written
// back into t.
func (s *Store) AppendTurn(ctx context.Context, t *Turn) error {
	if err := ValidateID("chat", t.Chat); err != nil {
		return err
	}
	switch t.Role {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return apperr.Invalid("role", "unknown role %q", t.Role)
	}
	if t.Sender == "" {
		return apperr.Invalid("sender", "must not be empty")
	}
	if t.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate turn id: %w", err)
		}
		t.ID = id.String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.CreatedAt = t.CreatedAt.UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, chat, sender, sender_name, role, body, reply_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Chat, t.Sender, t.SenderName, string(t.Role), t.Body, t.ReplyTo, formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

const turnColumns = `id, chat, sender, sender_name, role, body, reply_to, created_at`

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()
	var out []Turn
	for rows.Next() {
		var t Turn
		var role, created string
		if err := rows.Scan(&t.ID, &t.Chat, &t.Sender, &t.SenderName, &role, &t.Body, &t.ReplyTo, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		ts, err := parseTime(created)
		if err != nil {
			return nil, err
		}
		t.CreatedAt = ts
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTurn returns a single turn by id.
func (s *Store) GetTurn(ctx context.Context, id string) (*Turn, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get turn %s: %w", id, err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("turn %s: %w", id, ErrNotFound)
	}
	return &turns[0], nil
}

// GetTurns returns the turns among ids that exist, keyed by id.
func (s *Store) GetTurns(ctx context.Context, ids []string) (map[string]Turn, error) {
	out := make(map[string]Turn, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	for _, t := range turns {
		out[t.ID] = t
	}
	return out, nil
}

// ListRecentTurns returns up to limit turns of chat, skipping the
// offset most recent ones, in chronological order. A limit of zero
// returns no turns.
func (s *Store) ListRecentTurns(ctx context.Context, chat string, limit, offset int) ([]Turn, error) {
	if err := ValidatePage(limit, offset, MaxRecentLimit); err != nil {
		return nil, err
	}
	if err := ValidateID("chat", chat); err != nil {
		return nil, err
	}
	if limit == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+turnColumns+` FROM turns WHERE chat = ?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		chat, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent turns: %w", err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(turns)
	return turns, nil
}

// CountTurns returns the number of turns stored for chat.
func (s *Store) CountTurns(ctx context.Context, chat string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE chat = ?`, chat).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

// TurnQuery filters a history search. An empty Chat searches every
// chat.
type TurnQuery struct {
	Chat    string
	Keyword string
	Sender  string // matches sender id or display name
	Since   time.Time
	Until   time.Time
	Limit   int
	Offset  int
}

// SearchTurns returns turns matching q, newest first.
func (s *Store) SearchTurns(ctx context.Context, q TurnQuery) ([]Turn, error) {
	if err := ValidatePage(q.Limit, q.Offset, MaxSearchLimit); err != nil {
		return nil, err
	}
	if q.Limit == 0 {
		q.Limit = DefaultSearchLimit
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return nil, apperr.Invalid("until", "must not be before since")
	}

	var where []string
	var args []any
	if q.Chat != "" {
		if err := ValidateID("chat", q.Chat); err != nil {
			return nil, err
		}
		where = append(where, "chat = ?")
		args = append(args, q.Chat)
	}
	if q.Keyword != "" {
		where = append(where, "body LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(q.Keyword)+"%")
	}
	if q.Sender != "" {
		where = append(where, "(sender = ? OR sender_name LIKE ? ESCAPE '\\')")
		args = append(args, q.Sender, "%"+escapeLike(q.Sender)+"%")
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(q.Until))
	}

	query := `SELECT ` + turnColumns + ` FROM turns`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search turns: %w", err)
	}
	return scanTurns(rows)
}

// deleteChatTurns removes every turn of chat inside tx and returns the
// number removed.
func deleteChatTurns(ctx context.Context, tx *sql.Tx, chat string) (int, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE chat = ?`, chat)
	if err != nil {
		return 0, fmt.Errorf("delete turns: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
