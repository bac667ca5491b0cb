package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ToolCallRecord is one audit log entry. Records are append-only.
type ToolCallRecord struct {
	ID        string        `json:"id"`
	TurnID    string        `json:"turn_id"`
	Chat      string        `json:"chat"`
	ToolName  string        `json:"tool_name"`
	Input     string        `json:"input"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	CreatedAt time.Time     `json:"created_at"`
}

// AppendToolCallRecord writes rec in a single insert. ID and CreatedAt
// are filled when empty.
func (s *Store) AppendToolCallRecord(ctx context.Context, rec *ToolCallRecord) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, turn_id, chat, tool_name, input, output, error, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TurnID, rec.Chat, rec.ToolName, rec.Input, rec.Output, rec.Error,
		rec.Latency.Milliseconds(), formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append tool call record: %w", err)
	}
	return nil
}

// ToolCallQuery selects audit records. Zero fields do not filter.
type ToolCallQuery struct {
	TurnID   string
	Chat     string
	ToolName string
	Limit    int
}

// ListToolCalls returns matching records, oldest first.
func (s *Store) ListToolCalls(ctx context.Context, q ToolCallQuery) ([]ToolCallRecord, error) {
	if err := ValidatePage(q.Limit, 0, MaxRecentLimit); err != nil {
		return nil, err
	}
	if q.Limit == 0 {
		q.Limit = 50
	}
	query := `SELECT id, turn_id, chat, tool_name, input, output, error, latency_ms, created_at
		FROM tool_calls WHERE 1=1`
	var args []any
	if q.TurnID != "" {
		query += ` AND turn_id = ?`
		args = append(args, q.TurnID)
	}
	if q.Chat != "" {
		query += ` AND chat = ?`
		args = append(args, q.Chat)
	}
	if q.ToolName != "" {
		query += ` AND tool_name = ?`
		args = append(args, q.ToolName)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCallRecord
	for rows.Next() {
		var r ToolCallRecord
		var latency int64
		var created string
		if err := rows.Scan(&r.ID, &r.TurnID, &r.Chat, &r.ToolName, &r.Input, &r.Output, &r.Error, &latency, &created); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		r.Latency = time.Duration(latency) * time.Millisecond
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
