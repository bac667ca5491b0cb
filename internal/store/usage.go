package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is the token usage of one completion round. Records are
// append-only and survive chat resets.
type UsageRecord struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	Chat         string    `json:"chat,omitempty"`
	Model        string    `json:"model"`
	Round        int       `json:"round"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageSummary holds aggregated token totals.
type UsageSummary struct {
	Records      int   `json:"records"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// RecordUsage appends rec. An empty ID becomes a UUIDv7 and a zero
// CreatedAt becomes now.
func (s *Store) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
		   (id, request_id, chat, model, round, input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, rec.Chat, rec.Model, rec.Round,
		rec.InputTokens, rec.OutputTokens, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// UsageTotal returns totals for records within [start, end).
func (s *Store) UsageTotal(ctx context.Context, start, end time.Time) (UsageSummary, error) {
	var sum UsageSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE created_at >= ? AND created_at < ?`,
		formatTime(start), formatTime(end),
	).Scan(&sum.Records, &sum.InputTokens, &sum.OutputTokens)
	if err != nil {
		return UsageSummary{}, fmt.Errorf("query usage total: %w", err)
	}
	return sum, nil
}

// UsageByModel returns per-model totals for records within [start, end).
func (s *Store) UsageByModel(ctx context.Context, start, end time.Time) (map[string]UsageSummary, error) {
	return s.usageGroupedBy(ctx, "model", start, end)
}

// UsageByChat returns per-chat totals for records within [start, end).
func (s *Store) UsageByChat(ctx context.Context, start, end time.Time) (map[string]UsageSummary, error) {
	return s.usageGroupedBy(ctx, "chat", start, end)
}

// usageGroupedBy aggregates by column, which is always one of our own
// constants.
func (s *Store) usageGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]UsageSummary, error) {
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE created_at >= ? AND created_at < ?
		 GROUP BY %s`,
		column, column,
	)
	rows, err := s.db.QueryContext(ctx, query, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]UsageSummary)
	for rows.Next() {
		var key string
		var sum UsageSummary
		if err := rows.Scan(&key, &sum.Records, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = sum
	}
	return result, rows.Err()
}
