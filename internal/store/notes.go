package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/astarte-agent/internal/apperr"
)

// Note is a titled, tagged piece of text kept in a scope.
type Note struct {
	ID        string    `json:"id"`
	Scope     Scope     `json:"scope"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// normalizeTags lowercases, trims and deduplicates tags, returning them
// sorted.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// CreateNote stores a new note, filling in its ID and timestamps.
func (s *Store) CreateNote(ctx context.Context, n *Note) error {
	if _, err := ParseScope(string(n.Scope)); err != nil {
		return err
	}
	if strings.TrimSpace(n.Title) == "" {
		return apperr.Invalid("title", "must not be empty")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate note id: %w", err)
	}
	n.ID = id.String()
	n.Tags = normalizeTags(n.Tags)
	n.CreatedAt = s.now().UTC()
	n.UpdatedAt = n.CreatedAt

	tags, err := json.Marshal(n.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notes (id, scope, title, body, tags, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Scope), n.Title, n.Body, string(tags), formatTime(n.CreatedAt), formatTime(n.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create note: %w", err)
	}
	return nil
}

// GetNote returns the note id in scope. Notes in other scopes are not
// visible.
func (s *Store) GetNote(ctx context.Context, scope Scope, id string) (*Note, error) {
	notes, err := s.queryNotes(ctx, `WHERE scope = ? AND id = ?`, string(scope), id)
	if err != nil {
		return nil, err
	}
	if len(notes) == 0 {
		return nil, fmt.Errorf("note %s: %w", id, ErrNotFound)
	}
	return &notes[0], nil
}

// DeleteNote removes the note id from scope and reports whether it
// existed.
func (s *Store) DeleteNote(ctx context.Context, scope Scope, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE scope = ? AND id = ?`, string(scope), id)
	if err != nil {
		return false, fmt.Errorf("delete note %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SearchNotes returns notes in scope whose title or body contains
// query and which carry tag, most recently updated first. Empty query
// and tag match everything.
func (s *Store) SearchNotes(ctx context.Context, scope Scope, query, tag string, limit int) ([]Note, error) {
	if err := ValidatePage(limit, 0, MaxSearchLimit); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultSearchLimit
	}
	clause := `WHERE scope = ?`
	args := []any{string(scope)}
	if query != "" {
		like := "%" + escapeLike(query) + "%"
		clause += ` AND (title LIKE ? ESCAPE '\' OR body LIKE ? ESCAPE '\')`
		args = append(args, like, like)
	}
	if tag = strings.ToLower(strings.TrimSpace(tag)); tag != "" {
		quoted, _ := json.Marshal(tag)
		clause += ` AND tags LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(string(quoted))+"%")
	}
	clause += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	return s.queryNotes(ctx, clause, args...)
}

func (s *Store) queryNotes(ctx context.Context, clause string, args ...any) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, title, body, tags, created_at, updated_at FROM notes `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		var scope, tags, created, updated string
		if err := rows.Scan(&n.ID, &scope, &n.Title, &n.Body, &tags, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		n.Scope = Scope(scope)
		if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of note %s: %w", n.ID, err)
		}
		if n.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if n.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
