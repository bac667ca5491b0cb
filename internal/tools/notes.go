package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/astarte-agent/internal/store"
)

// NoteStore is the slice of the store used by the note tools.
type NoteStore interface {
	CreateNote(ctx context.Context, n *store.Note) error
	GetNote(ctx context.Context, scope store.Scope, id string) (*store.Note, error)
	DeleteNote(ctx context.Context, scope store.Scope, id string) (bool, error)
	SearchNotes(ctx context.Context, scope store.Scope, query, tag string, limit int) ([]store.Note, error)
}

type storeNoteArgs struct {
	Scope   string   `json:"scope"`
	Title   string   `json:"title" validate:"required,max=200"`
	Content string   `json:"content" validate:"required,max=20000"`
	Tags    []string `json:"tags" validate:"max=20,dive,max=50"`
}

type searchNotesArgs struct {
	Scope string `json:"scope"`
	Query string `json:"query"`
	Tag   string `json:"tag"`
	Limit int    `json:"limit" validate:"gte=0,lte=100"`
}

type noteRefArgs struct {
	Scope string `json:"scope"`
	ID    string `json:"id" validate:"required"`
}

// RegisterNoteTools adds store_note, search_notes, read_note and
// delete_note.
func RegisterNoteTools(r *Registry, notes NoteStore) {
	r.Register(&Tool{
		Name:        "store_note",
		Description: "Save a note (title, content, optional tags) for later reference. Notes are private to their scope.",
		Parameters: schema(map[string]any{
			"scope":   scopeProp,
			"title":   prop("string", "Short title."),
			"content": prop("string", "Note body."),
			"tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Optional tags."},
		}, "title", "content"),
		Handler: Typed(func(ctx context.Context, in storeNoteArgs) (string, error) {
			scope, err := CallFrom(ctx).ResolveScope(in.Scope)
			if err != nil {
				return "", err
			}
			n := &store.Note{Scope: scope, Title: in.Title, Body: in.Content, Tags: in.Tags}
			if err := notes.CreateNote(ctx, n); err != nil {
				return "", err
			}
			return jsonResult(map[string]any{"id": n.ID, "scope": n.Scope, "title": n.Title, "tags": n.Tags})
		}),
	})

	r.Register(&Tool{
		Name:        "search_notes",
		Description: "Search notes by text and/or tag. Returns the most recently updated matches.",
		Parameters: schema(map[string]any{
			"scope": scopeProp,
			"query": prop("string", "Text to look for in title or content. Empty matches all."),
			"tag":   prop("string", "Only notes with this tag."),
			"limit": prop("integer", "Maximum results (1-100, default 20)."),
		}),
		Handler: Typed(func(ctx context.Context, in searchNotesArgs) (string, error) {
			scope, err := CallFrom(ctx).ResolveScope(in.Scope)
			if err != nil {
				return "", err
			}
			found, err := notes.SearchNotes(ctx, scope, in.Query, in.Tag, in.Limit)
			if err != nil {
				return "", err
			}
			if len(found) == 0 {
				return "No notes found.", nil
			}
			return jsonResult(map[string]any{"count": len(found), "notes": found})
		}),
	})

	r.Register(&Tool{
		Name:        "read_note",
		Description: "Read a note by id.",
		Parameters: schema(map[string]any{
			"scope": scopeProp,
			"id":    prop("string", "Note id from store_note or search_notes."),
		}, "id"),
		Handler: Typed(func(ctx context.Context, in noteRefArgs) (string, error) {
			scope, err := CallFrom(ctx).ResolveScope(in.Scope)
			if err != nil {
				return "", err
			}
			n, err := notes.GetNote(ctx, scope, in.ID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Sprintf("Note %s not found.", in.ID), nil
			}
			if err != nil {
				return "", err
			}
			return jsonResult(n)
		}),
	})

	r.Register(&Tool{
		Name:        "delete_note",
		Description: "Delete a note by id.",
		Parameters: schema(map[string]any{
			"scope": scopeProp,
			"id":    prop("string", "Note id."),
		}, "id"),
		Handler: Typed(func(ctx context.Context, in noteRefArgs) (string, error) {
			scope, err := CallFrom(ctx).ResolveScope(in.Scope)
			if err != nil {
				return "", err
			}
			ok, err := notes.DeleteNote(ctx, scope, in.ID)
			if err != nil {
				return "", err
			}
			if !ok {
				return fmt.Sprintf("Note %s not found.", in.ID), nil
			}
			return fmt.Sprintf("Deleted note %s.", in.ID), nil
		}),
	})
}
