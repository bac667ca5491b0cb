package tools

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/store"
)

// MaxPinnedChars bounds a pinned memory entry.
const MaxPinnedChars = 500

// MemoryStore is the slice of the store used by the memory tools.
type MemoryStore interface {
	SetMemory(ctx context.Context, scope store.Scope, key, value string) error
	GetMemory(ctx context.Context, scope store.Scope, key string) (string, error)
	ListMemory(ctx context.Context, scope store.Scope) ([]store.MemoryItem, error)
	DeleteMemory(ctx context.Context, scope store.Scope, key string) (bool, error)
	SetPinned(ctx context.Context, scope store.Scope, value string) error
	ClearPinned(ctx context.Context, scope store.Scope) (bool, error)
}

type memorySetArgs struct {
	Scope string `json:"scope"`
	Key   string `json:"key" validate:"required,max=128"`
	Value string `json:"value" validate:"required,max=4000"`
}

type memoryKeyArgs struct {
	Scope string `json:"scope"`
	Key   string `json:"key" validate:"required,max=128"`
}

type memoryScopeArgs struct {
	Scope string `json:"scope"`
}

type pinnedArgs struct {
	Scope   string `json:"scope"`
	Content string `json:"content" validate:"required"`
}

// RegisterMemoryTools adds the key/value memory tools and the pinned
// memory tools.
func RegisterMemoryTools(r *Registry, mem MemoryStore) {
	r.Register(&Tool{
		Name:        "memory_set",
		Description: "Remember a fact as a key/value pair. Overwrites an existing key.",
		Parameters: schema(map[string]any{
			"scope": scopeProp,
			"key":   prop("string", "Fact name, e.g. 'favorite_color'."),
			"value": prop("string", "Fact value."),
		}, "key", "value"),
		Handler: Typed(func(ctx context.Context, in memorySetArgs) (string, error) {
			scope, err := CallFrom(ctx).ResolveScope(in.Scope)
			if err != nil {
				return "", err
			}
			if err := mem.SetMemory(ctx, scope, in.Key, in.Value); err != nil {
				return "", err
			}
			return fmt.Sprintf("Remembered %s in %s.", in.Key, scope), nil
		}),
	})

	r.Register(&Tool{
		Name:        "memory_get",
		Description: "Recall one fact by key.",
		Parameters:  schema(map[string]any{"scope": scopeProp, "key": prop("string", "Fact name.")}, "key"),
		Handler: Typed(func(ctx context.Context, in memoryKeyArgs) (string, error) {
			scope, err := CallFrom(ctx).ResolveScope(in.Scope)
			if err != nil {
				return "", err
			}
			v, err := mem.GetMemory(ctx, scope, in.Key)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Sprintf("Nothing remembered for %s in %s.", in.Key, scope), nil
			}
			if err != nil {
				return "", err
			}
			return v, nil
		}),
	})

	r.Register(&Tool{
		Name:        "memory_list",
		Description: "List every remembered fact in a scope.",
		Parameters:  schema(map[string]any{"scope": scopeProp}),
		Handler: Typed(func(ctx context.Context, in memoryScopeArgs) (string, error) {
			scope, err := CallFrom(ctx).ResolveScope(in.Scope)
			if err != nil {
				return "", err
			}
			items, err := mem.ListMemory(ctx, scope)
			if err != nil {
				return "", err
			}
			if len(items) == 0 {
				return fmt.Sprintf("No facts stored in %s.", scope), nil
			}
			facts := make(map[string]string, len(items))
			for _, it := range items {
				facts[it.Key] = it.Value
			}
			return jsonResult(map[string]any{"scope": scope, "facts": facts})
		}),
	})

	r.Register(&Tool{
		Name:        "memory_delete",
		Description: "Forget one fact.",
		Parameters:  schema(map[string]any{"scope": scopeProp, "key": prop("string", "Fact name.")}, "key"),
		Handler: Typed(func(ctx context.Context, in memoryKeyArgs) (string, error) {
			scope, err := CallFrom(ctx).ResolveScope(in.Scope)
			if err != nil {
				return "", err
			}
			ok, err := mem.DeleteMemory(ctx, scope, in.Key)
			if err != nil {
				return "", err
			}
			if !ok {
				return fmt.Sprintf("Nothing remembered for %s in %s.", in.Key, scope), nil
			}
			return fmt.Sprintf("Forgot %s in %s.", in.Key, scope), nil
		}),
	})

	r.Register(&Tool{
		Name: "set_pinned_memory",
		Description: fmt.Sprintf("Pin a short text (at most %d characters) that is shown to you at the start of every conversation in that scope. Replaces the previous pin.",
			MaxPinnedChars),
		Parameters: schema(map[string]any{
			"scope":   scopeProp,
			"content": prop("string", "Text to pin."),
		}, "content"),
		Handler: Typed(func(ctx context.Context, in pinnedArgs) (string, error) {
			if n := utf8.RuneCountInString(in.Content); n > MaxPinnedChars {
				return "", apperr.Invalid("content", "must be at most %d characters, got %d", MaxPinnedChars, n)
			}
			scope, err := CallFrom(ctx).ResolveScope(in.Scope)
			if err != nil {
				return "", err
			}
			if err := mem.SetPinned(ctx, scope, in.Content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Pinned memory for %s updated.", scope), nil
		}),
	})

	r.Register(&Tool{
		Name:        "clear_pinned_memory",
		Description: "Remove the pinned memory of a scope.",
		Parameters:  schema(map[string]any{"scope": scopeProp}),
		Handler: Typed(func(ctx context.Context, in memoryScopeArgs) (string, error) {
			scope, err := CallFrom(ctx).ResolveScope(in.Scope)
			if err != nil {
				return "", err
			}
			ok, err := mem.ClearPinned(ctx, scope)
			if err != nil {
				return "", err
			}
			if !ok {
				return fmt.Sprintf("No pinned memory for %s.", scope), nil
			}
			return fmt.Sprintf("Pinned memory for %s cleared.", scope), nil
		}),
	})
}
