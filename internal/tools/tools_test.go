package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := store.NewStore(db, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func chatCtx(chat, sender string) context.Context {
	return WithCall(context.Background(), Call{RequestID: "req-1", TurnID: "turn-current", Chat: chat, Sender: sender})
}

// invoke runs a registered tool with args given as a JSON string.
func invoke(t *testing.T, ctx context.Context, r *Registry, name, args string) (string, error) {
	t.Helper()
	tool := r.Get(name)
	if tool == nil {
		t.Fatalf("tool %s not registered", name)
	}
	return tool.Handler(ctx, json.RawMessage(args))
}

func mustInvoke(t *testing.T, ctx context.Context, r *Registry, name, args string) string {
	t.Helper()
	out, err := invoke(t, ctx, r, name, args)
	if err != nil {
		t.Fatalf("%s(%s): %v", name, args, err)
	}
	return out
}

func TestRegistry_SpecsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		r.Register(&Tool{Name: name, Parameters: schema(nil)})
	}
	specs := r.Specs()
	if len(specs) != 3 || specs[0].Name != "alpha" || specs[2].Name != "zeta" {
		t.Fatalf("Specs() = %+v", specs)
	}
	if got := r.Names(); got[1] != "mid" {
		t.Errorf("Names() = %v", got)
	}
	if r.Get("missing") != nil {
		t.Error("Get(missing) should be nil")
	}
}

func TestCall_ResolveScope(t *testing.T) {
	c := Call{Chat: "c1", Sender: "u1"}
	tests := []struct {
		arg     string
		want    store.Scope
		wantErr bool
	}{
		{"", "chat:c1", false},
		{"chat", "chat:c1", false},
		{"person", "person:u1", false},
		{"global", store.ScopeGlobal, false},
		{"bot", store.ScopeBot, false},
		{"chat:other", "chat:other", false},
		{"person:bad id", "", true},
		{"team:x", "", true},
	}
	for _, tt := range tests {
		got, err := c.ResolveScope(tt.arg)
		if tt.wantErr {
			if !apperr.IsValidation(err) {
				t.Errorf("ResolveScope(%q) error = %v, want validation error", tt.arg, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ResolveScope(%q) = %q, %v; want %q", tt.arg, got, err, tt.want)
		}
	}

	if _, err := (Call{}).ResolveScope("person"); !apperr.IsValidation(err) {
		t.Errorf("person scope without sender: %v", err)
	}
}
