package store

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/embeddings"
	"github.com/nugget/astarte-agent/internal/recall"
)

func setupTestGateway(t *testing.T) (*Gateway, *recall.Index) {
	t.Helper()
	idx, err := recall.Open(recall.Config{InMemory: true}, embeddings.HashEmbedder{Dims: 128})
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return NewGateway(setupTestStore(t), idx, nil), idx
}

func appendBody(t *testing.T, g *Gateway, chat, body string) Turn {
	t.Helper()
	turn := Turn{Chat: chat, Sender: "u1", Role: RoleUser, Body: body}
	if err := g.AppendTurn(context.Background(), &turn); err != nil {
		t.Fatalf("append: %v", err)
	}
	return turn
}

func TestGateway_AppendIndexesTurn(t *testing.T) {
	g, idx := setupTestGateway(t)
	appendBody(t, g, "1", "my cat is named Pixel")

	n, err := idx.Count(ChatScope("1").String())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("index entries = %d, want 1", n)
	}

	hits, err := g.SearchSemantic(context.Background(), ChatScope("1"), "cat Pixel", 3, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Turn.Body != "my cat is named Pixel" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestGateway_PurgeChatRemovesTurnsAndEntries(t *testing.T) {
	g, idx := setupTestGateway(t)
	ctx := context.Background()

	appendBody(t, g, "1", "the launch code is banana")
	appendBody(t, g, "1", "remember the banana")
	appendBody(t, g, "10", "banana bread recipe")

	res, err := g.PurgeChat(ctx, "1")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if res.Turns != 2 || res.IndexEntries != 2 {
		t.Errorf("purge result = %+v, want 2 turns and 2 entries", res)
	}

	if n, _ := idx.Count(ChatScope("1").String()); n != 0 {
		t.Errorf("index entries after purge = %d", n)
	}
	if n, _ := g.CountTurns(ctx, "1"); n != 0 {
		t.Errorf("turns after purge = %d", n)
	}
	hits, err := g.SearchSemantic(ctx, ChatScope("1"), "banana", 5, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("recall after purge = %+v", hits)
	}

	// The neighbouring chat is untouched.
	if n, _ := g.CountTurns(ctx, "10"); n != 1 {
		t.Errorf("chat 10 turns = %d, want 1", n)
	}
}

// A purge that dies before the row delete must still leave no index
// entries behind.
func TestGateway_PurgeInterruptedBeforeRowDelete(t *testing.T) {
	g, idx := setupTestGateway(t)
	appendBody(t, g, "1", "secret plans")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.PurgeChat(ctx, "1"); err == nil {
		t.Fatal("purge with cancelled context succeeded")
	}

	if n, _ := idx.Count(ChatScope("1").String()); n != 0 {
		t.Errorf("index entries = %d, want 0", n)
	}
	if n, _ := g.CountTurns(context.Background(), "1"); n != 1 {
		t.Errorf("turns = %d, want the row to survive", n)
	}
}

// Entries that outlive their rows are filtered from results and removed.
func TestGateway_SearchDropsOrphanedEntries(t *testing.T) {
	g, idx := setupTestGateway(t)
	ctx := context.Background()
	scope := ChatScope("1").String()

	live := appendBody(t, g, "1", "pizza on friday")
	if err := idx.Add(ctx, scope, "ghost-turn", "pizza pizza pizza", time.Now()); err != nil {
		t.Fatalf("add orphan: %v", err)
	}

	hits, err := g.SearchSemantic(ctx, ChatScope("1"), "pizza", 1, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Turn.ID != live.ID {
		t.Fatalf("hits = %+v, want only the live turn", hits)
	}
	if n, _ := idx.Count(scope); n != 1 {
		t.Errorf("index entries = %d, want orphan removed", n)
	}
}

func TestGateway_SearchSkipAndBounds(t *testing.T) {
	g, _ := setupTestGateway(t)
	ctx := context.Background()

	a := appendBody(t, g, "1", "coffee beans")
	appendBody(t, g, "1", "coffee grinder")

	hits, err := g.SearchSemantic(ctx, ChatScope("1"), "coffee", 1, func(id string) bool { return id == a.ID })
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Turn.ID == a.ID {
		t.Errorf("skip ignored: %+v", hits)
	}

	if _, err := g.SearchSemantic(ctx, ChatScope("1"), "coffee", -1, nil); !apperr.IsValidation(err) {
		t.Errorf("negative k error = %v", err)
	}
	if hits, err := g.SearchSemantic(ctx, ChatScope("1"), "coffee", 0, nil); err != nil || hits != nil {
		t.Errorf("zero k = %v, %v", hits, err)
	}
}
