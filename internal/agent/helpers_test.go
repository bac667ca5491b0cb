package agent

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/astarte-agent/internal/embeddings"
	"github.com/nugget/astarte-agent/internal/llm"
	"github.com/nugget/astarte-agent/internal/recall"
	"github.com/nugget/astarte-agent/internal/store"
)

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestGateway(t *testing.T) *store.Gateway {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := store.NewStore(db, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	idx, err := recall.Open(recall.Config{InMemory: true}, embeddings.HashEmbedder{Dims: 128})
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return store.NewGateway(s, idx, nil)
}

// seed appends a turn at baseTime plus minute minutes.
func seed(t *testing.T, g *store.Gateway, minute int, turn store.Turn) store.Turn {
	t.Helper()
	if turn.Chat == "" {
		turn.Chat = "100"
	}
	if turn.Sender == "" {
		turn.Sender = "alice"
	}
	if turn.Role == "" {
		turn.Role = store.RoleUser
	}
	turn.CreatedAt = baseTime.Add(time.Duration(minute) * time.Minute)
	if err := g.AppendTurn(context.Background(), &turn); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	return turn
}

// occurrences counts the messages whose content contains s.
func occurrences(msgs []llm.Message, s string) int {
	n := 0
	for _, m := range msgs {
		n += strings.Count(m.Content, s)
	}
	return n
}
