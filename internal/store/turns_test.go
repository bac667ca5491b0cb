package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nugget/astarte-agent/internal/apperr"
)

func seedTurns(t *testing.T, s *Store, chat string, n int, start time.Time) []Turn {
	t.Helper()
	out := make([]Turn, 0, n)
	for i := 0; i < n; i++ {
		turn := Turn{
			Chat:       chat,
			Sender:     "u1",
			SenderName: "Alice",
			Role:       RoleUser,
			Body:       fmt.Sprintf("message %d", i),
			CreatedAt:  start.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendTurn(context.Background(), &turn); err != nil {
			t.Fatalf("append turn %d: %v", i, err)
		}
		out = append(out, turn)
	}
	return out
}

func TestAppendTurn_AssignsIdentity(t *testing.T) {
	s := setupTestStore(t)
	turn := Turn{Chat: "1", Sender: "u1", Role: RoleUser, Body: "hi"}
	if err := s.AppendTurn(context.Background(), &turn); err != nil {
		t.Fatalf("append: %v", err)
	}
	if turn.ID == "" || turn.CreatedAt.IsZero() {
		t.Fatalf("identity not assigned: %+v", turn)
	}

	got, err := s.GetTurn(context.Background(), turn.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Body != "hi" || !got.CreatedAt.Equal(turn.CreatedAt) {
		t.Errorf("round trip = %+v, want %+v", got, turn)
	}
}

func TestAppendTurn_Validation(t *testing.T) {
	s := setupTestStore(t)
	tests := []struct {
		name string
		turn Turn
	}{
		{"empty chat", Turn{Sender: "u", Role: RoleUser}},
		{"bad role", Turn{Chat: "1", Sender: "u", Role: "system"}},
		{"empty sender", Turn{Chat: "1", Role: RoleUser}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.AppendTurn(context.Background(), &tt.turn); !apperr.IsValidation(err) {
				t.Errorf("error = %v, want validation error", err)
			}
		})
	}
}

func TestListRecentTurns_Pagination(t *testing.T) {
	s := setupTestStore(t)
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	all := seedTurns(t, s, "1", 10, start)
	seedTurns(t, s, "2", 3, start)
	ctx := context.Background()

	got, err := s.ListRecentTurns(ctx, "1", 3, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Most recent three, oldest first.
	for i, want := range all[7:] {
		if got[i].ID != want.ID {
			t.Errorf("got[%d] = %s, want %s", i, got[i].Body, want.Body)
		}
	}

	got, err = s.ListRecentTurns(ctx, "1", 3, 3)
	if err != nil {
		t.Fatalf("list with offset: %v", err)
	}
	if len(got) != 3 || got[0].ID != all[4].ID || got[2].ID != all[6].ID {
		t.Errorf("offset page = %v", bodies(got))
	}

	got, err = s.ListRecentTurns(ctx, "1", 0, 0)
	if err != nil || len(got) != 0 {
		t.Errorf("zero limit = %v, %v", bodies(got), err)
	}

	got, err = s.ListRecentTurns(ctx, "1", 5, 20)
	if err != nil || len(got) != 0 {
		t.Errorf("offset past end = %v, %v", bodies(got), err)
	}
}

func TestListRecentTurns_RejectsOutOfRange(t *testing.T) {
	s := setupTestStore(t)
	seedTurns(t, s, "1", 2, time.Now())

	tests := []struct {
		name          string
		limit, offset int
	}{
		{"negative limit", -1, 0},
		{"negative offset", 5, -1},
		{"both negative", -5, -5},
		{"limit overflow", MaxRecentLimit + 1, 0},
		{"offset overflow", 5, MaxOffset + 1},
		{"huge offset", 5, int(^uint(0) >> 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListRecentTurns(context.Background(), "1", tt.limit, tt.offset)
			if !apperr.IsValidation(err) {
				t.Fatalf("error = %v, want validation error", err)
			}
			if got != nil {
				t.Errorf("rows returned alongside error: %v", bodies(got))
			}
		})
	}
}

func TestSearchTurns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	add := func(chat, sender, name, body string, at time.Time) {
		turn := Turn{Chat: chat, Sender: sender, SenderName: name, Role: RoleUser, Body: body, CreatedAt: at}
		if err := s.AppendTurn(ctx, &turn); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	add("1", "u1", "Alice", "the deploy is at 5pm", start)
	add("1", "u2", "Bob", "deploy moved to 6pm", start.Add(time.Hour))
	add("1", "u2", "Bob", "lunch?", start.Add(2*time.Hour))
	add("2", "u3", "Carol", "deploy notes for chat two", start.Add(3*time.Hour))
	add("1", "u1", "Alice", "100% sure", start.Add(4*time.Hour))

	got, err := s.SearchTurns(ctx, TurnQuery{Chat: "1", Keyword: "deploy"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 || got[0].SenderName != "Bob" {
		t.Errorf("keyword search = %v", bodies(got))
	}

	got, _ = s.SearchTurns(ctx, TurnQuery{Chat: "1", Sender: "bob"})
	if len(got) != 2 {
		t.Errorf("sender search = %v", bodies(got))
	}

	got, _ = s.SearchTurns(ctx, TurnQuery{Keyword: "deploy"})
	if len(got) != 3 {
		t.Errorf("all-chat search = %v", bodies(got))
	}

	got, _ = s.SearchTurns(ctx, TurnQuery{Chat: "1", Since: start.Add(30 * time.Minute), Until: start.Add(150 * time.Minute)})
	if len(got) != 2 {
		t.Errorf("date range = %v", bodies(got))
	}

	// LIKE wildcards in the keyword are literal.
	got, _ = s.SearchTurns(ctx, TurnQuery{Chat: "1", Keyword: "%"})
	if len(got) != 1 || got[0].Body != "100% sure" {
		t.Errorf("literal percent = %v", bodies(got))
	}

	if _, err := s.SearchTurns(ctx, TurnQuery{Chat: "1", Limit: MaxSearchLimit + 1}); !apperr.IsValidation(err) {
		t.Errorf("overflow limit error = %v", err)
	}
	if _, err := s.SearchTurns(ctx, TurnQuery{Chat: "1", Since: start.Add(time.Hour), Until: start}); !apperr.IsValidation(err) {
		t.Errorf("inverted range error = %v", err)
	}
}

func bodies(turns []Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Body
	}
	return out
}
