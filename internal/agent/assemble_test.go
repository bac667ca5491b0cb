package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nugget/astarte-agent/internal/llm"
	"github.com/nugget/astarte-agent/internal/store"
)

func newTestAssembler(g *store.Gateway, limit, k int) *Assembler {
	return NewAssembler(AssemblerConfig{
		History:      g,
		Pinned:       g,
		HistoryLimit: limit,
		RecallK:      k,
		Now:          func() time.Time { return baseTime.Add(time.Hour) },
	})
}

var testPersona = Persona{BotName: "Astarte", SystemPrompt: "You are Astarte."}

func TestAssemble_OrderAndCurrentTurnLast(t *testing.T) {
	g := newTestGateway(t)
	seed(t, g, 0, store.Turn{SenderName: "Alice", Body: "first question"})
	seed(t, g, 1, store.Turn{Sender: BotSender, Role: store.RoleAssistant, Body: "first answer"})
	seed(t, g, 2, store.Turn{Sender: "bob", SenderName: "Bob", Body: "second question"})
	cur := seed(t, g, 3, store.Turn{SenderName: "Alice", Body: "current question"})

	a := newTestAssembler(g, 10, 0)
	p, err := a.Assemble(context.Background(), Inbound{
		ID: cur.ID, Chat: "100", Sender: "alice", SenderName: "Alice", Body: cur.Body, CreatedAt: cur.CreatedAt,
	}, testPersona)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	wantRoles := []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleUser, llm.RoleUser}
	if len(p.Messages) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d: %+v", len(p.Messages), len(wantRoles), p.Messages)
	}
	for i, role := range wantRoles {
		if p.Messages[i].Role != role {
			t.Errorf("message %d role = %q, want %q", i, p.Messages[i].Role, role)
		}
	}
	if !strings.HasPrefix(p.Messages[0].Content, "You are Astarte.") {
		t.Errorf("system prompt not first: %q", p.Messages[0].Content)
	}
	if got := p.Messages[1].Content; got != "[Alice at 2026-03-14 09:00:00 UTC]: first question" {
		t.Errorf("rendered user turn = %q", got)
	}
	if got := p.Messages[2].Content; got != "first answer" {
		t.Errorf("assistant turn = %q", got)
	}
	last := p.Messages[len(p.Messages)-1].Content
	if !strings.HasSuffix(last, ": current question") {
		t.Errorf("last message = %q, want the current turn", last)
	}
	if n := occurrences(p.Messages, "current question"); n != 1 {
		t.Errorf("current turn appears %d times, want 1", n)
	}
	if len(p.Included) != 3 {
		t.Errorf("Included = %v, want 3 ids", p.Included)
	}
}

func TestAssemble_CurrentTurnMatchedByTuple(t *testing.T) {
	g := newTestGateway(t)
	seed(t, g, 0, store.Turn{Body: "earlier"})
	cur := seed(t, g, 1, store.Turn{Body: "same words"})

	a := newTestAssembler(g, 10, 0)
	// No ID: the stored copy is recognized by chat, sender, time and body.
	p, err := a.Assemble(context.Background(), Inbound{
		Chat: "100", Sender: "alice", Body: "same words", CreatedAt: cur.CreatedAt,
	}, testPersona)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if n := occurrences(p.Messages, "same words"); n != 1 {
		t.Errorf("current turn appears %d times, want 1", n)
	}
	if len(p.Messages) != 3 {
		t.Errorf("got %d messages, want system + earlier + current", len(p.Messages))
	}
}

func TestAssemble_SameBodyDifferentTimeIsKept(t *testing.T) {
	g := newTestGateway(t)
	seed(t, g, 0, store.Turn{Body: "ping"})

	a := newTestAssembler(g, 10, 0)
	p, err := a.Assemble(context.Background(), Inbound{
		Chat: "100", Sender: "alice", Body: "ping", CreatedAt: baseTime.Add(5 * time.Minute),
	}, testPersona)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if n := occurrences(p.Messages, "ping"); n != 2 {
		t.Errorf("ping appears %d times, want 2 (history and current)", n)
	}
}

func TestAssemble_HistoryLimit(t *testing.T) {
	g := newTestGateway(t)
	for i := range 8 {
		seed(t, g, i, store.Turn{Body: "message " + string(rune('a'+i))})
	}

	a := newTestAssembler(g, 3, 0)
	p, err := a.Assemble(context.Background(), Inbound{Chat: "100", Sender: "alice", Body: "now"}, testPersona)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	// system + 3 history + current
	if len(p.Messages) != 5 {
		t.Fatalf("got %d messages, want 5", len(p.Messages))
	}
	for i, want := range []string{"message f", "message g", "message h"} {
		if !strings.HasSuffix(p.Messages[i+1].Content, want) {
			t.Errorf("history %d = %q, want suffix %q", i, p.Messages[i+1].Content, want)
		}
	}
}

func TestAssemble_ToolTurnsOmitted(t *testing.T) {
	g := newTestGateway(t)
	seed(t, g, 0, store.Turn{Sender: BotSender, Role: store.RoleTool, Body: "raw tool output"})
	seed(t, g, 1, store.Turn{Body: "hello"})

	a := newTestAssembler(g, 10, 0)
	p, err := a.Assemble(context.Background(), Inbound{Chat: "100", Sender: "alice", Body: "again"}, testPersona)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if occurrences(p.Messages, "raw tool output") != 0 {
		t.Error("tool turn leaked into the prompt")
	}
}

func TestAssemble_ReplyPreview(t *testing.T) {
	g := newTestGateway(t)
	long := strings.Repeat("word ", 30)
	orig := seed(t, g, 0, store.Turn{Sender: "bob", SenderName: "Bob", Body: long})
	for i := 1; i <= 3; i++ {
		seed(t, g, i, store.Turn{Body: "filler"})
	}

	// The replied-to turn is outside the window and is fetched by id.
	a := newTestAssembler(g, 2, 0)
	p, err := a.Assemble(context.Background(), Inbound{
		Chat: "100", Sender: "alice", SenderName: "Alice", Body: "I agree", ReplyTo: orig.ID,
	}, testPersona)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	last := p.Messages[len(p.Messages)-1].Content
	want := `(replying to Bob: "` + preview(long, 80) + `")`
	if !strings.Contains(last, want) {
		t.Errorf("last = %q, want it to contain %q", last, want)
	}
	if !strings.HasSuffix(last, ": I agree") {
		t.Errorf("last = %q", last)
	}
}

func TestAssemble_ReplyToOtherChatIgnored(t *testing.T) {
	g := newTestGateway(t)
	other := seed(t, g, 0, store.Turn{Chat: "200", Body: "secret from another chat"})

	a := newTestAssembler(g, 5, 0)
	p, err := a.Assemble(context.Background(), Inbound{
		Chat: "100", Sender: "alice", Body: "what?", ReplyTo: other.ID,
	}, testPersona)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if occurrences(p.Messages, "secret") != 0 {
		t.Error("turn from another chat was quoted")
	}
}

func TestAssemble_PinnedMemoryOrder(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	for scope, text := range map[store.Scope]string{
		store.ChatScope("100"):     "PIN-CHAT",
		store.PersonScope("alice"): "PIN-PERSON",
		store.ScopeGlobal:          "PIN-GLOBAL",
		store.ScopeBot:             "PIN-BOT",
	} {
		if err := g.SetPinned(ctx, scope, text); err != nil {
			t.Fatalf("SetPinned(%s): %v", scope, err)
		}
	}

	a := newTestAssembler(g, 0, 0)
	p, err := a.Assemble(ctx, Inbound{Chat: "100", Sender: "alice", Body: "hi"}, testPersona)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	sys := p.Messages[0].Content
	prev := -1
	for _, marker := range []string{"Context:", "PIN-CHAT", "PIN-PERSON", "PIN-GLOBAL", "PIN-BOT"} {
		i := strings.Index(sys, marker)
		if i < 0 {
			t.Fatalf("system prompt missing %q:\n%s", marker, sys)
		}
		if i < prev {
			t.Errorf("%q out of order in system prompt", marker)
		}
		prev = i
	}
	if !strings.Contains(sys, "- Current time: 2026-03-14 10:00:00 UTC") {
		t.Errorf("system prompt missing current time:\n%s", sys)
	}
}

func TestAssemble_RecallNeverDuplicates(t *testing.T) {
	g := newTestGateway(t)
	old := seed(t, g, 0, store.Turn{Body: "my cat is named Pixel"})
	seed(t, g, 1, store.Turn{Body: "unrelated chatter about trains"})
	recentCat := seed(t, g, 2, store.Turn{Body: "Pixel the cat loves boxes"})
	cur := seed(t, g, 3, store.Turn{Body: "what is my cat Pixel called"})

	a := newTestAssembler(g, 1, 5)
	p, err := a.Assemble(context.Background(), Inbound{
		ID: cur.ID, Chat: "100", Sender: "alice", Body: cur.Body, CreatedAt: cur.CreatedAt,
	}, testPersona)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if p.Recalled == 0 {
		t.Fatal("expected recalled turns")
	}
	if !strings.Contains(p.Messages[0].Content, old.Body) {
		t.Errorf("recalled turn missing from system prompt")
	}
	for _, body := range []string{old.Body, recentCat.Body, cur.Body} {
		if n := occurrences(p.Messages, body); n != 1 {
			t.Errorf("%q appears %d times, want 1", body, n)
		}
	}
	seen := map[string]bool{}
	for _, id := range p.Included {
		if seen[id] {
			t.Errorf("turn %s included twice", id)
		}
		if id == cur.ID {
			t.Error("current turn listed as history")
		}
		seen[id] = true
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"hello world", 5, "hello..."},
		{"spread\n  over\tlines", 50, "spread over lines"},
		{"héllo wörld", 4, "héll..."},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := preview(tt.in, tt.n); got != tt.want {
			t.Errorf("preview(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
