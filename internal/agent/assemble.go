// Package agent turns an inbound chat message into a reply: it
// assembles the prompt, drives the model and tool loop, and persists
// the outcome, one turn at a time per chat.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/astarte-agent/internal/llm"
	"github.com/nugget/astarte-agent/internal/store"
)

// promptTimeLayout renders timestamps shown to the model.
const promptTimeLayout = "2006-01-02 15:04:05 UTC"

// HistorySource supplies past turns and semantic recall.
type HistorySource interface {
	ListRecentTurns(ctx context.Context, chat string, limit, offset int) ([]store.Turn, error)
	GetTurn(ctx context.Context, id string) (*store.Turn, error)
	SearchSemantic(ctx context.Context, scope store.Scope, query string, k int, skip func(turnID string) bool) ([]store.SemanticHit, error)
}

// PinnedSource supplies pinned memory.
type PinnedSource interface {
	GetPinned(ctx context.Context, scope store.Scope) (string, error)
}

// Inbound is the message being answered. ID is the id of the persisted
// turn when known; otherwise the turn is recognized by sender,
// timestamp and body.
type Inbound struct {
	ID         string
	Chat       string
	ChatTitle  string
	Sender     string
	SenderName string
	Body       string
	ReplyTo    string
	CreatedAt  time.Time
	Private    bool
	// MentionsBot and ReplyToBot are set by the transport.
	MentionsBot bool
	ReplyToBot  bool
}

// matches reports whether t is the persisted form of in.
func (in Inbound) matches(t store.Turn) bool {
	if in.ID != "" {
		return t.ID == in.ID
	}
	return t.Chat == in.Chat &&
		t.Sender == in.Sender &&
		t.CreatedAt.Equal(in.CreatedAt) &&
		t.Body == in.Body
}

// Persona is the bot identity for one turn.
type Persona struct {
	BotName      string
	SystemPrompt string
}

// Prompt is an assembled model input.
type Prompt struct {
	Messages []llm.Message
	// Included lists the ids of the history turns in Messages, recalled
	// turns first.
	Included []string
	Recalled int
}

// AssemblerConfig configures an Assembler.
type AssemblerConfig struct {
	History HistorySource
	Pinned  PinnedSource
	// HistoryLimit is the number of recent turns included.
	HistoryLimit int
	// RecallK is the number of semantically recalled turns.
	RecallK int
	// PreviewChars bounds the quoted text of a replied-to message.
	PreviewChars int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Assembler is the Context Assembler.
type Assembler struct {
	history      HistorySource
	pinned       PinnedSource
	historyLimit int
	recallK      int
	previewChars int
	now          func() time.Time
	logger       *slog.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	preview := cfg.PreviewChars
	if preview <= 0 {
		preview = 80
	}
	return &Assembler{
		history:      cfg.History,
		pinned:       cfg.Pinned,
		historyLimit: cfg.HistoryLimit,
		recallK:      cfg.RecallK,
		previewChars: preview,
		now:          now,
		logger:       logger.With("component", "assembler"),
	}
}

// Assemble builds the prompt for in: the system prompt with its context
// block and pinned memory (chat, person, global, bot), recalled turns,
// the recent turns, and finally in itself. Every persisted turn appears
// at most once, and the current turn appears only as the final message.
func (a *Assembler) Assemble(ctx context.Context, in Inbound, p Persona) (*Prompt, error) {
	recent, err := a.recent(ctx, in)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(recent)+1)
	if in.ID != "" {
		seen[in.ID] = true
	}
	for _, t := range recent {
		seen[t.ID] = true
	}
	recalled := a.recall(ctx, in, seen)

	system := a.systemText(ctx, in, p)
	if len(recalled) > 0 {
		var b strings.Builder
		b.WriteString(system)
		b.WriteString("\n\nPossibly relevant earlier messages from this chat:")
		for _, t := range recalled {
			fmt.Fprintf(&b, "\n- %s", a.render(t, nil))
		}
		system = b.String()
	}

	prompt := &Prompt{Recalled: len(recalled)}
	prompt.Messages = append(prompt.Messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, t := range recalled {
		prompt.Included = append(prompt.Included, t.ID)
	}

	byID := make(map[string]store.Turn, len(recent))
	for _, t := range recent {
		byID[t.ID] = t
	}
	for _, t := range recent {
		switch t.Role {
		case store.RoleUser:
			prompt.Messages = append(prompt.Messages, llm.Message{Role: llm.RoleUser, Content: a.renderWithReply(ctx, t, byID)})
		case store.RoleAssistant:
			prompt.Messages = append(prompt.Messages, llm.Message{Role: llm.RoleAssistant, Content: t.Body})
		default:
			continue
		}
		prompt.Included = append(prompt.Included, t.ID)
	}

	current := store.Turn{
		ID:         in.ID,
		Chat:       in.Chat,
		Sender:     in.Sender,
		SenderName: in.SenderName,
		Role:       store.RoleUser,
		Body:       in.Body,
		ReplyTo:    in.ReplyTo,
		CreatedAt:  in.CreatedAt,
	}
	prompt.Messages = append(prompt.Messages, llm.Message{Role: llm.RoleUser, Content: a.renderWithReply(ctx, current, byID)})

	a.logger.Debug("prompt assembled",
		"chat", in.Chat,
		"recent", len(recent),
		"recalled", len(recalled),
		"messages", len(prompt.Messages),
	)
	return prompt, nil
}

// recent loads the last historyLimit turns other than the current one,
// in chronological order.
func (a *Assembler) recent(ctx context.Context, in Inbound) ([]store.Turn, error) {
	if a.historyLimit <= 0 {
		return nil, nil
	}
	// One extra row covers the current turn when it is already stored.
	limit := min(a.historyLimit+1, store.MaxRecentLimit)
	rows, err := a.history.ListRecentTurns(ctx, in.Chat, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("load recent turns: %w", err)
	}
	out := make([]store.Turn, 0, len(rows))
	for _, t := range rows {
		if in.matches(t) {
			continue
		}
		out = append(out, t)
	}
	if len(out) > a.historyLimit {
		out = out[len(out)-a.historyLimit:]
	}
	return out, nil
}

// recall returns up to recallK related turns not already in seen. A
// recall failure is logged and the prompt goes out without it.
func (a *Assembler) recall(ctx context.Context, in Inbound, seen map[string]bool) []store.Turn {
	if a.recallK <= 0 || strings.TrimSpace(in.Body) == "" {
		return nil
	}
	skip := func(id string) bool { return seen[id] }
	hits, err := a.history.SearchSemantic(ctx, store.ChatScope(in.Chat), in.Body, a.recallK, skip)
	if err != nil {
		a.logger.Warn("semantic recall failed", "chat", in.Chat, "error", err)
		return nil
	}
	var out []store.Turn
	for _, h := range hits {
		if seen[h.Turn.ID] || in.matches(h.Turn) {
			continue
		}
		seen[h.Turn.ID] = true
		out = append(out, h.Turn)
	}
	return out
}

// systemText renders the system prompt, the context block and the
// pinned memory sections.
func (a *Assembler) systemText(ctx context.Context, in Inbound, p Persona) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.SystemPrompt))

	chat := in.ChatTitle
	if chat == "" {
		if in.Private {
			chat = "Direct Message"
		} else {
			chat = "Chat#" + in.Chat
		}
	}
	user := in.SenderName
	if user == "" {
		user = in.Sender
	}
	fmt.Fprintf(&b, "\n\nContext:\n- Current time: %s\n- Bot name: %s\n- Chat: %s (id: %s)\n- Current user: %s (id: %s)\n- Available memory scopes: global, bot, %s, %s",
		a.now().UTC().Format(promptTimeLayout),
		p.BotName,
		chat, in.Chat,
		user, in.Sender,
		store.ChatScope(in.Chat), store.PersonScope(in.Sender),
	)

	sections := []struct {
		scope store.Scope
		title string
	}{
		{store.ChatScope(in.Chat), "Pinned memory for this chat"},
		{store.PersonScope(in.Sender), fmt.Sprintf("Pinned memory about the current user (%s)", user)},
		{store.ScopeGlobal, "Global pinned memory"},
		{store.ScopeBot, "Bot pinned memory"},
	}
	for _, s := range sections {
		text, err := a.pinned.GetPinned(ctx, s.scope)
		if err != nil {
			a.logger.Warn("failed to load pinned memory", "scope", s.scope, "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			fmt.Fprintf(&b, "\n\n%s:\n%s", s.title, text)
		}
	}
	return b.String()
}

// render formats a user turn with its sender and time.
func (a *Assembler) render(t store.Turn, replied *store.Turn) string {
	name := t.SenderName
	if name == "" {
		name = t.Sender
	}
	if t.Role == store.RoleAssistant {
		name = "you"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s at %s]", name, t.CreatedAt.UTC().Format(promptTimeLayout))
	if replied != nil {
		who := replied.SenderName
		if who == "" {
			who = string(replied.Role)
		}
		fmt.Fprintf(&b, " (replying to %s: %q)", who, preview(replied.Body, a.previewChars))
	}
	b.WriteString(": ")
	b.WriteString(t.Body)
	return b.String()
}

// renderWithReply renders t, quoting the message it replies to when
// that message can be found.
func (a *Assembler) renderWithReply(ctx context.Context, t store.Turn, byID map[string]store.Turn) string {
	if t.ReplyTo == "" {
		return a.render(t, nil)
	}
	if r, ok := byID[t.ReplyTo]; ok {
		return a.render(t, &r)
	}
	r, err := a.history.GetTurn(ctx, t.ReplyTo)
	if err != nil || r.Chat != t.Chat {
		return a.render(t, nil)
	}
	return a.render(t, r)
}

// preview keeps the first n characters of s, marking a cut with "...".
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}
