package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/store"
)

// MaxBrowseLimit bounds browse_history pages.
const MaxBrowseLimit = 50

// HistoryStore is the slice of the storage gateway used by the history
// tools.
type HistoryStore interface {
	ListRecentTurns(ctx context.Context, chat string, limit, offset int) ([]store.Turn, error)
	CountTurns(ctx context.Context, chat string) (int, error)
	SearchTurns(ctx context.Context, q store.TurnQuery) ([]store.Turn, error)
	SearchSemantic(ctx context.Context, scope store.Scope, query string, k int, skip func(turnID string) bool) ([]store.SemanticHit, error)
}

type searchHistoryArgs struct {
	Keyword  string `json:"keyword"`
	Sender   string `json:"sender"`
	DateFrom string `json:"date_from"`
	DateTo   string `json:"date_to"`
	Limit    int    `json:"limit" validate:"gte=0,lte=100"`
	Offset   int    `json:"offset" validate:"gte=0,lte=1000000"`
}

type browseHistoryArgs struct {
	Limit  int `json:"limit" validate:"gte=0,lte=50"`
	Offset int `json:"offset" validate:"gte=0,lte=1000000"`
}

type ragSearchArgs struct {
	Query string `json:"query" validate:"required"`
	Limit int    `json:"limit" validate:"gte=0,lte=50"`
}

// historyMessage is the shape of a turn shown to the model.
type historyMessage struct {
	ID     string  `json:"id"`
	Chat   string  `json:"chat,omitempty"`
	Sender string  `json:"sender"`
	Role   string  `json:"role"`
	Body   string  `json:"body"`
	Time   string  `json:"time"`
	Score  float32 `json:"score,omitempty"`
}

func toMessage(t store.Turn, withChat bool) historyMessage {
	m := historyMessage{
		ID:     t.ID,
		Sender: t.SenderName,
		Role:   string(t.Role),
		Body:   t.Body,
		Time:   t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if m.Sender == "" {
		m.Sender = t.Sender
	}
	if withChat {
		m.Chat = t.Chat
	}
	return m
}

// parseDate accepts YYYY-MM-DD or RFC 3339. A bare date used as an
// upper bound covers the whole day.
func parseDate(field, s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, apperr.Invalid(field, "%q must be YYYY-MM-DD or RFC 3339", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func (in searchHistoryArgs) query(chat string) (store.TurnQuery, error) {
	since, err := parseDate("date_from", in.DateFrom, false)
	if err != nil {
		return store.TurnQuery{}, err
	}
	until, err := parseDate("date_to", in.DateTo, true)
	if err != nil {
		return store.TurnQuery{}, err
	}
	return store.TurnQuery{
		Chat:    chat,
		Keyword: strings.TrimSpace(in.Keyword),
		Sender:  strings.TrimSpace(in.Sender),
		Since:   since,
		Until:   until,
		Limit:   in.Limit,
		Offset:  in.Offset,
	}, nil
}

func searchResult(turns []store.Turn, in searchHistoryArgs, withChat bool) (string, error) {
	if len(turns) == 0 {
		return "No matching messages.", nil
	}
	msgs := make([]historyMessage, len(turns))
	for i, t := range turns {
		msgs[i] = toMessage(t, withChat)
	}
	return jsonResult(map[string]any{"count": len(msgs), "offset": in.Offset, "messages": msgs})
}

// RegisterHistoryTools adds search_history, browse_history,
// search_all_chats and rag_search.
func RegisterHistoryTools(r *Registry, history HistoryStore) {
	searchProps := map[string]any{
		"keyword":   prop("string", "Text the message must contain."),
		"sender":    prop("string", "Sender id or part of the display name."),
		"date_from": prop("string", "Earliest date, YYYY-MM-DD or RFC 3339."),
		"date_to":   prop("string", "Latest date, YYYY-MM-DD (inclusive) or RFC 3339."),
		"limit":     prop("integer", "Maximum results (1-100, default 20)."),
		"offset":    prop("integer", "Matches to skip, for paging (default 0)."),
	}

	r.Register(&Tool{
		Name:        "search_history",
		Description: "Search this chat's message history by keyword, sender or date range. Newest first.",
		Parameters:  schema(searchProps),
		Handler: Typed(func(ctx context.Context, in searchHistoryArgs) (string, error) {
			call := CallFrom(ctx)
			if call.Chat == "" {
				return "", apperr.Invalid("chat", "no current chat")
			}
			q, err := in.query(call.Chat)
			if err != nil {
				return "", err
			}
			turns, err := history.SearchTurns(ctx, q)
			if err != nil {
				return "", err
			}
			return searchResult(turns, in, false)
		}),
	})

	r.Register(&Tool{
		Name:        "search_all_chats",
		Description: "Search message history across every chat. At least one of keyword, sender, date_from or date_to is required.",
		Parameters:  schema(searchProps),
		Handler: Typed(func(ctx context.Context, in searchHistoryArgs) (string, error) {
			q, err := in.query("")
			if err != nil {
				return "", err
			}
			if q.Keyword == "" && q.Sender == "" && q.Since.IsZero() && q.Until.IsZero() {
				return "", apperr.Invalid("arguments", "at least one of keyword, sender, date_from or date_to is required")
			}
			turns, err := history.SearchTurns(ctx, q)
			if err != nil {
				return "", err
			}
			return searchResult(turns, in, true)
		}),
	})

	r.Register(&Tool{
		Name:        "browse_history",
		Description: "Page backwards through this chat. offset 0 is the most recent page; use next_offset to go further back.",
		Parameters: schema(map[string]any{
			"limit":  prop("integer", fmt.Sprintf("Messages per page (1-%d, default 20).", MaxBrowseLimit)),
			"offset": prop("integer", "Most recent messages to skip."),
		}),
		Handler: Typed(func(ctx context.Context, in browseHistoryArgs) (string, error) {
			call := CallFrom(ctx)
			if call.Chat == "" {
				return "", apperr.Invalid("chat", "no current chat")
			}
			limit := in.Limit
			if limit == 0 {
				limit = store.DefaultSearchLimit
			}
			total, err := history.CountTurns(ctx, call.Chat)
			if err != nil {
				return "", err
			}
			turns, err := history.ListRecentTurns(ctx, call.Chat, limit, in.Offset)
			if err != nil {
				return "", err
			}
			msgs := make([]historyMessage, len(turns))
			for i, t := range turns {
				msgs[i] = toMessage(t, false)
			}
			out := map[string]any{"total": total, "offset": in.Offset, "messages": msgs}
			if next := in.Offset + len(turns); len(turns) == limit && next < total {
				out["next_offset"] = next
			}
			return jsonResult(out)
		}),
	})

	r.Register(&Tool{
		Name:        "rag_search",
		Description: "Find past messages in this chat that are semantically related to a query, even without shared keywords.",
		Parameters: schema(map[string]any{
			"query": prop("string", "What to look for."),
			"limit": prop("integer", "Maximum results (1-50, default 10)."),
		}, "query"),
		Handler: Typed(func(ctx context.Context, in ragSearchArgs) (string, error) {
			call := CallFrom(ctx)
			if call.Chat == "" {
				return "", apperr.Invalid("chat", "no current chat")
			}
			k := in.Limit
			if k == 0 {
				k = 10
			}
			skip := func(id string) bool { return id == call.TurnID }
			hits, err := history.SearchSemantic(ctx, store.ChatScope(call.Chat), in.Query, k, skip)
			if err != nil {
				return "", err
			}
			if len(hits) == 0 {
				return "No related messages found.", nil
			}
			msgs := make([]historyMessage, len(hits))
			for i, h := range hits {
				msgs[i] = toMessage(h.Turn, false)
				msgs[i].Score = h.Score
			}
			return jsonResult(map[string]any{"count": len(msgs), "messages": msgs})
		}),
	})
}
