package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/recall"
)

// Gateway is the Storage Gateway: the relational Store plus the
// semantic recall index derived from its turns.
type Gateway struct {
	*Store
	index  *recall.Index
	logger *slog.Logger
}

// NewGateway couples store and index. A nil index disables semantic
// recall.
func NewGateway(store *Store, index *recall.Index, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{Store: store, index: index, logger: logger.With("component", "gateway")}
}

// AppendTurn persists t and indexes its body under the chat scope.
// Indexing failures are logged; the turn itself is already durable.
func (g *Gateway) AppendTurn(ctx context.Context, t *Turn) error {
	if err := g.Store.AppendTurn(ctx, t); err != nil {
		return err
	}
	if g.index == nil || t.Role == RoleTool || strings.TrimSpace(t.Body) == "" {
		return nil
	}
	if err := g.index.Add(ctx, ChatScope(t.Chat).String(), t.ID, t.Body, t.CreatedAt); err != nil {
		g.logger.Warn("failed to index turn", "turn_id", t.ID, "chat", t.Chat, "error", err)
	}
	return nil
}

// PurgeResult reports what PurgeChat removed.
type PurgeResult struct {
	Turns        int `json:"turns"`
	IndexEntries int `json:"index_entries"`
}

// PurgeChat deletes every turn of chat together with its semantic
// index entries. Entries go first: if the process dies between the two
// steps, rows without entries remain, never entries without rows. A
// second sweep after the row delete catches entries written by an
// index call that raced the purge.
func (g *Gateway) PurgeChat(ctx context.Context, chat string) (PurgeResult, error) {
	var res PurgeResult
	if err := ValidateID("chat", chat); err != nil {
		return res, err
	}
	scope := ChatScope(chat).String()

	if g.index != nil {
		n, err := g.index.DeleteScope(scope)
		if err != nil {
			return res, fmt.Errorf("purge index for chat %s: %w", chat, err)
		}
		res.IndexEntries = n
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin purge: %w", err)
	}
	n, err := deleteChatTurns(ctx, tx, chat)
	if err != nil {
		tx.Rollback()
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit purge: %w", err)
	}
	res.Turns = n

	if g.index != nil {
		late, err := g.index.DeleteScope(scope)
		if err != nil {
			return res, fmt.Errorf("sweep index for chat %s: %w", chat, err)
		}
		res.IndexEntries += late
	}

	g.logger.Info("chat purged", "chat", chat, "turns", res.Turns, "index_entries", res.IndexEntries)
	return res, nil
}

// SemanticHit is a recalled turn with its similarity score.
type SemanticHit struct {
	Turn  Turn    `json:"turn"`
	Score float32 `json:"score"`
}

// SearchSemantic returns up to k turns in scope most similar to query.
// Turns for which skip returns true are excluded without counting
// toward k. Index entries whose turn no longer exists are never
// returned and are deleted on sight.
func (g *Gateway) SearchSemantic(ctx context.Context, scope Scope, query string, k int, skip func(turnID string) bool) ([]SemanticHit, error) {
	if k < 0 {
		return nil, apperr.Invalid("k", "must not be negative, got %d", k)
	}
	if k > MaxSearchLimit {
		return nil, apperr.Invalid("k", "must be at most %d, got %d", MaxSearchLimit, k)
	}
	if k == 0 || g.index == nil || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	orphaned := make(map[string]bool)
	skipAll := func(id string) bool {
		return orphaned[id] || (skip != nil && skip(id))
	}

	// A second pass refills the slots taken by orphans.
	var out []SemanticHit
	for range 2 {
		hits, stale, err := g.lookupHits(ctx, scope, query, k, skipAll)
		if err != nil {
			return nil, err
		}
		out = hits
		if len(stale) == 0 {
			break
		}
		g.logger.Warn("removing orphaned index entries", "scope", scope, "count", len(stale))
		for _, id := range stale {
			orphaned[id] = true
		}
		if err := g.index.DeleteTurns(scope.String(), stale); err != nil {
			g.logger.Warn("failed to remove orphaned index entries", "scope", scope, "error", err)
		}
	}
	return out, nil
}

// lookupHits runs one index search and splits the hits into live turns
// and ids whose turn is gone.
func (g *Gateway) lookupHits(ctx context.Context, scope Scope, query string, k int, skip func(string) bool) ([]SemanticHit, []string, error) {
	hits, err := g.index.Search(ctx, scope.String(), query, k, skip)
	if err != nil {
		return nil, nil, fmt.Errorf("semantic search: %w", err)
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.TurnID
	}
	turns, err := g.GetTurns(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	var out []SemanticHit
	var stale []string
	for _, h := range hits {
		t, ok := turns[h.TurnID]
		if !ok {
			stale = append(stale, h.TurnID)
			continue
		}
		out = append(out, SemanticHit{Turn: t, Score: h.Score})
	}
	return out, stale, nil
}

// Close closes the index and the database.
func (g *Gateway) Close() error {
	var idxErr error
	if g.index != nil {
		idxErr = g.index.Close()
	}
	if err := g.Store.Close(); err != nil {
		return err
	}
	return idxErr
}
