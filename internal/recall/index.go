// Package recall stores semantic index entries for conversation turns
// in BadgerDB and answers top-k similarity queries within a scope.
//
// Keys are "e\x00{scope}\x00{turn id}" so every entry of a scope shares
// a prefix and purging a chat is one prefix scan.
package recall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nugget/astarte-agent/internal/embeddings"
)

// Entry is one indexed turn.
type Entry struct {
	TurnID    string    `json:"turn_id"`
	Scope     string    `json:"scope"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
	CreatedAt time.Time `json:"created_at"`
}

// Hit is an Entry with its similarity to the query.
type Hit struct {
	Entry
	Score float32
}

// Config holds configuration for an Index.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory.
	Path string
	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool
	// SyncWrites fsyncs every write.
	SyncWrites bool
	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Index is the semantic recall store. Safe for concurrent use.
type Index struct {
	db       *badger.DB
	embedder embeddings.Embedder
	logger   *slog.Logger
}

// Open opens or creates an index.
func Open(cfg Config, embedder embeddings.Embedder) (*Index, error) {
	if embedder == nil {
		return nil, errors.New("recall: embedder is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("recall: path is required for a persistent index")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create index directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open recall index: %w", err)
	}
	return &Index{db: db, embedder: embedder, logger: logger.With("component", "recall")}, nil
}

// Close releases the database.
func (x *Index) Close() error {
	return x.db.Close()
}

func scopePrefix(scope string) []byte {
	return []byte("e\x00" + scope + "\x00")
}

func entryKey(scope, turnID string) []byte {
	return append(scopePrefix(scope), turnID...)
}

// Add embeds text and stores it as the entry for turnID.
func (x *Index) Add(ctx context.Context, scope, turnID, text string, at time.Time) error {
	vec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed turn %s: %w", turnID, err)
	}
	return x.Put(Entry{TurnID: turnID, Scope: scope, Text: text, Embedding: vec, CreatedAt: at})
}

// Put stores a precomputed entry, replacing any entry for the same turn.
func (x *Index) Put(e Entry) error {
	if e.Scope == "" || e.TurnID == "" {
		return errors.New("recall: entry needs scope and turn id")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return x.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.Scope, e.TurnID), data)
	})
}

// Search returns up to k entries in scope most similar to query, best
// first. Entries for which skip returns true are never returned and do
// not count toward k.
func (x *Index) Search(ctx context.Context, scope, query string, k int, skip func(turnID string) bool) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	qvec, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var candidates []Entry
	err = x.scan(scope, func(e Entry) error {
		if skip != nil && skip(e.TurnID) {
			return nil
		}
		candidates = append(candidates, e)
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(candidates))
	for i, c := range candidates {
		vectors[i] = c.Embedding
	}
	idx := embeddings.TopK(qvec, vectors, k)

	hits := make([]Hit, 0, len(idx))
	for _, i := range idx {
		hits = append(hits, Hit{
			Entry: candidates[i],
			Score: embeddings.CosineSimilarity(qvec, candidates[i].Embedding),
		})
	}
	return hits, nil
}

// scan calls fn for every entry in scope.
func (x *Index) scan(scope string, fn func(Entry) error) error {
	prefix := scopePrefix(scope)
	return x.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decode entry %q: %w", it.Item().Key(), err)
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of entries in scope.
func (x *Index) Count(scope string) (int, error) {
	keys, err := x.keys(scope)
	return len(keys), err
}

// keys lists every key in scope without loading values.
func (x *Index) keys(scope string) ([][]byte, error) {
	var keys [][]byte
	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := scopePrefix(scope)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

// DeleteScope removes every entry in scope and returns how many were
// deleted.
func (x *Index) DeleteScope(scope string) (int, error) {
	keys, err := x.keys(scope)
	if err != nil {
		return 0, fmt.Errorf("list scope %s: %w", scope, err)
	}
	wb := x.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("delete scope %s: %w", scope, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("delete scope %s: %w", scope, err)
	}
	if len(keys) > 0 {
		x.logger.Debug("deleted index entries", "scope", scope, "count", len(keys))
	}
	return len(keys), nil
}

// DeleteTurns removes the entries for specific turns in scope.
func (x *Index) DeleteTurns(scope string, turnIDs []string) error {
	wb := x.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range turnIDs {
		if err := wb.Delete(entryKey(scope, id)); err != nil {
			return fmt.Errorf("delete entry %s: %w", id, err)
		}
	}
	return wb.Flush()
}

// RunGC runs value log garbage collection every interval until ctx is
// cancelled. In-memory indexes have no value log and return at once.
func (x *Index) RunGC(ctx context.Context, interval time.Duration) {
	if x.db.Opts().InMemory || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for x.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}
