package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/time/rate"

	"github.com/nugget/astarte-agent/internal/agent"
	"github.com/nugget/astarte-agent/internal/config"
	"github.com/nugget/astarte-agent/internal/dispatch"
	"github.com/nugget/astarte-agent/internal/embeddings"
	"github.com/nugget/astarte-agent/internal/events"
	"github.com/nugget/astarte-agent/internal/fetch"
	"github.com/nugget/astarte-agent/internal/llm"
	"github.com/nugget/astarte-agent/internal/recall"
	"github.com/nugget/astarte-agent/internal/sandbox"
	"github.com/nugget/astarte-agent/internal/store"
	"github.com/nugget/astarte-agent/internal/toolcache"
	"github.com/nugget/astarte-agent/internal/tools"
)

// fallbackEmbeddingDims sizes the hash embedder used when no embedding
// service is configured.
const fallbackEmbeddingDims = 256

// loadConfig locates and parses the config file and builds the logger
// it asks for.
func loadConfig(explicit string, logOut io.Writer) (*config.Config, string, *slog.Logger, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", nil, fmt.Errorf("load config %s: %w", path, err)
	}
	logger, err := config.NewLogger(logOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, "", nil, err
	}
	return cfg, path, logger, nil
}

// openStore opens only the relational store. Commands that never run a
// turn use it instead of the full runtime.
func openStore(cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*store.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	st, err := store.Open(cfg.DBPath(), bus, logger)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DBPath(), err)
	}
	return st, nil
}

// runtime is every component a turn needs, wired together.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	gateway  *store.Gateway
	index    *recall.Index
	servers  *toolcache.Cache
	sessions *sandbox.Manager
	llm      *llm.OpenAIClient
	embedder *embeddings.Client // nil when embeddings are disabled
	engine   *agent.Engine
}

// newRuntime opens storage and builds the tool and turn pipeline. The
// caller must Close the result.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, bus: events.New()}

	// --- Storage gateway ---
	// Turns, memory, notes, tool servers and the audit log live in
	// SQLite; the semantic index of turn bodies lives in BadgerDB next
	// to it.
	st, err := openStore(cfg, rt.bus, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("database opened", "path", cfg.DBPath())

	var embedder embeddings.Embedder = embeddings.HashEmbedder{Dims: fallbackEmbeddingDims}
	if cfg.Embeddings.Enabled {
		rt.embedder = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
		embedder = rt.embedder
		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model, "url", cfg.Embeddings.BaseURL)
	} else {
		logger.Info("embeddings disabled, using lexical hash vectors for recall")
	}

	rt.index, err = recall.Open(recall.Config{Path: cfg.IndexPath(), Logger: logger}, embedder)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open recall index %s: %w", cfg.IndexPath(), err)
	}
	rt.gateway = store.NewGateway(st, rt.index, logger)

	// --- Tool servers ---
	// Servers from the config file are mirrored into the store, which
	// is the single source the connection cache reads from.
	if err := syncServers(ctx, st, cfg.MCP.Servers, logger); err != nil {
		rt.gateway.Close()
		return nil, err
	}
	rt.servers = toolcache.New(toolcache.Config{
		Source:         st,
		Bus:            rt.bus,
		Cooldown:       cfg.MCP.Cooldown,
		ConnectTimeout: cfg.MCP.ConnectTimeout,
		Logger:         logger,
	})

	// --- Local tools ---
	rt.sessions = sandbox.NewManager(cfg.Sandbox.Root, rt.bus, logger)
	runner := sandbox.NewRunner(sandbox.RunnerConfig{
		Bwrap:          cfg.Sandbox.Bwrap,
		Python:         cfg.Sandbox.Python,
		DefaultTimeout: cfg.Sandbox.DefaultTimeout,
		MaxTimeout:     cfg.Sandbox.MaxTimeout,
		MaxOutput:      cfg.Sandbox.MaxOutput,
		Logger:         logger,
	})
	fetcher := fetch.New(fetch.Config{Logger: logger})

	registry := tools.NewRegistry()
	tools.RegisterHistoryTools(registry, rt.gateway)
	tools.RegisterMemoryTools(registry, rt.gateway)
	tools.RegisterNoteTools(registry, rt.gateway)
	tools.RegisterFetchTool(registry, fetcher)
	tools.RegisterHTTPTool(registry, fetcher)
	tools.RegisterPythonTool(registry, rt.sessions, runner)
	tools.RegisterMCPTools(registry, st, rt.servers)
	logger.Info("local tools registered", "count", len(registry.Names()))

	dispatcher := dispatch.New(dispatch.Config{
		Local:       registry,
		Remote:      rt.servers,
		Audit:       st,
		Bus:         rt.bus,
		CallTimeout: cfg.Tools.CallTimeout,
		MaxOutput:   cfg.Sandbox.MaxOutput,
		Logger:      logger,
	})

	// --- LLM client ---
	rt.llm = llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.LLM.Timeout,
	}, logger)

	var limiter *rate.Limiter
	if cfg.LLM.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.LLM.RequestsPerSecond), cfg.LLM.Burst)
	}

	// --- Turn engine ---
	supervisor := agent.NewSupervisor(agent.SupervisorConfig{
		Client:    rt.llm,
		Tools:     dispatcher,
		Model:     cfg.LLM.Model,
		MaxRounds: cfg.LLM.MaxToolRounds,
		Retry: agent.RetryPolicy{
			Attempts:  cfg.LLM.Retry.Attempts,
			BaseDelay: cfg.LLM.Retry.BaseDelay,
			MaxDelay:  cfg.LLM.Retry.MaxDelay,
		},
		Limiter: limiter,
		Usage:   st,
		Bus:     rt.bus,
		Logger:  logger,
	})
	assembler := agent.NewAssembler(agent.AssemblerConfig{
		History:      rt.gateway,
		Pinned:       rt.gateway,
		HistoryLimit: cfg.Context.HistoryLimit,
		RecallK:      cfg.Context.RecallK,
		PreviewChars: cfg.Context.ReplyPreviewChars,
		Logger:       logger,
	})
	rt.engine = agent.NewEngine(agent.EngineConfig{
		Gateway:      rt.gateway,
		Assembler:    assembler,
		Runner:       supervisor,
		BotName:      cfg.BotName,
		SystemPrompt: cfg.SystemPrompt,
		Bus:          rt.bus,
		Logger:       logger,
	})

	return rt, nil
}

// Close releases tool server connections and storage.
func (rt *runtime) Close() error {
	if err := rt.servers.Close(); err != nil {
		rt.logger.Warn("closing tool servers failed", "error", err)
	}
	return rt.gateway.Close()
}
