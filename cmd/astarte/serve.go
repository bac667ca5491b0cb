package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/astarte-agent/internal/api"
	"github.com/nugget/astarte-agent/internal/buildinfo"
	"github.com/nugget/astarte-agent/internal/config"
	"github.com/nugget/astarte-agent/internal/connwatch"
)

// indexGCInterval is how often the recall index reclaims value log
// space.
const indexGCInterval = 10 * time.Minute

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, opts)
		},
	}
}

func runServe(ctx context.Context, cmd *cobra.Command, opts *globalOptions) error {
	cfg, cfgPath, logger, err := loadConfig(opts.configPath, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	logger.Info("starting Astarte", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.LLM.Model,
		"llm_url", cfg.LLM.BaseURL,
		"tool_servers", len(cfg.MCP.Servers),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("closing storage failed", "error", err)
		}
	}()

	go rt.index.RunGC(ctx, indexGCInterval)

	// --- Connection resilience ---
	// Background health probes for the model and embedding backends.
	// They feed /healthz and log transitions; turns never wait on them.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, "llm", rt.llm.Ping, connwatch.DefaultSchedule(), nil)
	if rt.embedder != nil {
		connMgr.Watch(ctx, "embeddings", rt.embedder.Ping, connwatch.DefaultSchedule(), nil)
	}

	// --- Config reload ---
	// Tool server edits in the config file take effect without a
	// restart. Other settings are read once at startup.
	watcher, err := config.NewWatcher(cfgPath, cfg, func(prev, next *config.Config) {
		changes := config.DiffServers(prev.MCP.Servers, next.MCP.Servers)
		if len(changes) == 0 {
			return
		}
		applyServerChanges(ctx, rt.gateway, changes, logger)
	}, logger)
	if err != nil {
		logger.Warn("config watching unavailable", "path", cfgPath, "error", err)
	} else {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	// --- API server ---
	server := api.NewServer(api.Config{
		Address: cfg.Listen.Address,
		Port:    cfg.Listen.Port,
		Engine:  rt.engine,
		History: rt.gateway,
		Servers: rt.servers,
		Health:  connMgr,
		Usage:   rt.gateway,
		Bus:     rt.bus,
		Logger:  logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("api server shutdown failed", "error", err)
	}
	if err := <-errCh; err != nil {
		logger.Warn("api server stopped with error", "error", err)
	}
	logger.Info("shutdown complete", "uptime", buildinfo.Uptime())
	return nil
}
