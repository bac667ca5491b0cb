package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nugget/astarte-agent/internal/config"
	"github.com/nugget/astarte-agent/internal/mcp"
	"github.com/nugget/astarte-agent/internal/store"
)

// configOwner marks servers mirrored from the config file. Servers the
// model created at runtime carry another owner and are never touched by
// config sync.
const configOwner = "config"

// ServerStore is the subset of the store config sync writes to.
type ServerStore interface {
	GetServer(ctx context.Context, name string) (*store.Server, error)
	ListServers(ctx context.Context, enabledOnly bool) ([]store.Server, error)
	PutServer(ctx context.Context, srv store.Server) (string, error)
	DeleteServer(ctx context.Context, name string) error
}

func serverFromConfig(s config.MCPServerConfig) store.Server {
	transport := s.Transport
	if transport == "" {
		transport = config.InferTransport(s.Command, s.URL)
	}
	return store.Server{
		ServerSpec: mcp.ServerSpec{
			Name:      s.Name,
			Transport: transport,
			URL:       s.URL,
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			Headers:   s.Headers,
		},
		Description: s.Description,
		Enabled:     !s.Disabled,
		CreatedBy:   configOwner,
	}
}

// syncServers upserts every configured server and removes config-owned
// servers that are no longer in the file.
func syncServers(ctx context.Context, st ServerStore, servers []config.MCPServerConfig, logger *slog.Logger) error {
	want := make(map[string]bool, len(servers))
	for _, s := range servers {
		want[s.Name] = true
		kind, err := st.PutServer(ctx, serverFromConfig(s))
		if err != nil {
			return fmt.Errorf("sync server %s: %w", s.Name, err)
		}
		if kind != "" {
			logger.Debug("tool server synced from config", "server", s.Name, "change", kind)
		}
	}

	existing, err := st.ListServers(ctx, false)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	for _, srv := range existing {
		if srv.CreatedBy != configOwner || want[srv.Name] {
			continue
		}
		if err := st.DeleteServer(ctx, srv.Name); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("remove stale server %s: %w", srv.Name, err)
		}
		logger.Info("tool server removed from config", "server", srv.Name)
	}
	return nil
}

// applyServerChanges writes a config reload's server diff to the store.
// Each write publishes an event that invalidates the server's cached
// connection. Failures are logged and the remaining changes still
// apply.
func applyServerChanges(ctx context.Context, st ServerStore, changes []config.ServerChange, logger *slog.Logger) {
	for _, ch := range changes {
		name := ch.Server.Name
		switch ch.Kind {
		case config.ServerRemoved:
			cur, err := st.GetServer(ctx, name)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				logger.Warn("config reload: reading server failed", "server", name, "error", err)
				continue
			}
			if cur.CreatedBy != configOwner {
				continue
			}
			if err := st.DeleteServer(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
				logger.Warn("config reload: removing server failed", "server", name, "error", err)
				continue
			}
		default:
			if _, err := st.PutServer(ctx, serverFromConfig(ch.Server)); err != nil {
				logger.Warn("config reload: updating server failed", "server", name, "change", ch.Kind, "error", err)
				continue
			}
		}
		logger.Info("tool server changed by config reload", "server", name, "change", ch.Kind)
	}
}

func newServersCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List stored tool servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, logger, err := loadConfig(opts.configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			st, err := openStore(cfg, nil, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			if err := syncServers(ctx, st, cfg.MCP.Servers, logger); err != nil {
				return err
			}
			servers, err := st.ListServers(ctx, false)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return writeJSON(out, servers)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTRANSPORT\tENABLED\tOWNER\tTARGET")
			for _, s := range servers {
				target := s.URL
				if s.Transport == mcp.TransportStdio {
					target = s.Command
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", s.Name, s.Transport, s.Enabled, s.CreatedBy, target)
			}
			return tw.Flush()
		},
	}
}
