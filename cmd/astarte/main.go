// Astarte is a conversational agent runtime.
//
// It accepts chat messages over HTTP, assembles each prompt from stored
// history, pinned context and semantic recall, and drives an
// OpenAI-compatible model through a bounded tool loop. Tools are local
// (notes, memory, history search, page fetch, sandboxed Python) or
// remote on MCP servers. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	astarte serve                 Start the API server
//	astarte ask <message>         Send one message and print the reply
//	astarte reset <chat>          Clear a chat's history
//	astarte config list|get|set   Inspect or change runtime settings
//	astarte servers               List configured tool servers
//	astarte usage [--hours N]     Summarize recorded token usage
//	astarte version               Print version and build information
//	astarte -o json version       Output version information as JSON
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main builds the OS-level environment and hands off to [run] so the
// whole command tree can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// run executes the command line in args. Cancelling ctx shuts down a
// running server.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	output     string // "text" or "json"
}

func (o *globalOptions) validate() error {
	if o.output != "text" && o.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", o.output)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "astarte",
		Short:         "Astarte - conversational agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return opts.validate()
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default: auto-discover)")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newResetCmd(opts),
		newConfigCmd(opts),
		newServersCmd(opts),
		newUsageCmd(opts),
		newVersionCmd(opts),
	)

	return rootCmd
}
