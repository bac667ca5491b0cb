package main

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/astarte-agent/internal/store"
)

// runtimeKeys are the settings the turn engine reads from the store on
// every message. They override the config file without a restart.
var runtimeKeys = []string{
	store.ConfigBotName,
	store.ConfigSystemPrompt,
	store.ConfigTriggerKeywords,
}

func checkRuntimeKey(key string) error {
	if !slices.Contains(runtimeKeys, key) {
		return fmt.Errorf("unknown setting %q (expected one of %s)", key, strings.Join(runtimeKeys, ", "))
	}
	return nil
}

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or change runtime settings stored in the database",
	}
	cmd.AddCommand(
		newConfigListCmd(opts),
		newConfigGetCmd(opts),
		newConfigSetCmd(opts),
		newConfigUnsetCmd(opts),
	)
	return cmd
}

// withStore loads the config, opens the store and runs fn against it.
func withStore(cmd *cobra.Command, opts *globalOptions, fn func(*store.Store) error) error {
	cfg, _, logger, err := loadConfig(opts.configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	st, err := openStore(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func newConfigListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(st *store.Store) error {
				values, err := st.ListConfigValues(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.output == "json" {
					return writeJSON(out, values)
				}
				keys := make([]string, 0, len(values))
				for k := range values {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "%s=%s\n", k, values[k])
				}
				return nil
			})
		},
	}
}

func newConfigGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one stored setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkRuntimeKey(args[0]); err != nil {
				return err
			}
			return withStore(cmd, opts, func(st *store.Store) error {
				value, err := st.GetConfigValue(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.output == "json" {
					return writeJSON(out, map[string]string{args[0]: value})
				}
				fmt.Fprintln(out, value)
				return nil
			})
		},
	}
}

func newConfigSetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkRuntimeKey(args[0]); err != nil {
				return err
			}
			return withStore(cmd, opts, func(st *store.Store) error {
				return st.SetConfigValue(cmd.Context(), args[0], args[1])
			})
		},
	}
}

func newConfigUnsetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a stored setting so the config file value applies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkRuntimeKey(args[0]); err != nil {
				return err
			}
			return withStore(cmd, opts, func(st *store.Store) error {
				return st.DeleteConfigValue(cmd.Context(), args[0])
			})
		},
	}
}
