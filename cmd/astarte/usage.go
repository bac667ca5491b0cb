package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/astarte-agent/internal/store"
)

func newUsageCmd(opts *globalOptions) *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize recorded token usage by model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if hours <= 0 {
				return fmt.Errorf("--hours must be positive, got %d", hours)
			}
			return withStore(cmd, opts, func(st *store.Store) error {
				ctx := cmd.Context()
				end := time.Now()
				start := end.Add(-time.Duration(hours) * time.Hour)

				total, err := st.UsageTotal(ctx, start, end)
				if err != nil {
					return err
				}
				byModel, err := st.UsageByModel(ctx, start, end)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if opts.output == "json" {
					return writeJSON(out, map[string]any{"hours": hours, "total": total, "by_model": byModel})
				}

				models := make([]string, 0, len(byModel))
				for m := range byModel {
					models = append(models, m)
				}
				sort.Strings(models)

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "MODEL\tROUNDS\tINPUT\tOUTPUT")
				for _, m := range models {
					u := byModel[m]
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", m, u.Records, u.InputTokens, u.OutputTokens)
				}
				fmt.Fprintf(tw, "total\t%d\t%d\t%d\n", total.Records, total.InputTokens, total.OutputTokens)
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "report window in hours")
	return cmd
}
