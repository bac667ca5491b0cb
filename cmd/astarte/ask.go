package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/astarte-agent/internal/agent"
)

func newAskCmd(opts *globalOptions) *cobra.Command {
	var chat, sender string

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message as a private chat and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Logs go to stderr so stdout carries only the reply.
			cfg, _, logger, err := loadConfig(opts.configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			reply, err := rt.engine.Handle(ctx, agent.Inbound{
				Chat:    chat,
				Sender:  sender,
				Body:    strings.Join(args, " "),
				Private: true,
			})
			if err != nil {
				return err
			}
			return writeReply(cmd.OutOrStdout(), opts.output, reply)
		},
	}
	cmd.Flags().StringVar(&chat, "chat", "cli", "chat id the message belongs to")
	cmd.Flags().StringVar(&sender, "sender", "cli", "sender id of the message")
	return cmd
}

func writeReply(w io.Writer, outputFmt string, reply *agent.Reply) error {
	if outputFmt == "json" {
		return writeJSON(w, reply)
	}
	if !reply.Responded {
		fmt.Fprintf(w, "(no reply: %s)\n", reply.Outcome)
		return nil
	}
	fmt.Fprintln(w, reply.Text)
	return nil
}

func newResetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <chat>",
		Short: "Delete a chat's history and its recall entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, logger, err := loadConfig(opts.configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.engine.Reset(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.output == "json" {
				return writeJSON(out, res)
			}
			fmt.Fprintf(out, "Removed %d turns and %d index entries from chat %s.\n", res.Turns, res.IndexEntries, args[0])
			return nil
		},
	}
}
