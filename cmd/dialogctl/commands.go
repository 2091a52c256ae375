package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"parley.app/dialog/internal/service"
)

type adminFactory func(ctx context.Context) (service.AdminService, func(), error)

func newRootCmd(connect adminFactory) *cobra.Command {
	root := &cobra.Command{
		Use:           "dialogctl",
		Short:         "Operate dialog conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(unlockCmd(connect))
	root.AddCommand(sweepCmd(connect))
	root.AddCommand(processCmd(connect))
	return root
}

func unlockCmd(connect adminFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <conversation-id>",
		Short: "Force-clear a conversation lock and restart its timers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			return withAdmin(cmd.Context(), connect, func(ctx context.Context, admin service.AdminService) error {
				res, err := admin.ForceUnlock(ctx, conversationID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func sweepCmd(connect adminFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one recovery sweep for unanswered messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), connect, func(ctx context.Context, admin service.AdminService) error {
				res, err := admin.RunSweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func processCmd(connect adminFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "process <conversation-id>",
		Short: "Run one orchestrator pass for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID, err := parseConversationID(args[0])
			if err != nil {
				return err
			}
			return withAdmin(cmd.Context(), connect, func(ctx context.Context, admin service.AdminService) error {
				res, err := admin.RunOrchestrator(ctx, conversationID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func withAdmin(ctx context.Context, connect adminFactory, fn func(ctx context.Context, admin service.AdminService) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	admin, closeFn, err := connect(ctx)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}
	return fn(ctx, admin)
}

func parseConversationID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", arg)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
