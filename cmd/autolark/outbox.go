package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/katadavidxd/autolark/internal/intent"
	"github.com/katadavidxd/autolark/internal/types"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and retry the event queue",
}

var (
	outboxStatus string
	outboxLimit  int
)

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outbox events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			events, err := svc.ListOutbox(ctx, types.EventStatus(outboxStatus), outboxLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(events)
			}
			rows := make([][]string, 0, len(events))
			for _, e := range events {
				rows = append(rows, []string{
					e.ID,
					string(e.Kind),
					string(e.Status),
					fmt.Sprintf("%d/%d", e.Attempts, e.MaxAttempts),
					e.NotBefore.Format(time.RFC3339),
					e.LastError,
				})
			}
			table([]string{"ID", "KIND", "STATUS", "ATTEMPTS", "NOT BEFORE", "LAST ERROR"}, rows)
			return nil
		})
	},
}

var retryDead bool

var outboxRetryCmd = &cobra.Command{
	Use:   "retry [event-id]",
	Short: "Requeue failed events (dead letters need --dead)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			if len(args) == 1 {
				return svc.RetryOutboxEvent(ctx, args[0], retryDead)
			}
			n, err := svc.RetryFailedOutbox(ctx, retryDead)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]int{"requeued": n})
			}
			fmt.Printf("requeued %d events\n", n)
			return nil
		})
	},
}

func init() {
	outboxListCmd.Flags().StringVar(&outboxStatus, "status", "", "pending|processing|sent|failed|dead (all when empty)")
	outboxListCmd.Flags().IntVar(&outboxLimit, "limit", 50, "max rows")

	outboxRetryCmd.Flags().BoolVar(&retryDead, "dead", false, "also revive dead-lettered events")

	outboxCmd.AddCommand(outboxListCmd, outboxRetryCmd)
	rootCmd.AddCommand(outboxCmd)
}
