package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/katadavidxd/autolark/internal/intent"
)

var (
	auditSubject string
	auditLimit   int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the sync audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			entries, err := svc.ListAudit(ctx, auditSubject, auditLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.CreatedAt.Format(time.RFC3339),
					string(e.Direction),
					e.Subject,
					e.SubjectID,
					e.Status,
					e.Message,
				})
			}
			table([]string{"TIME", "DIR", "SUBJECT", "ID", "STATUS", "MESSAGE"}, rows)
			return nil
		})
	},
}

func init() {
	auditListCmd.Flags().StringVar(&auditSubject, "subject", "", "filter by subject id (task, member, event)")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "max rows")

	auditCmd.AddCommand(auditListCmd)
	rootCmd.AddCommand(auditCmd)
}
