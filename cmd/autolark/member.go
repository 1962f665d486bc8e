package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/katadavidxd/autolark/internal/intent"
	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Manage team members",
}

var (
	memberEmail  string
	memberGitHub string
	memberOpenID string
	memberRole   string
)

var memberAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a member (email must be unique)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			id, err := svc.AddMember(ctx, intent.AddMemberParams{
				Name:           args[0],
				Email:          memberEmail,
				GitHubUsername: memberGitHub,
				LarkOpenID:     memberOpenID,
				Role:           types.Role(memberRole),
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]string{"member_id": id})
			}
			fmt.Println(id)
			return nil
		})
	},
}

var memberAll bool

var memberListCmd = &cobra.Command{
	Use:   "list",
	Short: "List members (active only unless --all)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			filter := storage.MemberFilter{Status: types.MemberActive}
			if memberAll {
				filter.Status = ""
			}
			members, err := svc.ListMembers(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(members)
			}
			rows := make([][]string, 0, len(members))
			for _, m := range members {
				rows = append(rows, []string{
					m.ID, m.Name, m.Email, m.GitHubUsername, string(m.Role), string(m.Status),
				})
			}
			table([]string{"ID", "NAME", "EMAIL", "GITHUB", "ROLE", "STATUS"}, rows)
			return nil
		})
	},
}

var memberDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id-or-email>",
	Short: "Deactivate a member (the row is kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			return svc.DeactivateMember(ctx, args[0])
		})
	},
}

func init() {
	memberAddCmd.Flags().StringVar(&memberEmail, "email", "", "member email (required)")
	memberAddCmd.Flags().StringVar(&memberGitHub, "github", "", "GitHub username")
	memberAddCmd.Flags().StringVar(&memberOpenID, "lark-open-id", "", "Lark open id (resolved from email when empty)")
	memberAddCmd.Flags().StringVar(&memberRole, "role", "developer", "admin|manager|developer|designer|qa|member")
	_ = memberAddCmd.MarkFlagRequired("email")

	memberListCmd.Flags().BoolVar(&memberAll, "all", false, "include deactivated members")

	memberCmd.AddCommand(memberAddCmd, memberListCmd, memberDeactivateCmd)
	rootCmd.AddCommand(memberCmd)
}
