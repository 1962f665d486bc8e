package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/katadavidxd/autolark/internal/intent"
	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, update, and inspect tasks",
}

var (
	taskBody     string
	taskAssignee string
	taskLabels   []string
	taskPriority string
	taskTable    string
)

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task and queue its issue and record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			id, err := svc.CreateTask(ctx, intent.CreateTaskParams{
				Title:         args[0],
				Body:          taskBody,
				AssigneeEmail: taskAssignee,
				Labels:        taskLabels,
				Priority:      types.Priority(taskPriority),
				TargetTable:   taskTable,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]string{"task_id": id})
			}
			fmt.Println(id)
			return nil
		})
	},
}

var (
	updTitle    string
	updBody     string
	updStatus   string
	updPriority string
	updAssignee string
	updLabels   []string
)

var taskUpdateCmd = &cobra.Command{
	Use:   "update <task-id>",
	Short: "Patch task fields and queue updates to bound stores",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch intent.TaskPatch
		if cmd.Flags().Changed("title") {
			patch.Title = &updTitle
		}
		if cmd.Flags().Changed("body") {
			patch.Body = &updBody
		}
		if cmd.Flags().Changed("status") {
			s := types.Status(updStatus)
			patch.Status = &s
		}
		if cmd.Flags().Changed("priority") {
			p := types.Priority(updPriority)
			patch.Priority = &p
		}
		if cmd.Flags().Changed("assignee") {
			patch.AssigneeEmail = &updAssignee
		}
		if cmd.Flags().Changed("label") {
			patch.Labels = &updLabels
		}
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			return svc.UpdateTask(ctx, args[0], patch)
		})
	},
}

var closeReason string

var taskCloseCmd = &cobra.Command{
	Use:   "close <task-id>",
	Short: "Close a task (reason: completed or not_planned)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			return svc.CloseTask(ctx, args[0], closeReason)
		})
	},
}

var taskReopenCmd = &cobra.Command{
	Use:   "reopen <task-id>",
	Short: "Reopen a closed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			return svc.ReopenTask(ctx, args[0])
		})
	},
}

var (
	listStatus   string
	listAssignee string
	listLabel    string
	listLimit    int
)

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks with their sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			filter := storage.TaskFilter{
				Status: types.Status(listStatus),
				Label:  listLabel,
				Limit:  listLimit,
			}
			if listAssignee != "" {
				_, work, err := svc.GetMemberWork(ctx, listAssignee)
				if err != nil {
					return err
				}
				return renderTasks(work)
			}
			views, err := svc.ListTasks(ctx, filter)
			if err != nil {
				return err
			}
			return renderTasks(views)
		})
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task with bindings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			view, err := svc.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(view)
			}
			t := view.Task
			fmt.Printf("%s  %s\n", t.ID, t.Title)
			fmt.Printf("  status=%s priority=%s source=%s\n", t.Status, t.Priority, t.Source)
			if len(t.Labels) > 0 {
				fmt.Printf("  labels=%s\n", strings.Join(t.Labels, ","))
			}
			if view.Mapping != nil {
				m := view.Mapping
				fmt.Printf("  sync=%s", m.SyncStatus)
				if m.HasGitHub() {
					fmt.Printf(" issue=%s", m.GitHub)
				}
				if m.HasLark() {
					fmt.Printf(" record=%s", m.Lark.RecordID)
				}
				fmt.Println()
			}
			if t.Body != "" {
				fmt.Println("\n" + t.Body)
			}
			return nil
		})
	},
}

var convertTable string

var taskConvertCmd = &cobra.Command{
	Use:   "convert <owner/repo#N | table-id:record-id>",
	Short: "Import an existing issue or Bitable record as a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			var (
				id  string
				err error
			)
			if repo, number, ok := parseIssueArg(args[0]); ok {
				id, err = svc.ConvertIssueToRecord(ctx, types.IssueRef{Repo: repo, Number: number}, convertTable)
			} else if tableID, recordID, ok := parseRecordArg(args[0]); ok {
				id, err = svc.ConvertRecordToIssue(ctx, types.RecordRef{
					AppToken: cfg.Lark.AppToken, TableID: tableID, RecordID: recordID,
				})
			} else {
				return fmt.Errorf("%w: unrecognized reference %q", intent.ErrValidation, args[0])
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]string{"task_id": id})
			}
			fmt.Println(id)
			return nil
		})
	},
}

func parseIssueArg(arg string) (repo string, number int, ok bool) {
	repo, numStr, found := strings.Cut(arg, "#")
	if !found || !strings.Contains(repo, "/") {
		return "", 0, false
	}
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return repo, n, true
}

func parseRecordArg(arg string) (tableID, recordID string, ok bool) {
	tableID, recordID, found := strings.Cut(arg, ":")
	if !found || tableID == "" || recordID == "" {
		return "", "", false
	}
	return tableID, recordID, true
}

func renderTasks(views []*intent.TaskView) error {
	if jsonOutput {
		return printJSON(views)
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		sync := "-"
		if v.Mapping != nil {
			sync = string(v.Mapping.SyncStatus)
		}
		rows = append(rows, []string{
			v.Task.ID, string(v.Task.Status), string(v.Task.Priority), sync, v.Task.Title,
		})
	}
	table([]string{"ID", "STATUS", "PRIORITY", "SYNC", "TITLE"}, rows)
	return nil
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskBody, "body", "", "task description")
	taskCreateCmd.Flags().StringVar(&taskAssignee, "assignee", "", "assignee member email")
	taskCreateCmd.Flags().StringArrayVar(&taskLabels, "label", nil, "label (repeatable)")
	taskCreateCmd.Flags().StringVar(&taskPriority, "priority", "", "low|medium|high|critical")
	taskCreateCmd.Flags().StringVar(&taskTable, "table", "", "registered table name (default table when empty)")

	taskUpdateCmd.Flags().StringVar(&updTitle, "title", "", "new title")
	taskUpdateCmd.Flags().StringVar(&updBody, "body", "", "new description")
	taskUpdateCmd.Flags().StringVar(&updStatus, "status", "", "todo|in_progress|done|cancelled")
	taskUpdateCmd.Flags().StringVar(&updPriority, "priority", "", "low|medium|high|critical")
	taskUpdateCmd.Flags().StringVar(&updAssignee, "assignee", "", "assignee member email (empty clears)")
	taskUpdateCmd.Flags().StringArrayVar(&updLabels, "label", nil, "replacement label set (repeatable)")

	taskCloseCmd.Flags().StringVar(&closeReason, "reason", "completed", "completed|not_planned")

	taskListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	taskListCmd.Flags().StringVar(&listAssignee, "assignee", "", "filter by member (open tasks only)")
	taskListCmd.Flags().StringVar(&listLabel, "label", "", "filter by label")
	taskListCmd.Flags().IntVar(&listLimit, "limit", 0, "max rows")

	taskConvertCmd.Flags().StringVar(&convertTable, "table", "", "target table for issue imports")

	taskCmd.AddCommand(taskCreateCmd, taskUpdateCmd, taskCloseCmd, taskReopenCmd,
		taskListCmd, taskShowCmd, taskConvertCmd)
	rootCmd.AddCommand(taskCmd)
}
