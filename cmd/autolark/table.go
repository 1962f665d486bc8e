package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/katadavidxd/autolark/internal/intent"
	"github.com/katadavidxd/autolark/internal/types"
)

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Manage the Bitable table registry",
}

var (
	tblAppToken string
	tblTableID  string
	tblDefault  bool
	tblTitle    string
	tblStatus   string
)

var tableRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a Bitable table for record bindings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if tblAppToken == "" {
			tblAppToken = cfg.Lark.AppToken
		}
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			fields := types.FieldMap{}
			if tblTitle != "" || tblStatus != "" {
				fields = types.DefaultFieldMap()
				if tblTitle != "" {
					fields.Title = tblTitle
				}
				if tblStatus != "" {
					fields.Status = tblStatus
				}
			}
			id, err := svc.RegisterTable(ctx, intent.RegisterTableParams{
				Name:      args[0],
				AppToken:  tblAppToken,
				TableID:   tblTableID,
				Fields:    fields,
				IsDefault: tblDefault,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]string{"entry_id": id})
			}
			fmt.Println(id)
			return nil
		})
	},
}

var tableListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			entries, err := svc.ListTables(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				def := ""
				if e.IsDefault {
					def = "*"
				}
				rows = append(rows, []string{e.Name, e.TableID, e.Fields.Title, e.Fields.Status, def})
			}
			table([]string{"NAME", "TABLE", "TITLE COL", "STATUS COL", "DEFAULT"}, rows)
			return nil
		})
	},
}

var tableImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Register tables from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		return withService(cmd, func(ctx context.Context, svc *intent.Service) error {
			n, err := svc.ImportTables(ctx, data)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]int{"imported": n})
			}
			fmt.Printf("imported %d tables\n", n)
			return nil
		})
	},
}

func init() {
	tableRegisterCmd.Flags().StringVar(&tblAppToken, "app-token", "", "Bitable app token (config value when empty)")
	tableRegisterCmd.Flags().StringVar(&tblTableID, "table-id", "", "Bitable table id (required)")
	tableRegisterCmd.Flags().BoolVar(&tblDefault, "default", false, "make this the default table")
	tableRegisterCmd.Flags().StringVar(&tblTitle, "title-col", "", "title column name")
	tableRegisterCmd.Flags().StringVar(&tblStatus, "status-col", "", "status column name")
	_ = tableRegisterCmd.MarkFlagRequired("table-id")

	tableCmd.AddCommand(tableRegisterCmd, tableListCmd, tableImportCmd)
	rootCmd.AddCommand(tableCmd)
}
