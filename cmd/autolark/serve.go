package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/katadavidxd/autolark/internal/github"
	"github.com/katadavidxd/autolark/internal/lark"
	"github.com/katadavidxd/autolark/internal/outbox"
	"github.com/katadavidxd/autolark/internal/reconciler"
	"github.com/katadavidxd/autolark/internal/resolver"
	"github.com/katadavidxd/autolark/internal/storage"
	"github.com/katadavidxd/autolark/internal/telemetry"
	"github.com/katadavidxd/autolark/internal/types"
)

var metricsStdout bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon (outbox dispatcher + reconcilers)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%w: %v", errInvalidConfig, err)
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&metricsStdout, "metrics-stdout", false, "periodically dump metrics to stdout")
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	metrics, err := telemetry.New(metricsStdout)
	if err != nil {
		return err
	}
	defer func() { _ = metrics.Shutdown(context.Background()) }()

	var ghGateway outbox.GitHubGateway
	var ghSource reconciler.GitHubSource
	if cfg.GitHub.Enabled() {
		client := github.NewClient(cfg.GitHub.Token, cfg.GitHub.Owner, cfg.GitHub.Repo, log)
		ghGateway, ghSource = client, client
	}

	var larkGateway outbox.LarkGateway
	var larkSource reconciler.LarkSource
	var contacts resolver.ContactLookup
	if cfg.Lark.Enabled() {
		client := lark.NewClient(lark.Config{
			AppID:     cfg.Lark.ClientID,
			AppSecret: cfg.Lark.ClientSecret,
			Domain:    cfg.Lark.Domain,
			OAuth:     cfg.Lark.OAuth,
		}, log)
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("failed to start lark broker: %w", err)
		}
		svc := lark.NewService(client)
		defer func() { _ = svc.Close() }()
		larkGateway, larkSource, contacts = svc, svc, svc

		if err := bootstrapDefaultTable(ctx, store); err != nil {
			return err
		}
	}

	res := resolver.New(store, contacts, log)

	dispatchOpts := outbox.DefaultOptions()
	dispatchOpts.Workers = cfg.Sync.Workers
	dispatchOpts.Interval = cfg.Sync.DispatchPeriod
	dispatchOpts.BackoffFactor = cfg.Sync.BackoffFactor
	dispatchOpts.NotifyChatID = cfg.Lark.NotifyChatID
	dispatcher := outbox.New(store, ghGateway, larkGateway, res, metrics, dispatchOpts, log)

	reconcileOpts := reconciler.DefaultOptions()
	reconcileOpts.Interval = cfg.Sync.Interval
	recon := reconciler.New(store, ghSource, larkSource, res, metrics, reconcileOpts, log)

	log.Info().Fields(map[string]any{"config": cfg.Redacted()}).Msg("daemon starting")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return dispatcher.Run(groupCtx) })
	group.Go(func() error { return recon.Run(groupCtx) })

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	// Drain in-flight work so no event is stranded in processing.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if drainErr := dispatcher.Drain(drainCtx); drainErr != nil {
		log.Warn().Err(drainErr).Msg("drain on shutdown incomplete")
	}
	log.Info().Msg("daemon stopped")
	return err
}

// bootstrapDefaultTable registers the configured Bitable table on first
// run so record bindings validate from the start.
func bootstrapDefaultTable(ctx context.Context, store storage.Storage) error {
	_, err := store.GetTableByRef(ctx, cfg.Lark.AppToken, cfg.Lark.TasksTableID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	entry := &types.TableEntry{
		ID:       types.NewTableEntryID(),
		Name:     "default",
		AppToken: cfg.Lark.AppToken,
		TableID:  cfg.Lark.TasksTableID,
		Fields: types.FieldMap{
			Title:       cfg.Lark.FieldTitle,
			Status:      cfg.Lark.FieldStatus,
			Assignee:    cfg.Lark.FieldAssignee,
			GitHubIssue: cfg.Lark.FieldGitHubIssue,
			LastSync:    cfg.Lark.FieldLastSync,
		},
		IsDefault: true,
	}
	if _, err := store.GetDefaultTable(ctx); err == nil {
		entry.IsDefault = false
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	log.Info().Str("table_id", entry.TableID).Msg("registering configured table")
	return store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.UpsertTable(ctx, entry)
	})
}
