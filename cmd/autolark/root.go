package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/katadavidxd/autolark/internal/config"
	"github.com/katadavidxd/autolark/internal/intent"
	"github.com/katadavidxd/autolark/internal/storage/sqlite"
)

var (
	envFile    string
	dbOverride string
	jsonOutput bool

	cfg *config.Config
	log zerolog.Logger
)

// errInvalidConfig marks configuration failures for exit-code mapping.
var errInvalidConfig = errors.New("invalid configuration")

var rootCmd = &cobra.Command{
	Use:           "autolark",
	Short:         "Two-way sync between a GitHub issue tracker and a Lark Bitable",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		loaded, err := config.Load(envFile)
		if err != nil {
			return fmt.Errorf("%w: %v", errInvalidConfig, err)
		}
		if dbOverride != "" {
			loaded.DatabasePath = dbOverride
		}
		cfg = loaded

		level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
		if err != nil {
			level = zerolog.InfoLevel
		}
		// Human output goes to stdout; logs stay on stderr.
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).With().Timestamp().Logger()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "path to a .env file (default: ./.env when present)")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "", "database path (overrides DATABASE_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON instead of human output")
}

// openStore opens the configured database. Callers own the Close.
func openStore(ctx context.Context) (*sqlite.Store, error) {
	store, err := sqlite.New(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.DatabasePath, err)
	}
	store.SetMaxAttempts(cfg.Sync.MaxAttempts)
	return store, nil
}

// withService runs fn with an intent service over a freshly opened
// store, closing it afterwards. Used by every non-daemon command.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *intent.Service) error) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, intent.New(store, log))
}
