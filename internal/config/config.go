// Package config loads runtime configuration from the environment and
// an optional .env file. The loaded Config value is immutable; every
// component receives the slice of it that it needs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// GitHub holds forge access settings.
type GitHub struct {
	Token string
	Owner string
	Repo  string
}

// Enabled reports whether the GitHub side is configured at all.
func (g GitHub) Enabled() bool { return g.Token != "" }

// RepoSlug returns owner/repo.
func (g GitHub) RepoSlug() string { return g.Owner + "/" + g.Repo }

// Lark holds the broker credentials and the default table's bindings.
type Lark struct {
	ClientID     string
	ClientSecret string
	Domain       string
	OAuth        bool

	AppToken     string
	TasksTableID string
	NotifyChatID string

	FieldTitle       string
	FieldStatus      string
	FieldAssignee    string
	FieldGitHubIssue string
	FieldLastSync    string
}

// Enabled reports whether the Lark side is configured at all.
func (l Lark) Enabled() bool { return l.ClientID != "" }

// Sync holds the daemon's timing knobs.
type Sync struct {
	Interval       time.Duration
	MaxAttempts    int
	BackoffFactor  float64
	Workers        int
	DispatchPeriod time.Duration
}

// Config is the full runtime configuration.
type Config struct {
	DatabasePath string
	GitHub       GitHub
	Lark         Lark
	Sync         Sync
	LogLevel     string
}

// envKeys are the recognized environment variables with their defaults.
// Names match the deployment's existing .env files.
var envDefaults = map[string]any{
	"GITHUB_TOKEN":            "",
	"OWNER":                   "",
	"REPO":                    "",
	"LARK_MCP_CLIENT_ID":      "",
	"LARK_MCP_CLIENT_SECRET":  "",
	"LARK_MCP_DOMAIN":         "https://open.larksuite.com",
	"LARK_MCP_USE_OAUTH":      false,
	"LARK_APP_TOKEN":          "",
	"LARK_TASKS_TABLE_ID":     "",
	"LARK_NOTIFY_CHAT_ID":     "",
	"LARK_FIELD_TITLE":        "Task Name",
	"LARK_FIELD_STATUS":       "Status",
	"LARK_FIELD_ASSIGNEE":     "Assignee",
	"LARK_FIELD_GITHUB_ISSUE": "GitHub Issue",
	"LARK_FIELD_LAST_SYNC":    "Last Sync",
	"DATABASE_PATH":           "autolark.db",
	"SYNC_INTERVAL_SECONDS":   300,
	"RETRY_MAX_ATTEMPTS":      5,
	"RETRY_BACKOFF_FACTOR":    2.0,
	"DISPATCH_WORKERS":        4,
	"DISPATCH_PERIOD_SECONDS": 5,
	"LOG_LEVEL":               "info",
}

// Load reads .env (when present at envPath or ./.env), overlays real
// environment variables, and returns the assembled Config. The real
// environment always wins over the file.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envPath, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		// Best effort; a malformed default .env should still fail loudly.
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	v := viper.New()
	for key, def := range envDefaults {
		v.SetDefault(key, def)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	cfg := &Config{
		DatabasePath: v.GetString("DATABASE_PATH"),
		LogLevel:     v.GetString("LOG_LEVEL"),
		GitHub: GitHub{
			Token: v.GetString("GITHUB_TOKEN"),
			Owner: v.GetString("OWNER"),
			Repo:  v.GetString("REPO"),
		},
		Lark: Lark{
			ClientID:         v.GetString("LARK_MCP_CLIENT_ID"),
			ClientSecret:     v.GetString("LARK_MCP_CLIENT_SECRET"),
			Domain:           v.GetString("LARK_MCP_DOMAIN"),
			OAuth:            v.GetBool("LARK_MCP_USE_OAUTH"),
			AppToken:         v.GetString("LARK_APP_TOKEN"),
			TasksTableID:     v.GetString("LARK_TASKS_TABLE_ID"),
			NotifyChatID:     v.GetString("LARK_NOTIFY_CHAT_ID"),
			FieldTitle:       v.GetString("LARK_FIELD_TITLE"),
			FieldStatus:      v.GetString("LARK_FIELD_STATUS"),
			FieldAssignee:    v.GetString("LARK_FIELD_ASSIGNEE"),
			FieldGitHubIssue: v.GetString("LARK_FIELD_GITHUB_ISSUE"),
			FieldLastSync:    v.GetString("LARK_FIELD_LAST_SYNC"),
		},
		Sync: Sync{
			Interval:       time.Duration(v.GetInt("SYNC_INTERVAL_SECONDS")) * time.Second,
			MaxAttempts:    v.GetInt("RETRY_MAX_ATTEMPTS"),
			BackoffFactor:  v.GetFloat64("RETRY_BACKOFF_FACTOR"),
			Workers:        v.GetInt("DISPATCH_WORKERS"),
			DispatchPeriod: time.Duration(v.GetInt("DISPATCH_PERIOD_SECONDS")) * time.Second,
		},
	}
	return cfg, nil
}

// Validate collects every problem instead of stopping at the first, so
// an operator fixes a broken deployment in one pass.
func (c *Config) Validate() error {
	var issues []string

	if !c.GitHub.Enabled() && !c.Lark.Enabled() {
		issues = append(issues, "at least one of GITHUB_TOKEN or LARK_MCP_CLIENT_ID must be set")
	}
	if c.GitHub.Enabled() {
		if c.GitHub.Owner == "" {
			issues = append(issues, "OWNER is required when GITHUB_TOKEN is set")
		}
		if c.GitHub.Repo == "" {
			issues = append(issues, "REPO is required when GITHUB_TOKEN is set")
		}
	}
	if c.Lark.Enabled() {
		if c.Lark.ClientSecret == "" {
			issues = append(issues, "LARK_MCP_CLIENT_SECRET is required when LARK_MCP_CLIENT_ID is set")
		}
		if c.Lark.AppToken == "" {
			issues = append(issues, "LARK_APP_TOKEN is required when LARK_MCP_CLIENT_ID is set")
		}
		if c.Lark.TasksTableID == "" {
			issues = append(issues, "LARK_TASKS_TABLE_ID is required when LARK_MCP_CLIENT_ID is set")
		}
	}
	if c.DatabasePath == "" {
		issues = append(issues, "DATABASE_PATH cannot be empty")
	}
	if c.Sync.Interval < 10*time.Second {
		issues = append(issues, "SYNC_INTERVAL_SECONDS must be at least 10")
	}
	if c.Sync.MaxAttempts < 1 {
		issues = append(issues, "RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Sync.BackoffFactor < 1 {
		issues = append(issues, "RETRY_BACKOFF_FACTOR must be at least 1")
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(issues, "\n  - "))
	}
	return nil
}

// Redacted returns a loggable view with secrets masked.
func (c *Config) Redacted() map[string]string {
	return map[string]string{
		"database_path":   c.DatabasePath,
		"github_token":    redact(c.GitHub.Token),
		"github_repo":     c.GitHub.RepoSlug(),
		"lark_client_id":  c.Lark.ClientID,
		"lark_secret":     redact(c.Lark.ClientSecret),
		"lark_domain":     c.Lark.Domain,
		"lark_app_token":  redact(c.Lark.AppToken),
		"lark_table_id":   c.Lark.TasksTableID,
		"sync_interval":   c.Sync.Interval.String(),
		"retry_attempts":  fmt.Sprintf("%d", c.Sync.MaxAttempts),
		"dispatch_worker": fmt.Sprintf("%d", c.Sync.Workers),
		"log_level":       c.LogLevel,
	}
}

// redact keeps a short prefix so an operator can tell which credential
// is loaded without exposing it.
func redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***"
}

// DefaultFieldMapping returns the configured Bitable column names in
// registry form, used when bootstrapping the default table entry.
func (c *Config) DefaultFieldMapping() map[string]string {
	return map[string]string{
		"title":        c.Lark.FieldTitle,
		"status":       c.Lark.FieldStatus,
		"assignee":     c.Lark.FieldAssignee,
		"github_issue": c.Lark.FieldGitHubIssue,
		"last_sync":    c.Lark.FieldLastSync,
	}
}
