package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for key := range envDefaults {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITHUB_TOKEN", "ghp_secret")
	t.Setenv("OWNER", "acme")
	t.Setenv("REPO", "app")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "autolark.db", cfg.DatabasePath)
	assert.Equal(t, "acme/app", cfg.GitHub.RepoSlug())
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, "Task Name", cfg.Lark.FieldTitle)
	assert.False(t, cfg.Lark.Enabled())
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(strings.Join([]string{
		"LARK_MCP_CLIENT_ID=cli_x",
		"LARK_MCP_CLIENT_SECRET=shh",
		"LARK_APP_TOKEN=bascnAAA",
		"LARK_TASKS_TABLE_ID=tblXXX",
		"SYNC_INTERVAL_SECONDS=60",
		"LARK_MCP_USE_OAUTH=true",
	}, "\n")), 0o600))

	cfg, err := Load(envPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Lark.Enabled())
	assert.True(t, cfg.Lark.OAuth)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "https://open.larksuite.com", cfg.Lark.Domain)
}

func TestEnvironmentWinsOverFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("DATABASE_PATH=from-file.db\n"), 0o600))
	t.Setenv("DATABASE_PATH", "from-env.db")

	cfg, err := Load(envPath)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.DatabasePath)
}

func TestValidateCollectsAllIssues(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITHUB_TOKEN", "ghp_secret")
	t.Setenv("SYNC_INTERVAL_SECONDS", "1")
	t.Setenv("RETRY_MAX_ATTEMPTS", "0")

	cfg, err := Load("")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "OWNER is required")
	assert.Contains(t, msg, "REPO is required")
	assert.Contains(t, msg, "SYNC_INTERVAL_SECONDS")
	assert.Contains(t, msg, "RETRY_MAX_ATTEMPTS")
}

func TestValidateRequiresAGateway(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one of")
}

func TestRedactedMasksSecrets(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITHUB_TOKEN", "ghp_1234567890abcdef")
	t.Setenv("LARK_MCP_CLIENT_SECRET", "short")

	cfg, err := Load("")
	require.NoError(t, err)

	view := cfg.Redacted()
	assert.Equal(t, "ghp_***", view["github_token"])
	assert.Equal(t, "***", view["lark_secret"])
	assert.NotContains(t, view["github_token"], "abcdef")
}
