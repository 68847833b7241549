package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"quotaengine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8181
  host: "127.0.0.1"
  read_timeout: 10s

storage:
  type: "sqlite"
  database:
    dsn: "file:quota.db?_pragma=journal_mode(WAL)"

security:
  enable_auth: true
  api_keys:
    - key: "svc-key"
      name: "checkout"
      permissions: ["write"]
      enabled: true
  rate_limit:
    enabled: true
    requests_per_minute: 120

logging:
  level: "debug"
  format: "text"
  output: "stderr"

limits:
  shards: 32
  max_keys: 5000
  idle_ttl: 10m
  cleanup_interval: 30s
  fail_open: true

usage:
  plans_file: "/etc/quotaengine/plans.yaml"
  default_plan: "starter"
  flush_every: 25
  watch_plans: true
  reset_schedule: "0 0 1 * *"

metrics:
  enabled: false
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, config.Server.Port)
	assert.Equal(t, "127.0.0.1", config.Server.Host)
	assert.Equal(t, 10*time.Second, config.Server.ReadTimeout)
	// Unset keys keep their defaults.
	assert.Equal(t, 30*time.Second, config.Server.WriteTimeout)

	assert.Equal(t, models.StorageTypeSQLite, config.Storage.Type)
	assert.Equal(t, "file:quota.db?_pragma=journal_mode(WAL)", config.Storage.Database.DSN)

	require.Len(t, config.Security.APIKeys, 1)
	assert.Equal(t, "checkout", config.Security.APIKeys[0].Name)
	assert.True(t, config.Security.RateLimit.Enabled)
	assert.Equal(t, 120, config.Security.RateLimit.RequestsPerMinute)

	assert.Equal(t, models.LimitsConfig{
		Shards:          32,
		MaxKeys:         5000,
		IdleTTL:         10 * time.Minute,
		CleanupInterval: 30 * time.Second,
		FailOpen:        true,
	}, config.Limits)

	assert.Equal(t, models.UsageConfig{
		PlansFile:     "/etc/quotaengine/plans.yaml",
		DefaultPlan:   "starter",
		FlushEvery:    25,
		WatchPlans:    true,
		ResetSchedule: "0 0 1 * *",
	}, config.Usage)

	assert.False(t, config.Metrics.Enabled)
}

func TestLoad_WithDefaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, models.NewDefaultConfig(), config)
	assert.Equal(t, models.StorageTypeMemory, config.Storage.Type)
	assert.False(t, config.Limits.FailOpen)
	assert.Equal(t, 10, config.Usage.FlushEvery)
}

func TestLoad_WithEnvironmentVariables(t *testing.T) {
	t.Setenv("QUOTA_PORT", "9000")
	t.Setenv("QUOTA_STORAGE_TYPE", "redis")
	t.Setenv("QUOTA_REDIS_ADDR", "redis:6379")
	t.Setenv("QUOTA_REDIS_DB", "3")
	t.Setenv("QUOTA_LOG_LEVEL", "warn")
	t.Setenv("QUOTA_LIMITS_SHARDS", "8")
	t.Setenv("QUOTA_LIMITS_IDLE_TTL", "90s")
	t.Setenv("QUOTA_FAIL_OPEN", "TRUE")
	t.Setenv("QUOTA_FLUSH_EVERY", "5")
	t.Setenv("QUOTA_DEFAULT_PLAN", "starter")
	t.Setenv("QUOTA_METRICS_PORT", "9191")

	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, models.StorageTypeRedis, config.Storage.Type)
	assert.Equal(t, "redis:6379", config.Storage.Redis.Addr)
	assert.Equal(t, 3, config.Storage.Redis.DB)
	assert.Equal(t, "warn", config.Logging.Level)
	assert.Equal(t, 8, config.Limits.Shards)
	assert.Equal(t, 90*time.Second, config.Limits.IdleTTL)
	assert.True(t, config.Limits.FailOpen)
	assert.Equal(t, 5, config.Usage.FlushEvery)
	assert.Equal(t, "starter", config.Usage.DefaultPlan)
	assert.Equal(t, 9191, config.Metrics.Port)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8181\n")
	t.Setenv("QUOTA_PORT", "8282")

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8282, config.Server.Port)
}

func TestLoad_InvalidEnvironmentValueIgnored(t *testing.T) {
	t.Setenv("QUOTA_PORT", "eighty")
	t.Setenv("QUOTA_FAIL_OPEN", "maybe")
	t.Setenv("QUOTA_LIMITS_IDLE_TTL", "soon")

	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, config.Server.Port)
	assert.False(t, config.Limits.FailOpen)
	assert.Equal(t, 30*time.Minute, config.Limits.IdleTTL)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{
			name:    "missing file",
			path:    filepath.Join(t.TempDir(), "missing.yaml"),
			wantErr: "config file not found",
		},
		{
			name:    "invalid yaml",
			path:    writeConfig(t, "server:\n  port: [8080\n"),
			wantErr: "failed to parse YAML config",
		},
		{
			name:    "auth without keys",
			path:    writeConfig(t, "security:\n  enable_auth: true\n"),
			wantErr: "at least one API key is required",
		},
		{
			name:    "zero flush interval",
			path:    writeConfig(t, "usage:\n  flush_every: 0\n"),
			wantErr: "flush_every must be at least 1",
		},
		{
			name:    "postgres without dsn",
			path:    writeConfig(t, "storage:\n  type: postgres\n"),
			wantErr: "database DSN is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.example.yaml")

	require.NoError(t, SaveExample(path))

	config, err := Load(path)
	require.NoError(t, err)
	assert.True(t, config.Security.EnableAuth)
	assert.Len(t, config.Security.APIKeys, 2)
	assert.Equal(t, models.StorageTypeSQLite, config.Storage.Type)
}
