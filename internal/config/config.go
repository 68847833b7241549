// Package config loads the quota engine configuration: built-in defaults,
// then a YAML file, then QUOTA_* environment variables, then validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"quotaengine/internal/models"

	"gopkg.in/yaml.v3"
)

const envPrefix = "QUOTA_"

// Load builds the configuration. An empty configPath skips the file.
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func loadFromFile(config *models.Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnvironment applies QUOTA_* overrides. Values that fail to parse
// are logged and ignored.
func loadFromEnvironment(config *models.Config) {
	// Server
	envInt("PORT", &config.Server.Port)
	envString("HOST", &config.Server.Host)
	envDuration("READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envBool("TLS_ENABLED", &config.Server.TLSEnabled)
	envString("TLS_CERT_FILE", &config.Server.TLSCertFile)
	envString("TLS_KEY_FILE", &config.Server.TLSKeyFile)

	// Storage
	envString("STORAGE_TYPE", &config.Storage.Type)
	envString("STORAGE_PATH", &config.Storage.Path)
	envString("DATABASE_DSN", &config.Storage.Database.DSN)
	envInt("DATABASE_MAX_OPEN_CONNS", &config.Storage.Database.MaxOpenConns)
	envInt("DATABASE_MAX_IDLE_CONNS", &config.Storage.Database.MaxIdleConns)
	envString("REDIS_ADDR", &config.Storage.Redis.Addr)
	envString("REDIS_PASSWORD", &config.Storage.Redis.Password)
	envInt("REDIS_DB", &config.Storage.Redis.DB)
	envInt("REDIS_POOL_SIZE", &config.Storage.Redis.PoolSize)
	envString("REDIS_KEY_PREFIX", &config.Storage.Redis.KeyPrefix)

	// Security
	envBool("ENABLE_AUTH", &config.Security.EnableAuth)
	envBool("RATE_LIMIT_ENABLED", &config.Security.RateLimit.Enabled)
	envInt("RATE_LIMIT_REQUESTS_PER_MINUTE", &config.Security.RateLimit.RequestsPerMinute)
	envInt("RATE_LIMIT_AUTHENTICATED_REQUESTS_PER_MINUTE", &config.Security.RateLimit.AuthenticatedRequestsPerMinute)

	// Logging
	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)
	envString("LOG_OUTPUT", &config.Logging.Output)
	envString("LOG_FILE_PATH", &config.Logging.FilePath)

	// Limits
	envInt("LIMITS_SHARDS", &config.Limits.Shards)
	envInt("LIMITS_MAX_KEYS", &config.Limits.MaxKeys)
	envDuration("LIMITS_IDLE_TTL", &config.Limits.IdleTTL)
	envDuration("LIMITS_CLEANUP_INTERVAL", &config.Limits.CleanupInterval)
	envBool("FAIL_OPEN", &config.Limits.FailOpen)

	// Usage
	envString("PLANS_FILE", &config.Usage.PlansFile)
	envString("DEFAULT_PLAN", &config.Usage.DefaultPlan)
	envInt("FLUSH_EVERY", &config.Usage.FlushEvery)
	envBool("WATCH_PLANS", &config.Usage.WatchPlans)
	envString("RESET_SCHEDULE", &config.Usage.ResetSchedule)

	// Metrics and tracing
	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)
	envInt("METRICS_PORT", &config.Metrics.Port)
	envBool("TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	envString("TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	envString("OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
}

func lookup(name string) (string, bool) {
	value, ok := os.LookupEnv(envPrefix + name)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func envString(name string, dst *string) {
	if value, ok := lookup(name); ok {
		*dst = value
	}
}

func envInt(name string, dst *int) {
	value, ok := lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Ignoring invalid environment override", "variable", envPrefix+name, "error", err)
		return
	}
	*dst = n
}

func envBool(name string, dst *bool) {
	value, ok := lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.ToLower(value))
	if err != nil {
		slog.Warn("Ignoring invalid environment override", "variable", envPrefix+name, "error", err)
		return
	}
	*dst = b
}

func envDuration(name string, dst *time.Duration) {
	value, ok := lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Ignoring invalid environment override", "variable", envPrefix+name, "error", err)
		return
	}
	*dst = d
}

// SaveExample writes an example configuration with auth and
// the admission limiter switched on.
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()
	config.Security.EnableAuth = true
	config.Security.APIKeys = []models.APIKey{
		{Key: "replace-with-admin-key", Name: "operator", Permissions: []string{models.PermissionAdmin}, Enabled: true},
		{Key: "replace-with-service-key", Name: "checkout-service", Permissions: []string{models.PermissionWrite}, Enabled: true},
	}
	config.Security.RateLimit.Enabled = true
	config.Storage.Type = models.StorageTypeSQLite
	config.Storage.Database.DSN = "file:./data/quotaengine.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	config.Usage.WatchPlans = true

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
