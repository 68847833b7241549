package storage

import (
	"path/filepath"
	"testing"

	"quotaengine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory(t *testing.T) {
	factory := NewFactory()
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		config      models.StorageConfig
		expectError bool
		errContains string
	}{
		{
			name:   "memory",
			config: models.StorageConfig{Type: models.StorageTypeMemory},
		},
		{
			name: "json",
			config: models.StorageConfig{
				Type: models.StorageTypeJSON,
				Path: filepath.Join(tempDir, "quota.json"),
			},
		},
		{
			name: "sqlite",
			config: models.StorageConfig{
				Type: models.StorageTypeSQLite,
				Database: models.DatabaseConfig{
					DSN: "file:" + filepath.Join(tempDir, "quota.db"),
				},
			},
		},
		{
			name:        "postgres without DSN",
			config:      models.StorageConfig{Type: models.StorageTypePostgres},
			expectError: true,
			errContains: "connection string is required",
		},
		{
			name:        "redis without address",
			config:      models.StorageConfig{Type: models.StorageTypeRedis},
			expectError: true,
			errContains: "address is required",
		},
		{
			name:        "unsupported",
			config:      models.StorageConfig{Type: "etcd"},
			expectError: true,
			errContains: "unsupported storage type: etcd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := factory.Create(tt.config)
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, store)
			assert.NoError(t, store.Close())
		})
	}
}

func TestFactory_GetSupportedProviders(t *testing.T) {
	providers := NewFactory().GetSupportedProviders()
	assert.ElementsMatch(t, []string{"memory", "json", "sqlite", "postgres", "redis"}, providers)
}

func TestConfigFromModel(t *testing.T) {
	cfg := ConfigFromModel(models.StorageConfig{
		Type: models.StorageTypeRedis,
		Path: "/tmp/x",
		Database: models.DatabaseConfig{
			DSN:          "postgres://localhost/quota",
			MaxOpenConns: 7,
		},
		Redis: models.RedisConfig{
			Addr:      "localhost:6379",
			Password:  "secret",
			DB:        2,
			PoolSize:  20,
			KeyPrefix: "qe:",
		},
	})

	assert.Equal(t, "redis", cfg.Type)
	assert.Equal(t, "/tmp/x", cfg.Path)
	assert.Equal(t, "postgres://localhost/quota", cfg.ConnectionString)
	assert.Equal(t, 7, cfg.MaxOpenConns)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "secret", cfg.RedisPassword)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 20, cfg.RedisPoolSize)
	assert.Equal(t, "qe:", cfg.RedisKeyPrefix)
}
