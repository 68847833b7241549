package storage

import (
	"fmt"

	"quotaengine/internal/models"
)

// Factory provides a centralized way to create storage instances based on configuration.
type Factory struct{}

// NewFactory creates a new storage factory
func NewFactory() *Factory {
	return &Factory{}
}

// Create instantiates a storage provider based on the provided configuration.
// Supported providers:
//   - memory: In-memory map (lost on restart)
//   - json: Single JSON file, rewritten atomically on every put
//   - sqlite: SQLite database (pure Go driver)
//   - postgres: PostgreSQL through a pgx pool
//   - redis: Redis strings under a key prefix
func (f *Factory) Create(config models.StorageConfig) (Store, error) {
	storageConfig := ConfigFromModel(config)

	switch config.Type {
	case models.StorageTypeMemory:
		return NewMemoryStore(storageConfig)
	case models.StorageTypeJSON:
		return NewJSONStore(storageConfig)
	case models.StorageTypeSQLite:
		return NewSQLiteStore(storageConfig)
	case models.StorageTypePostgres:
		return NewPostgresStore(storageConfig)
	case models.StorageTypeRedis:
		return NewRedisStore(storageConfig)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// GetSupportedProviders returns a list of all supported storage provider types
func (f *Factory) GetSupportedProviders() []string {
	return []string{
		models.StorageTypeMemory,
		models.StorageTypeJSON,
		models.StorageTypeSQLite,
		models.StorageTypePostgres,
		models.StorageTypeRedis,
	}
}

// ConfigFromModel converts the service configuration section into backend settings.
func ConfigFromModel(config models.StorageConfig) Config {
	return Config{
		Type:             config.Type,
		Path:             config.Path,
		ConnectionString: config.Database.DSN,
		MaxOpenConns:     config.Database.MaxOpenConns,
		RedisAddr:        config.Redis.Addr,
		RedisPassword:    config.Redis.Password,
		RedisDB:          config.Redis.DB,
		RedisPoolSize:    config.Redis.PoolSize,
		RedisKeyPrefix:   config.Redis.KeyPrefix,
	}
}
