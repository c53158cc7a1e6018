package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8080/sync/v1", cfg.BackendURL)
	assert.Equal(t, PersistenceMemory, cfg.Persistence)
	assert.False(t, cfg.MultiClient)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, 30*time.Minute, cfg.Redis.ConnMaxIdleTime)
	assert.Equal(t, "fsync", cfg.Redis.KeyPrefix)
	assert.Equal(t, 10*time.Second, cfg.Redis.LeaseTTL)
	assert.Equal(t, 4*time.Second, cfg.Redis.LeaseRenewInterval)
	assert.Equal(t, 100, cfg.LimboResolutionsLimit)
	assert.Equal(t, int64(100*1024*1024), cfg.GCMinBytesThreshold)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("SYNC_BACKEND_URL", "wss://sync.example.com/v1")
	t.Setenv("SYNC_PERSISTENCE", "mongodb")
	t.Setenv("MONGODB_URI", "mongodb://db:27017")
	t.Setenv("MONGODB_DATABASE", "app_cache")
	t.Setenv("SYNC_MULTI_CLIENT", "true")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_CONN_MAX_LIFETIME", "2h")
	t.Setenv("REDIS_LEASE_TTL", "20s")
	t.Setenv("SYNC_LIMBO_RESOLUTIONS_LIMIT", "25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://sync.example.com/v1", cfg.BackendURL)
	assert.Equal(t, PersistenceMongoDB, cfg.Persistence)
	assert.Equal(t, "mongodb://db:27017", cfg.MongoDBURI)
	assert.Equal(t, "app_cache", cfg.MongoDatabase)
	assert.True(t, cfg.MultiClient)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr())
	assert.Equal(t, 2*time.Hour, cfg.Redis.ConnMaxLifetime)
	assert.Equal(t, 20*time.Second, cfg.Redis.LeaseTTL)
	assert.Equal(t, 25, cfg.LimboResolutionsLimit)
}

func TestValidate_LeaseRenewMustBeatTTL(t *testing.T) {
	cfg := Default()
	cfg.MultiClient = true
	cfg.Redis.LeaseTTL = 4 * time.Second
	cfg.Redis.LeaseRenewInterval = 4 * time.Second

	require.Error(t, cfg.Validate())
}

func TestLoad_RejectsUnknownPersistence(t *testing.T) {
	t.Setenv("SYNC_PERSISTENCE", "leveldb")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leveldb")
}

func TestValidate_MongoRequiresURI(t *testing.T) {
	cfg := Default()
	cfg.Persistence = PersistenceMongoDB
	cfg.MongoDBURI = ""

	require.Error(t, cfg.Validate())
}

func TestValidate_RequiresBackendURL(t *testing.T) {
	cfg := Default()
	cfg.BackendURL = ""

	require.Error(t, cfg.Validate())
}

func TestDefault_PassesValidation(t *testing.T) {
	require.NoError(t, Default().Validate())
}
