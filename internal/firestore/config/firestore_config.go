// Package config loads the sync client's configuration from the
// environment, with an optional .env file for development setups.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Persistence backend selectors.
const (
	PersistenceMemory  = "memory"
	PersistenceMongoDB = "mongodb"
)

// Config holds everything the sync client needs to start.
type Config struct {
	// BackendURL is the websocket base endpoint of the sync backend.
	// Example: "ws://localhost:8080/sync/v1"
	BackendURL string `env:"SYNC_BACKEND_URL" envDefault:"ws://localhost:8080/sync/v1"`

	// AuthToken is an optional pre-issued token; empty means
	// unauthenticated access until SignIn.
	AuthToken string `env:"SYNC_AUTH_TOKEN"`

	// Persistence selects the local cache backend: memory or mongodb.
	Persistence string `env:"SYNC_PERSISTENCE" envDefault:"memory"`

	MongoDBURI    string `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGODB_DATABASE" envDefault:"sync_cache"`

	// MultiClient enables cross-client coordination through Redis; a
	// single-client deployment leaves it off and is always primary.
	MultiClient bool `env:"SYNC_MULTI_CLIENT" envDefault:"false"`

	Redis RedisConfig

	// LimboResolutionsLimit caps how many documents the engine verifies
	// against the backend concurrently after a view drops them.
	LimboResolutionsLimit int `env:"SYNC_LIMBO_RESOLUTIONS_LIMIT" envDefault:"100"`

	// GCMinBytesThreshold is the cache size below which garbage
	// collection does not run.
	GCMinBytesThreshold int64 `env:"SYNC_GC_MIN_BYTES" envDefault:"104857600"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// RedisConfig configures the shared-state coordinator connection.
type RedisConfig struct {
	Host         string `env:"REDIS_HOST" envDefault:"localhost"`
	Port         string `env:"REDIS_PORT" envDefault:"6379"`
	Password     string `env:"REDIS_PASSWORD"`
	Database     int    `env:"REDIS_DATABASE" envDefault:"0"`
	MaxRetries   int    `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	PoolSize     int    `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int    `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	EnableTLS    bool   `env:"REDIS_ENABLE_TLS" envDefault:"false"`

	ConnMaxIdleTime time.Duration `env:"REDIS_CONN_MAX_IDLE_TIME" envDefault:"30m"`
	ConnMaxLifetime time.Duration `env:"REDIS_CONN_MAX_LIFETIME" envDefault:"1h"`

	// KeyPrefix partitions shared-state keys per logical database.
	KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"fsync"`

	// LeaseTTL and LeaseRenewInterval control the primary lease. The
	// renew interval must stay well below the TTL or the lease expires
	// between renewals.
	LeaseTTL           time.Duration `env:"REDIS_LEASE_TTL" envDefault:"10s"`
	LeaseRenewInterval time.Duration `env:"REDIS_LEASE_RENEW_INTERVAL" envDefault:"4s"`
}

// Addr returns the host:port dial address.
func (c *RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.New("failed to load sync configuration from environment: " + err.Error())
	}
	if err := env.Parse(&cfg.Redis); err != nil {
		return nil, errors.New("failed to load redis configuration from environment: " + err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the cross-field constraints Load cannot express.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return errors.New("SYNC_BACKEND_URL must not be empty")
	}
	switch c.Persistence {
	case PersistenceMemory:
	case PersistenceMongoDB:
		if c.MongoDBURI == "" {
			return errors.New("MONGODB_URI must be set when SYNC_PERSISTENCE=mongodb")
		}
	default:
		return fmt.Errorf("unknown persistence backend %q", c.Persistence)
	}
	if c.MultiClient && c.Redis.LeaseRenewInterval >= c.Redis.LeaseTTL {
		return errors.New("REDIS_LEASE_RENEW_INTERVAL must be shorter than REDIS_LEASE_TTL")
	}
	return nil
}

// Default returns a configuration suitable for local development when
// no environment is prepared.
func Default() *Config {
	return &Config{
		BackendURL:    "ws://localhost:8080/sync/v1",
		Persistence:   PersistenceMemory,
		MongoDBURI:    "mongodb://localhost:27017",
		MongoDatabase: "sync_cache",

		Redis: RedisConfig{
			Host:               "localhost",
			Port:               "6379",
			MaxRetries:         3,
			PoolSize:           10,
			MinIdleConns:       2,
			ConnMaxIdleTime:    30 * time.Minute,
			ConnMaxLifetime:    time.Hour,
			KeyPrefix:          "fsync",
			LeaseTTL:           10 * time.Second,
			LeaseRenewInterval: 4 * time.Second,
		},

		LimboResolutionsLimit: 100,
		GCMinBytesThreshold:   100 * 1024 * 1024,

		LogLevel:  "info",
		LogFormat: "text",
	}
}
