package config

import (
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds the shared-state Redis client from configuration.
func NewRedisClient(cfg *RedisConfig) *redis.Client {
	connMaxIdleTime := cfg.ConnMaxIdleTime
	if connMaxIdleTime == 0 {
		connMaxIdleTime = 30 * time.Minute
	}
	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime == 0 {
		connMaxLifetime = time.Hour
	}

	options := &redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.Database,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,

		ConnMaxIdleTime: connMaxIdleTime,
		ConnMaxLifetime: connMaxLifetime,
	}

	if cfg.EnableTLS {
		options.TLSConfig = &tls.Config{
			ServerName: cfg.Host,
		}
	}

	return redis.NewClient(options)
}

// NewRedisClientWithDefaults is a convenience for tests and local
// development environments.
func NewRedisClientWithDefaults() *redis.Client {
	cfg := Default().Redis
	return NewRedisClient(&cfg)
}
