// Package storage provides the key-value backends that persist phoenix
// login details (socket domain, token and agent id) between runs.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Load when the key is not stored.
var ErrNotFound = errors.New("storage: key not found")

// Backend is a string key-value store.
type Backend interface {
	Load(ctx context.Context, key string) (string, error)
	Save(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Driver string       `mapstructure:"driver"`
	Path   string       `mapstructure:"path"`
	Redis  *RedisConfig `mapstructure:"redis"`
}

// DefaultConfig persists to a SQLite file in the working directory.
func DefaultConfig() *Config {
	return &Config{
		Driver: DriverSQLite,
		Path:   "phoenix.db",
		Redis:  DefaultRedisConfig(),
	}
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg *Config) (Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite, "":
		path := cfg.Path
		if path == "" {
			path = DefaultConfig().Path
		}
		return OpenSQLite(ctx, path)
	case DriverRedis:
		redisCfg := cfg.Redis
		if redisCfg == nil {
			redisCfg = DefaultRedisConfig()
		}
		return OpenRedis(ctx, redisCfg)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}
