// Package kvstore provides the key-value persistence the engine writes
// encrypted records into. Drivers never see plaintext; they store opaque
// bytes under string keys.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the persistence contract. Set must replace the value atomically:
// a failed Set leaves the previous value readable.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// ListKeys returns every key with the given prefix in ascending order.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Driver identifiers.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Config selects and tunes a driver.
type Config struct {
	Driver string        `yaml:"driver"`
	Dir    string        `yaml:"dir"`
	Redis  *RedisConfig  `yaml:"redis,omitempty"`
	SQLite *SQLiteConfig `yaml:"sqlite,omitempty"`
}

// RedisConfig captures connection options.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SQLiteConfig holds the database location.
type SQLiteConfig struct {
	DSN string `yaml:"dsn"`
}
