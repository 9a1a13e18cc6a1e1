package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"

	"github.com/ppiankov/payvault/internal/kvstore"
)

// Environment variables that override file settings.
const (
	EnvUserID        = "PAYVAULT_USER_ID"
	EnvDeviceID      = "PAYVAULT_DEVICE_ID"
	EnvStorageDriver = "PAYVAULT_STORAGE_DRIVER"
	EnvStorageDir    = "PAYVAULT_STORAGE_DIR"
	EnvRedisAddr     = "PAYVAULT_REDIS_ADDR"
	EnvRedisPassword = "PAYVAULT_REDIS_PASSWORD"
	EnvSQLiteDSN     = "PAYVAULT_SQLITE_DSN"
	EnvServerToken   = "PAYVAULT_SERVER_TOKEN"
)

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables already set. Missing files are
// ignored; with no arguments ./.env is tried.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with PAYVAULT_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	set(EnvUserID, &cfg.Identity.UserID)
	set(EnvDeviceID, &cfg.Identity.DeviceID)
	set(EnvStorageDriver, &cfg.Storage.Driver)
	set(EnvStorageDir, &cfg.Storage.Dir)
	set(EnvServerToken, &cfg.Server.Token)

	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		if cfg.Storage.Redis == nil {
			cfg.Storage.Redis = &kvstore.RedisConfig{}
		}
		cfg.Storage.Redis.Addr = v
	}
	if v, ok := lookup(EnvRedisPassword); ok && v != "" {
		if cfg.Storage.Redis == nil {
			cfg.Storage.Redis = &kvstore.RedisConfig{}
		}
		cfg.Storage.Redis.Password = v
	}
	if v, ok := lookup(EnvSQLiteDSN); ok && v != "" {
		if cfg.Storage.SQLite == nil {
			cfg.Storage.SQLite = &kvstore.SQLiteConfig{}
		}
		cfg.Storage.SQLite.DSN = v
	}
}
