// Package config loads payvault configuration from YAML, .env files and
// PAYVAULT_* environment variables.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/payvault/internal/alert"
	"github.com/ppiankov/payvault/internal/auth"
	"github.com/ppiankov/payvault/internal/fraud"
	"github.com/ppiankov/payvault/internal/gateway"
	"github.com/ppiankov/payvault/internal/keystore"
	"github.com/ppiankov/payvault/internal/kvstore"
	"github.com/ppiankov/payvault/internal/model"
	"github.com/ppiankov/payvault/internal/ratelimit"
	"github.com/ppiankov/payvault/internal/vault"
)

// DefaultMaxReplayAttempts caps how often a queued transaction is replayed.
const DefaultMaxReplayAttempts = 10

// Identity names the user and device the engine runs for.
type Identity struct {
	UserID   string `yaml:"user_id"`
	DeviceID string `yaml:"device_id"`
}

// Crypto selects the vault cipher and key derivation cost.
type Crypto struct {
	Cipher     string `yaml:"cipher"`
	Iterations int    `yaml:"iterations"`
}

// Audit tunes the in-memory audit ring.
type Audit struct {
	Capacity int `yaml:"capacity"`
}

// History tunes the fraud-history window.
type History struct {
	Size   int           `yaml:"size"`
	MaxAge time.Duration `yaml:"max_age"`
}

// Gateways lists payment gateways in priority order.
type Gateways struct {
	AttemptTimeout time.Duration        `yaml:"attempt_timeout"`
	Endpoints      []gateway.HTTPConfig `yaml:"endpoints"`
}

// Queue tunes offline replay.
type Queue struct {
	MaxReplayAttempts int  `yaml:"max_replay_attempts"`
	StartOnline       bool `yaml:"start_online"`
}

// Device overrides collected fingerprint attributes. Empty fields keep
// what the host reports.
type Device struct {
	InstallationID string `yaml:"installation_id"`
	Name           string `yaml:"name"`
	Platform       string `yaml:"platform"`
	Brand          string `yaml:"brand"`
}

// Fingerprint converts the overrides to a model.DeviceFingerprint.
func (d Device) Fingerprint() model.DeviceFingerprint {
	return model.DeviceFingerprint{
		InstallationID: d.InstallationID,
		Name:           d.Name,
		Platform:       d.Platform,
		Brand:          d.Brand,
	}
}

// Server configures the outer surfaces.
type Server struct {
	Addr       string           `yaml:"addr"`
	GRPCAddr   string           `yaml:"grpc_addr"`
	Token      string           `yaml:"token"`
	RateLimits ratelimit.Config `yaml:"rate_limits"`
}

// Log configures slog output.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full payvault configuration.
type Config struct {
	Identity Identity            `yaml:"identity"`
	Storage  kvstore.Config      `yaml:"storage"`
	Crypto   Crypto              `yaml:"crypto"`
	Auth     auth.Config         `yaml:"auth"`
	Fraud    fraud.Config        `yaml:"fraud"`
	Audit    Audit               `yaml:"audit"`
	History  History             `yaml:"history"`
	Gateways Gateways            `yaml:"gateways"`
	Queue    Queue               `yaml:"queue"`
	Device   Device              `yaml:"device"`
	Alerts   []alert.AlertConfig `yaml:"alerts"`
	Server   Server              `yaml:"server"`
	Log      Log                 `yaml:"log"`
}

// DefaultConfig returns the built-in configuration: memory storage,
// AES-GCM, a 15 minute session and the standard fraud rules.
func DefaultConfig() *Config {
	return &Config{
		Identity: Identity{UserID: "local", DeviceID: "local-device"},
		Storage:  kvstore.Config{Driver: kvstore.DriverMemory},
		Crypto:   Crypto{Cipher: vault.DefaultCipher, Iterations: keystore.DefaultIterations},
		Auth:     auth.DefaultConfig(),
		Fraud:    fraud.DefaultConfig(),
		Audit:    Audit{Capacity: 1000},
		History:  History{Size: 500, MaxAge: 24 * time.Hour},
		Gateways: Gateways{AttemptTimeout: gateway.DefaultAttemptTimeout},
		Queue:    Queue{MaxReplayAttempts: DefaultMaxReplayAttempts, StartOnline: true},
		Server:   Server{Addr: "127.0.0.1:8420", GRPCAddr: "127.0.0.1:8421", RateLimits: ratelimit.DefaultConfig()},
		Log:      Log{Level: "info", Format: "text"},
	}
}

// DefaultPath returns ~/.payvault/config.yaml, or "" if the home
// directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".payvault", "config.yaml")
}

// emptyHash is reported when defaults are used.
func emptyHash() string {
	h := sha256.Sum256(nil)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. Empty path falls back to DefaultPath. A missing
// file yields defaults. The returned hash covers the raw file bytes.
func Load(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := DefaultConfig()
	hash := emptyHash()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			h := sha256.Sum256(data)
			hash = "sha256:" + hex.EncodeToString(h[:])
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, "", fmt.Errorf("config: parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, "", fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	ApplyEnv(cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, hash, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Identity.UserID == "" {
		errs = append(errs, errors.New("identity.user_id is required"))
	}
	if c.Identity.DeviceID == "" {
		errs = append(errs, errors.New("identity.device_id is required"))
	}

	switch c.Storage.Driver {
	case "", kvstore.DriverMemory:
	case kvstore.DriverFile:
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the file driver"))
		}
	case kvstore.DriverRedis:
		if c.Storage.Redis == nil || c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis driver"))
		}
	case kvstore.DriverSQLite:
		if c.Storage.SQLite == nil || c.Storage.SQLite.DSN == "" {
			errs = append(errs, errors.New("storage.sqlite.dsn is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}

	switch c.Crypto.Cipher {
	case "", vault.CipherAESGCM, vault.CipherXChaCha:
	default:
		errs = append(errs, fmt.Errorf("crypto.cipher %q is not supported", c.Crypto.Cipher))
	}
	if c.Crypto.Iterations != 0 && c.Crypto.Iterations < keystore.MinIterations {
		errs = append(errs, fmt.Errorf("crypto.iterations must be at least %d", keystore.MinIterations))
	}

	if err := c.Fraud.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.MaxAttempts < 0 || c.Auth.Timeout < 0 || c.Auth.BackoffBase < 0 {
		errs = append(errs, errors.New("auth values must not be negative"))
	}
	if c.Audit.Capacity < 0 || c.History.Size < 0 || c.Queue.MaxReplayAttempts < 0 {
		errs = append(errs, errors.New("audit.capacity, history.size and queue.max_replay_attempts must not be negative"))
	}

	seen := make(map[string]bool)
	for i, g := range c.Gateways.Endpoints {
		if g.Name == "" || g.URL == "" {
			errs = append(errs, fmt.Errorf("gateways.endpoints[%d]: name and url are required", i))
			continue
		}
		if seen[g.Name] {
			errs = append(errs, fmt.Errorf("gateways.endpoints[%d]: duplicate name %q", i, g.Name))
		}
		seen[g.Name] = true
	}

	for name, l := range c.Server.RateLimits {
		if l != nil && (l.MaxRequests < 0 || l.Window < 0) {
			errs = append(errs, fmt.Errorf("server.rate_limits.%s: values must not be negative", name))
		}
	}

	for i, a := range c.Alerts {
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("alerts[%d]: url is required", i))
		}
		switch a.Format {
		case "", "generic", "slack", "pagerduty":
		default:
			errs = append(errs, fmt.Errorf("alerts[%d]: format %q is not supported", i, a.Format))
		}
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not supported", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not supported", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
