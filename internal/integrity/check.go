// Package integrity verifies the running binary's checksum before the
// engine opens the vault. The expected hash is embedded at build time via
// ldflags or read from a checksum file. On mismatch a tamper event is
// recorded and the process refuses to start.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/payvault/internal/notify"
)

// ExpectedHash is set at build time via:
//
//	-ldflags "-X github.com/ppiankov/payvault/internal/integrity.ExpectedHash=<sha256hex>"
//
// When empty (dev builds), verification falls back to a checksum file.
var ExpectedHash string

// ChecksumFile is the checksum file name looked up in each search directory.
const ChecksumFile = "binary.sha256"

// TamperLog is the JSONL file tamper events are appended to.
const TamperLog = "tamper.jsonl"

// ErrTampered reports a checksum mismatch.
var ErrTampered = errors.New("integrity: binary checksum mismatch")

// TamperEvent records a binary integrity violation.
type TamperEvent struct {
	Timestamp    string `json:"timestamp"`
	Binary       string `json:"binary"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	Hostname     string `json:"hostname"`
	Type         string `json:"type"`
}

// Checker verifies one binary against an expected hash.
type Checker struct {
	// Expected overrides ExpectedHash and the checksum files.
	Expected string
	// ChecksumPaths are tried in order when no hash is embedded.
	ChecksumPaths []string
	// TamperLogDir receives tamper.jsonl. Empty disables the file log.
	TamperLogDir string
	// Binary defaults to os.Executable.
	Binary string
	Sink   notify.Sink
	Logger *slog.Logger
}

// NewChecker returns a Checker that looks for binary.sha256 in
// /etc/payvault and configDir, and logs tampering to configDir.
func NewChecker(configDir string, sink notify.Sink, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Checker{
		ChecksumPaths: []string{
			filepath.Join("/etc/payvault", ChecksumFile),
			filepath.Join(configDir, ChecksumFile),
		},
		TamperLogDir: configDir,
		Sink:         sink,
		Logger:       logger,
	}
}

// Verify hashes the binary and compares it to the expected hash.
// Returns nil when they match or when no expected hash is known (dev mode).
func (c *Checker) Verify() error {
	logger := c.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	expected := c.Expected
	if expected == "" {
		expected = ExpectedHash
	}
	if expected == "" {
		expected = loadChecksumFile(c.ChecksumPaths)
	}
	if expected == "" {
		logger.Warn("integrity check skipped, no build-time hash or checksum file")
		return nil
	}
	expected = strings.ToLower(expected)

	bin := c.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("integrity: cannot resolve executable path: %w", err)
		}
		bin = exe
	}

	actual, err := HashFile(bin)
	if err != nil {
		return fmt.Errorf("integrity: cannot hash binary: %w", err)
	}
	if actual == expected {
		logger.Info("binary checksum verified", "sha256", actual[:8]+"..."+actual[len(actual)-8:])
		return nil
	}

	event := TamperEvent{
		Timestamp:    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Binary:       bin,
		ExpectedHash: expected,
		ActualHash:   actual,
		Type:         string(notify.KindBinaryTamper),
	}
	event.Hostname, _ = os.Hostname()
	c.record(event, logger)

	return fmt.Errorf("%w (expected %s, got %s)", ErrTampered, expected, actual)
}

// record appends the event to the tamper log and notifies the sink.
func (c *Checker) record(event TamperEvent, logger *slog.Logger) {
	if c.TamperLogDir != "" {
		if err := appendEvent(filepath.Join(c.TamperLogDir, TamperLog), event); err != nil {
			logger.Error("tamper log write failed", "error", err)
		}
	}
	logger.Error("binary tamper detected",
		"binary", event.Binary, "expected", event.ExpectedHash, "actual", event.ActualHash)

	if c.Sink != nil {
		c.Sink.Notify(notify.Event{
			Kind:    notify.KindBinaryTamper,
			Message: "binary checksum mismatch, engine refused to start",
			Details: map[string]string{
				"binary":        event.Binary,
				"expected_hash": event.ExpectedHash,
				"actual_hash":   event.ActualHash,
				"hostname":      event.Hostname,
			},
			Time: time.Now(),
		})
	}
}

func appendEvent(path string, event TamperEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// HashSelf returns the SHA-256 hex digest of the running binary.
// Useful for writing the checksum file after install.
func HashSelf() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("integrity: cannot resolve executable path: %w", err)
	}
	return HashFile(exePath)
}

// HashFile returns the SHA-256 hex digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// loadChecksumFile returns the first valid hash found in paths, or "".
func loadChecksumFile(paths []string) string {
	for _, p := range paths {
		data, err := os.ReadFile(os.ExpandEnv(p))
		if err != nil {
			continue
		}
		hash := strings.ToLower(strings.TrimSpace(string(data)))
		if len(hash) == 64 && isHex(hash) {
			return hash
		}
	}
	return ""
}

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}
