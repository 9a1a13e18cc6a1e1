package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/payvault/internal/notify"
)

func writeBinary(t *testing.T, content string) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payvault-bin")
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte(content))
	return path, hex.EncodeToString(sum[:])
}

func TestVerifySkipsWhenNoExpectedHash(t *testing.T) {
	old := ExpectedHash
	ExpectedHash = ""
	defer func() { ExpectedHash = old }()

	c := &Checker{ChecksumPaths: []string{"/nonexistent/path"}}
	if err := c.Verify(); err != nil {
		t.Fatalf("expected nil error without an expected hash, got %v", err)
	}
}

func TestVerifyPassesWithCorrectHash(t *testing.T) {
	bin, sum := writeBinary(t, "test binary content")
	c := &Checker{Expected: strings.ToUpper(sum), Binary: bin}
	if err := c.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyUsesChecksumFile(t *testing.T) {
	old := ExpectedHash
	ExpectedHash = ""
	defer func() { ExpectedHash = old }()

	bin, sum := writeBinary(t, "checked via file")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ChecksumFile), []byte("not-a-hash\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	good := filepath.Join(t.TempDir(), ChecksumFile)
	if err := os.WriteFile(good, []byte(sum+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	c := &Checker{ChecksumPaths: []string{filepath.Join(dir, ChecksumFile), good}, Binary: bin}
	if err := c.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	c.Binary, _ = writeBinary(t, "different content")
	if err := c.Verify(); !errors.Is(err, ErrTampered) {
		t.Fatalf("expected ErrTampered, got %v", err)
	}
}

func TestTamperEventRecordedOnMismatch(t *testing.T) {
	bin, _ := writeBinary(t, "patched binary")
	logDir := t.TempDir()
	rec := &notify.Recorder{}

	c := &Checker{Expected: strings.Repeat("ab", 32), Binary: bin, TamperLogDir: logDir, Sink: rec}
	err := c.Verify()
	if !errors.Is(err, ErrTampered) {
		t.Fatalf("expected ErrTampered, got %v", err)
	}

	data, err := os.ReadFile(filepath.Join(logDir, TamperLog))
	if err != nil {
		t.Fatalf("tamper log not written: %v", err)
	}
	var event TamperEvent
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &event); err != nil {
		t.Fatalf("invalid tamper event: %v", err)
	}
	if event.Type != "binary_tamper" || event.Binary != bin {
		t.Errorf("event = %+v", event)
	}
	if event.ExpectedHash != strings.Repeat("ab", 32) || len(event.ActualHash) != 64 {
		t.Errorf("hashes = %s / %s", event.ExpectedHash, event.ActualHash)
	}

	if rec.Count(notify.KindBinaryTamper) != 1 {
		t.Errorf("expected one tamper notification, got %d", rec.Count(notify.KindBinaryTamper))
	}
}

func TestTamperLogAppends(t *testing.T) {
	bin, _ := writeBinary(t, "x")
	logDir := t.TempDir()
	c := &Checker{Expected: strings.Repeat("0", 64), Binary: bin, TamperLogDir: logDir}
	c.Verify()
	c.Verify()

	data, err := os.ReadFile(filepath.Join(logDir, TamperLog))
	if err != nil {
		t.Fatal(err)
	}
	if n := len(strings.Split(strings.TrimSpace(string(data)), "\n")); n != 2 {
		t.Errorf("expected 2 tamper lines, got %d", n)
	}
	info, err := os.Stat(filepath.Join(logDir, TamperLog))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("tamper log mode = %o", info.Mode().Perm())
	}
}

func TestNewCheckerPaths(t *testing.T) {
	c := NewChecker("/home/a/.payvault", nil, nil)
	if len(c.ChecksumPaths) != 2 || c.ChecksumPaths[1] != "/home/a/.payvault/binary.sha256" {
		t.Errorf("paths = %v", c.ChecksumPaths)
	}
	if c.TamperLogDir != "/home/a/.payvault" || c.Logger == nil {
		t.Errorf("checker = %+v", c)
	}
}

func TestHashSelf(t *testing.T) {
	h, err := HashSelf()
	if err != nil {
		t.Fatalf("HashSelf: %v", err)
	}
	if len(h) != 64 || !isHex(h) {
		t.Errorf("HashSelf = %q", h)
	}
}
