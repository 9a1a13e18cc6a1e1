package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/ppiankov/payvault/internal/config"
	"github.com/ppiankov/payvault/internal/engine"
	"github.com/ppiankov/payvault/internal/integrity"
	"github.com/ppiankov/payvault/internal/queue"
)

// writeTestConfig points the global flags at an offline engine with file
// storage under a temp dir.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`identity:
  user_id: tester
  device_id: laptop
storage:
  driver: file
  dir: %s
crypto:
  iterations: 10000
fraud:
  timezone: UTC
queue:
  start_online: false
log:
  level: error
`, filepath.Join(dir, "data"))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	configPath = path
	envFile = ""
	logLevel = ""
	logFormat = ""
	assumeYes = true
	t.Cleanup(func() {
		configPath = ""
		assumeYes = false
	})
	return dir
}

func capture(cmd *cobra.Command) (*bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	return &out, &errOut
}

func resetOutput(cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.SetOut(nil)
		c.SetErr(nil)
	}
}

func TestProcessOfflineQueuesAndAudits(t *testing.T) {
	dir := writeTestConfig(t)
	defer resetOutput(processCmd, queueListCmd, auditExportCmd, auditVerifyCmd, keystoreCmd)

	processAmount = "25.00"
	processCurrency = "eur"
	processClient = "client-9"
	processKind = "session_fee"
	processKey = "order-9"

	out, _ := capture(processCmd)
	if err := runProcess(processCmd, nil); err != nil {
		t.Fatalf("runProcess: %v", err)
	}
	var res engine.Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("process output: %v\n%s", err, out.String())
	}
	if res.Transaction.ID != "order-9" || res.Transaction.Status != "queued-offline" {
		t.Fatalf("transaction = %+v", res.Transaction)
	}
	if res.Transaction.Currency != "EUR" {
		t.Errorf("currency = %q, want EUR", res.Transaction.Currency)
	}

	out, _ = capture(queueListCmd)
	if err := runQueueList(queueListCmd, nil); err != nil {
		t.Fatalf("runQueueList: %v", err)
	}
	var items []queue.Item
	if err := json.Unmarshal(out.Bytes(), &items); err != nil {
		t.Fatalf("queue output: %v\n%s", err, out.String())
	}
	if len(items) != 1 || items[0].Transaction.ID != "order-9" {
		t.Fatalf("queue = %+v", items)
	}

	exportPath = filepath.Join(dir, "audit.jsonl")
	defer func() { exportPath = "" }()
	capture(auditExportCmd)
	if err := runAuditExport(auditExportCmd, nil); err != nil {
		t.Fatalf("runAuditExport: %v", err)
	}
	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(data), `"transaction_queued"`) {
		t.Errorf("export has no queued entry:\n%s", data)
	}

	verifyInput = exportPath
	defer func() { verifyInput = "" }()
	out, _ = capture(auditVerifyCmd)
	if err := runAuditVerify(auditVerifyCmd, nil); err != nil {
		t.Fatalf("verify export: %v", err)
	}
	if !strings.HasPrefix(out.String(), "OK:") {
		t.Errorf("verify output = %q", out.String())
	}

	verifyInput = ""
	out, _ = capture(auditVerifyCmd)
	if err := runAuditVerify(auditVerifyCmd, nil); err != nil {
		t.Fatalf("verify vault: %v", err)
	}
	if !strings.HasPrefix(out.String(), "OK:") {
		t.Errorf("verify output = %q", out.String())
	}

	out, _ = capture(keystoreCmd)
	if err := runKeystore(keystoreCmd, nil); err != nil {
		t.Fatalf("runKeystore: %v", err)
	}
	var kc map[string]any
	if err := json.Unmarshal(out.Bytes(), &kc); err != nil {
		t.Fatalf("keystore output: %v", err)
	}
	if kc["user_id"] != "tester" || kc["salt_bytes"] != float64(32) {
		t.Errorf("keystore = %v", kc)
	}
}

func TestAuditVerifyDetectsTampering(t *testing.T) {
	dir := writeTestConfig(t)
	defer resetOutput(authCmd, auditExportCmd, auditVerifyCmd)

	capture(authCmd)
	if err := runAuth(authCmd, nil); err != nil {
		t.Fatalf("runAuth: %v", err)
	}
	exportPath = filepath.Join(dir, "audit.jsonl")
	defer func() { exportPath = "" }()
	capture(auditExportCmd)
	if err := runAuditExport(auditExportCmd, nil); err != nil {
		t.Fatalf("runAuditExport: %v", err)
	}

	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least two entries from two authentications, got %d", len(lines))
	}
	lines[0] = strings.Replace(lines[0], `"kind":"`, `"kind":"x`, 1)
	tampered := filepath.Join(dir, "tampered.jsonl")
	if err := os.WriteFile(tampered, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	verifyInput = tampered
	defer func() { verifyInput = "" }()
	_, errOut := capture(auditVerifyCmd)
	if err := runAuditVerify(auditVerifyCmd, nil); err == nil {
		t.Fatal("expected tampering to be detected")
	}
	if !strings.Contains(errOut.String(), "FAILED at entry 2") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestProcessRejectsBadAmount(t *testing.T) {
	writeTestConfig(t)
	processAmount = "ten"
	processClient = "c1"
	err := runProcess(processCmd, nil)
	if err == nil || !strings.Contains(err.Error(), "not a decimal") {
		t.Fatalf("expected decimal error, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		log     config.Log
		wantErr bool
	}{
		{config.Log{}, false},
		{config.Log{Level: "debug", Format: "text"}, false},
		{config.Log{Level: "WARN", Format: "JSON"}, false},
		{config.Log{Level: "loud"}, true},
		{config.Log{Format: "xml"}, true},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger, err := newLogger(&buf, tt.log)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%+v: expected error", tt.log)
			}
			continue
		}
		if err != nil {
			t.Errorf("%+v: unexpected error: %v", tt.log, err)
			continue
		}
		logger.Error("log line")
		if !strings.Contains(buf.String(), "log line") {
			t.Errorf("%+v: nothing logged", tt.log)
		}
	}
}

func TestChecksumWriteThenVerify(t *testing.T) {
	dir := writeTestConfig(t)
	defer resetOutput(checksumCmd)

	checksumWrite = true
	defer func() { checksumWrite = false }()
	out, _ := capture(checksumCmd)
	if err := runChecksum(checksumCmd, nil); err != nil {
		t.Fatalf("runChecksum: %v", err)
	}
	if !strings.Contains(out.String(), filepath.Join(dir, integrity.ChecksumFile)) {
		t.Errorf("output = %q", out.String())
	}
	if err := verifyBinary(checksumCmd); err != nil {
		t.Fatalf("verifyBinary after --write: %v", err)
	}
}

func TestVerifyBinaryRefusesMismatch(t *testing.T) {
	dir := writeTestConfig(t)
	defer resetOutput(serveCmd)

	sum := strings.Repeat("0", 64)
	if err := os.WriteFile(filepath.Join(dir, integrity.ChecksumFile), []byte(sum), 0o600); err != nil {
		t.Fatal(err)
	}
	capture(serveCmd)
	err := verifyBinary(serveCmd)
	if !errors.Is(err, integrity.ErrTampered) {
		t.Fatalf("expected ErrTampered, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, integrity.TamperLog)); err != nil {
		t.Errorf("tamper log missing: %v", err)
	}
}
