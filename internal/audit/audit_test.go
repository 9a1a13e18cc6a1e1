package audit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/payvault/internal/keystore"
	"github.com/ppiankov/payvault/internal/kvstore"
	"github.com/ppiankov/payvault/internal/model"
	"github.com/ppiankov/payvault/internal/state"
	"github.com/ppiankov/payvault/internal/vault"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	kv    kvstore.Store
	vault *vault.Vault
	ec    *state.EngineContext
	clock *testClock
	log   *Log
}

func newFixture(t testing.TB, kv kvstore.Store) *fixture {
	t.Helper()
	if kv == nil {
		kv = kvstore.NewMemory()
	}
	ks, err := keystore.New(kv, "coach-1", "device-1", keystore.MinIterations)
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	v, err := vault.New(kv, ks, "")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	clock := &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	ec := state.New(state.Options{UserID: "coach-1", DeviceID: "device-1", AuditCapacity: 50, Now: clock.Now})
	l, err := Open(context.Background(), ec, v, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return &fixture{kv: kv, vault: v, ec: ec, clock: clock, log: l}
}

func (f *fixture) record(t *testing.T, kind model.EventKind, details map[string]string) model.AuditEntry {
	t.Helper()
	f.clock.Advance(time.Second)
	e, err := f.log.Record(context.Background(), kind, details)
	if err != nil {
		t.Fatalf("Record %s: %v", kind, err)
	}
	return e
}

func TestRecordPopulatesEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.ec.SetDevice(model.DeviceFingerprint{InstallationID: "inst-1", Platform: "linux"})

	e := f.record(t, model.EventLogout, map[string]string{"previous_tier": "standard"})
	if e.ID == "" || e.ActorID != "coach-1" || e.Device.InstallationID != "inst-1" {
		t.Fatalf("entry not populated: %+v", e)
	}
	if e.PrevHash != GenesisHash {
		t.Fatalf("first entry prev_hash = %s", e.PrevHash)
	}
	if e.Risk != model.RiskLow {
		t.Fatalf("logout risk = %s", e.Risk)
	}

	raw, err := f.kv.Get(context.Background(), KeyPrefix+e.ID)
	if err != nil {
		t.Fatalf("entry not persisted: %v", err)
	}
	if bytes.Contains(raw, []byte("previous_tier")) {
		t.Fatal("audit entry persisted in plaintext")
	}
}

func TestRingMostRecentFirst(t *testing.T) {
	f := newFixture(t, nil)
	kinds := []model.EventKind{model.EventAuthSuccess, model.EventTransactionSuccess, model.EventLogout}
	for _, k := range kinds {
		f.record(t, k, nil)
	}
	recent := f.log.Recent(0)
	if len(recent) != 3 || recent[0].Kind != model.EventLogout || recent[2].Kind != model.EventAuthSuccess {
		t.Fatalf("unexpected ring order: %v", recent)
	}
	if got := f.log.Recent(1); len(got) != 1 || got[0].Kind != model.EventLogout {
		t.Fatalf("Recent(1) = %v", got)
	}
}

func TestLoadAllNewestFirstAndChainValid(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.record(t, model.EventGatewayAttempt, map[string]string{"gateway": "primary"})
	}

	entries, report, err := f.log.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(entries) != 5 || report.Loaded != 5 || report.Skipped != 0 {
		t.Fatalf("loaded %d, report %+v", len(entries), report)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp.After(entries[i-1].Timestamp) {
			t.Fatal("LoadAll must return newest first")
		}
	}

	res := Verify(entries)
	if !res.Valid || res.Entries != 5 {
		t.Fatalf("expected valid chain, got %+v", res)
	}
}

func TestLoadAllSkipsUndecryptable(t *testing.T) {
	f := newFixture(t, nil)
	f.record(t, model.EventAuthSuccess, nil)
	bad := f.record(t, model.EventLogout, nil)
	f.record(t, model.EventAuthSuccess, nil)

	if err := f.kv.Set(context.Background(), KeyPrefix+bad.ID, []byte("garbage")); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	entries, report, err := f.log.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll must not fail on a bad entry: %v", err)
	}
	if len(entries) != 2 || report.Skipped != 1 || report.Failed[0] != KeyPrefix+bad.ID {
		t.Fatalf("entries=%d report=%+v", len(entries), report)
	}

	res := Verify(entries)
	if res.Valid {
		t.Fatal("a missing entry must break the chain")
	}
}

func TestVerifyDetectsEditedEntry(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		f.record(t, model.EventTransactionSuccess, map[string]string{"amount": "50"})
	}
	entries := f.log.Recent(0)
	// entries are newest first; edit the oldest
	entries[2].Details = map[string]string{"amount": "5"}

	res := Verify(entries)
	if res.Valid {
		t.Fatal("expected edited chain to be invalid")
	}
	if res.ErrorIndex != 2 {
		t.Fatalf("expected error at entry 2, got %d (%s)", res.ErrorIndex, res.Error)
	}
}

func TestOpenRestoresChainTail(t *testing.T) {
	kv := kvstore.NewMemory()
	f := newFixture(t, kv)
	f.record(t, model.EventAuthSuccess, nil)
	f.record(t, model.EventLogout, nil)

	reopened := newFixture(t, kv)
	if reopened.ec.Audit.Len() != 2 {
		t.Fatalf("ring not restored: %d", reopened.ec.Audit.Len())
	}
	reopened.clock.Advance(time.Hour)
	reopened.record(t, model.EventAuthSuccess, nil)

	entries, _, err := reopened.log.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if res := Verify(entries); !res.Valid {
		t.Fatalf("chain broken across reopen: %+v", res)
	}
}

func TestRepeatedAuthFailuresEscalateAndTriggerThreat(t *testing.T) {
	f := newFixture(t, nil)
	var threats []model.AuditEntry
	f.log.SetThreatHandler(func(_ context.Context, e model.AuditEntry) {
		threats = append(threats, e)
		// re-entrant write must not deadlock
		if _, err := f.log.Record(context.Background(), model.EventSessionLockout, nil); err != nil {
			t.Errorf("lockout record: %v", err)
		}
	})

	first := f.record(t, model.EventAuthFailed, nil)
	second := f.record(t, model.EventAuthFailed, nil)
	third := f.record(t, model.EventAuthFailed, nil)

	if first.Risk != model.RiskMedium || second.Risk != model.RiskMedium {
		t.Fatalf("early failures should be medium: %s %s", first.Risk, second.Risk)
	}
	if third.Risk != model.RiskHigh {
		t.Fatalf("third failure should be high, got %s", third.Risk)
	}
	if len(threats) != 1 || threats[0].ID != third.ID {
		t.Fatalf("threat handler calls = %d", len(threats))
	}
	if got := f.log.Recent(1)[0]; got.Kind != model.EventSessionLockout || got.Risk == model.RiskHigh {
		t.Fatalf("lockout entry = %+v", got)
	}
}

func TestFailureCountResetsAfterSuccessAndWindow(t *testing.T) {
	f := newFixture(t, nil)
	f.record(t, model.EventAuthFailed, nil)
	f.record(t, model.EventAuthFailed, nil)
	f.record(t, model.EventAuthSuccess, nil)
	if e := f.record(t, model.EventAuthFailed, nil); e.Risk != model.RiskMedium {
		t.Fatalf("success must reset the count, got %s", e.Risk)
	}

	f.record(t, model.EventAuthFailed, nil)
	f.clock.Advance(16 * time.Minute)
	if e := f.record(t, model.EventAuthFailed, nil); e.Risk != model.RiskMedium {
		t.Fatalf("failures outside the window must not count, got %s", e.Risk)
	}
}

type failingSealer struct{ Sealer }

func (failingSealer) StoreJSON(context.Context, string, any) error {
	return errors.New("disk full")
}

func TestPersistFailureStillReturnsEntry(t *testing.T) {
	f := newFixture(t, nil)
	l, err := Open(context.Background(), f.ec, failingSealer{f.vault}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e, err := l.Record(context.Background(), model.EventTransactionSuccess, map[string]string{"amount": "10"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected persist error, got %v", err)
	}
	if e.ID == "" || l.Recent(1)[0].ID != e.ID {
		t.Fatal("entry must still be returned and buffered")
	}
}

func TestJSONLExportVerifies(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 4; i++ {
		f.record(t, model.EventQueueReplay, map[string]string{"id": "tx"})
	}
	entries, _, err := f.log.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteJSONL(&buf, entries); err != nil {
		t.Fatalf("WriteJSONL: %v", err)
	}
	if res := VerifyJSONL(bytes.NewReader(buf.Bytes())); !res.Valid || res.Entries != 4 {
		t.Fatalf("export does not verify: %+v", res)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	lines[1] = strings.Replace(lines[1], `"queue_replay"`, `"queue_drain"`, 1)
	res := VerifyJSONL(strings.NewReader(strings.Join(lines, "\n") + "\n"))
	if res.Valid || res.ErrorIndex != 3 {
		t.Fatalf("expected tamper detected at line 3, got %+v", res)
	}
}
