// Package audit is the engine's append-only, encrypted event log. Entries
// are risk-classified, kept in a bounded in-memory ring, persisted through
// the vault and chained by hash so that gaps and edits are detectable.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ppiankov/payvault/internal/model"
	"github.com/ppiankov/payvault/internal/state"
)

// Sealer is the encrypted persistence the log writes through.
// *vault.Vault satisfies it.
type Sealer interface {
	StoreJSON(ctx context.Context, key string, value any) error
	LoadJSON(ctx context.Context, key string, out any) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ThreatHandler is invoked for every high-risk entry, after the log's
// lock has been released.
type ThreatHandler func(ctx context.Context, entry model.AuditEntry)

// Log records audit entries.
type Log struct {
	ec     *state.EngineContext
	store  Sealer
	logger *slog.Logger

	mu       sync.Mutex
	prevHash string
	threat   ThreatHandler
}

// LoadReport describes a LoadAll pass.
type LoadReport struct {
	Loaded  int      `json:"loaded"`
	Skipped int      `json:"skipped"`
	Failed  []string `json:"failed,omitempty"`
}

// Open creates a Log and restores the ring and the chain tail from
// persisted entries. Entries that cannot be decrypted are skipped.
func Open(ctx context.Context, ec *state.EngineContext, store Sealer, logger *slog.Logger) (*Log, error) {
	if ec == nil || store == nil {
		return nil, fmt.Errorf("audit: engine context and store are required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	l := &Log{ec: ec, store: store, logger: logger, prevHash: GenesisHash}

	entries, report, err := l.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	if report.Skipped > 0 {
		logger.Warn("audit entries skipped on open", "skipped", report.Skipped)
	}
	if len(entries) > 0 {
		tail, err := HashEntry(entries[0])
		if err != nil {
			return nil, err
		}
		l.prevHash = tail
		n := min(len(entries), ec.Audit.Cap())
		for i := n - 1; i >= 0; i-- {
			ec.Audit.Push(entries[i])
		}
	}
	return l, nil
}

// SetThreatHandler installs the callback for high-risk entries.
func (l *Log) SetThreatHandler(h ThreatHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threat = h
}

// Record classifies, chains, buffers and persists a new entry. When
// persistence fails the entry is still returned and kept in the ring,
// together with the error.
func (l *Log) Record(ctx context.Context, kind model.EventKind, details map[string]string) (model.AuditEntry, error) {
	entry, threat, persistErr := l.append(ctx, kind, details)
	if entry.Risk == model.RiskHigh && threat != nil {
		threat(ctx, entry)
	}
	return entry, persistErr
}

func (l *Log) append(ctx context.Context, kind model.EventKind, details map[string]string) (model.AuditEntry, ThreatHandler, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, err := uuid.NewV7()
	if err != nil {
		return model.AuditEntry{}, nil, fmt.Errorf("audit: new id: %w", err)
	}
	now := l.ec.Now().UTC()

	entry := model.AuditEntry{
		ID:        id.String(),
		Timestamp: now,
		Kind:      kind,
		ActorID:   l.ec.UserID,
		Device:    l.ec.Device(),
		Details:   copyDetails(details),
		SessionID: l.ec.Session.Snapshot().SessionID,
		PrevHash:  l.prevHash,
	}
	entry.Risk = Classify(kind, entry.Details, l.ec.Audit.Recent(0), now)

	hash, err := HashEntry(entry)
	if err != nil {
		return entry, nil, err
	}
	l.prevHash = hash
	l.ec.Audit.Push(entry)

	var persistErr error
	if err := l.store.StoreJSON(ctx, KeyPrefix+entry.ID, entry); err != nil {
		persistErr = fmt.Errorf("audit: persist entry %s: %w", entry.ID, err)
		l.logger.Warn("audit entry not persisted", "id", entry.ID, "kind", string(kind), "error", err)
	}
	return entry, l.threat, persistErr
}

// LoadAll decrypts every persisted entry, newest first. Entries that fail
// to decrypt or parse are skipped and counted.
func (l *Log) LoadAll(ctx context.Context) ([]model.AuditEntry, LoadReport, error) {
	keys, err := l.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, LoadReport{}, fmt.Errorf("audit: list entries: %w", err)
	}

	var report LoadReport
	entries := make([]model.AuditEntry, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		var e model.AuditEntry
		if err := l.store.LoadJSON(ctx, key, &e); err != nil {
			l.logger.Warn("audit entry skipped", "key", key,
				"decrypt_failed", errors.Is(err, model.ErrDecryptionFailed), "error", err)
			report.Skipped++
			report.Failed = append(report.Failed, key)
			continue
		}
		entries = append(entries, e)
	}
	report.Loaded = len(entries)
	SortNewestFirst(entries)
	return entries, report, nil
}

// Recent returns up to n entries from the in-memory ring, newest first.
func (l *Log) Recent(n int) []model.AuditEntry {
	return l.ec.Audit.Recent(n)
}

// SortNewestFirst orders entries by descending timestamp. IDs are
// time-ordered, so they break ties.
func SortNewestFirst(entries []model.AuditEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].ID > entries[j].ID
	})
}

func copyDetails(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
