package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ppiankov/payvault/internal/kvstore"
	"github.com/ppiankov/payvault/internal/model"
)

// StorageKey is where the trusted fingerprint is kept.
const StorageKey = "device/fingerprint"

// JSONStore is the encrypted persistence the tracker uses.
// *vault.Vault satisfies it.
type JSONStore interface {
	StoreJSON(ctx context.Context, key string, value any) error
	LoadJSON(ctx context.Context, key string, out any) error
}

// Observation is the result of comparing the current device to the
// trusted snapshot.
type Observation struct {
	Stored  *model.DeviceFingerprint
	Current model.DeviceFingerprint
	Changed bool
	First   bool
}

// Tracker holds one trusted fingerprint. A changed fingerprint is reported,
// never silently accepted.
type Tracker struct {
	store JSONStore
	mu    sync.Mutex
}

// NewTracker creates a Tracker.
func NewTracker(store JSONStore) *Tracker {
	return &Tracker{store: store}
}

// Stored returns the trusted fingerprint, or nil when none is recorded.
func (t *Tracker) Stored(ctx context.Context) (*model.DeviceFingerprint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.storedLocked(ctx)
}

func (t *Tracker) storedLocked(ctx context.Context) (*model.DeviceFingerprint, error) {
	var fp model.DeviceFingerprint
	if err := t.store.LoadJSON(ctx, StorageKey, &fp); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("device: load fingerprint: %w", err)
	}
	return &fp, nil
}

// Observe compares current with the trusted snapshot. The first fingerprint
// ever seen becomes trusted. An unchanged fingerprint is rewritten; a
// changed one leaves the snapshot untouched.
func (t *Tracker) Observe(ctx context.Context, current model.DeviceFingerprint) (Observation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stored, err := t.storedLocked(ctx)
	if err != nil {
		return Observation{Current: current}, err
	}
	obs := Observation{Stored: stored, Current: current}
	switch {
	case stored == nil:
		obs.First = true
	case !stored.Equal(current):
		obs.Changed = true
		return obs, nil
	}
	if err := t.store.StoreJSON(ctx, StorageKey, current); err != nil {
		return obs, fmt.Errorf("device: store fingerprint: %w", err)
	}
	return obs, nil
}

// Trust replaces the snapshot with fp.
func (t *Tracker) Trust(ctx context.Context, fp model.DeviceFingerprint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store.StoreJSON(ctx, StorageKey, fp); err != nil {
		return fmt.Errorf("device: trust fingerprint: %w", err)
	}
	return nil
}
