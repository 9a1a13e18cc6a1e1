// Package state holds the engine's shared in-memory state: the session,
// the fraud-history window, the audit ring, the identity and the clock.
package state

import (
	"sync"
	"time"

	"github.com/ppiankov/payvault/internal/model"
)

// DefaultAuditCapacity is the audit ring size when none is configured.
const DefaultAuditCapacity = 1000

// Options configures an EngineContext.
type Options struct {
	UserID        string
	DeviceID      string
	AuditCapacity int
	HistorySize   int
	HistoryAge    time.Duration
	Now           func() time.Time
}

// EngineContext is passed to every component constructor in place of
// package-level singletons.
type EngineContext struct {
	UserID   string
	DeviceID string

	Session *Session
	History *History
	Audit   *Ring[model.AuditEntry]

	now func() time.Time

	mu     sync.RWMutex
	device model.DeviceFingerprint
}

// New builds an EngineContext.
func New(opts Options) *EngineContext {
	capacity := opts.AuditCapacity
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &EngineContext{
		UserID:   opts.UserID,
		DeviceID: opts.DeviceID,
		Session:  NewSession(),
		History:  NewHistory(opts.HistorySize, opts.HistoryAge),
		Audit:    NewRing[model.AuditEntry](capacity),
		now:      now,
	}
}

// Now returns the current time from the configured clock.
func (c *EngineContext) Now() time.Time {
	return c.now()
}

// Device returns the fingerprint of the running device.
func (c *EngineContext) Device() model.DeviceFingerprint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device
}

// SetDevice records the fingerprint of the running device.
func (c *EngineContext) SetDevice(fp model.DeviceFingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.device = fp
}
