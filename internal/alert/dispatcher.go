package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/payvault/internal/notify"
	"github.com/ppiankov/payvault/internal/redact"
)

// Dispatcher fans notifications out to matching webhook configurations.
// It implements notify.Sink.
type Dispatcher struct {
	configs  []AlertConfig
	userID   string
	deviceID string
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []AlertConfig, userID, deviceID string, logger *slog.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{configs: configs, userID: userID, deviceID: deviceID, logger: logger}
}

// Notify converts ev to an AlertEvent and dispatches it. Message and
// details leave the device scrubbed. A nil Dispatcher drops the event.
func (d *Dispatcher) Notify(ev notify.Event) {
	if d == nil {
		return
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	d.Dispatch(AlertEvent{
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Kind:      string(ev.Kind),
		Severity:  SeverityFor(ev.Kind),
		Message:   redact.Text(ev.Message),
		UserID:    d.userID,
		DeviceID:  d.deviceID,
		Details:   redact.Map(ev.Details),
	})
}

// Dispatch sends the event to all webhooks whose Events list matches.
// Fires goroutines and does not block the caller.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	for _, cfg := range d.configs {
		if matches(cfg.Events, event) {
			d.wg.Add(1)
			go func(cfg AlertConfig) {
				defer d.wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
				defer cancel()
				if err := SendContext(ctx, cfg, event); err != nil {
					d.logger.Warn("alert webhook failed", "kind", event.Kind, "format", cfg.Format, "error", err)
				}
			}(cfg)
		}
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if e == event.Kind || e == "*" {
			return true
		}
	}
	return false
}

// SeverityFor maps a notification kind to an alert severity.
func SeverityFor(kind notify.Kind) string {
	switch kind {
	case notify.KindFraudBlocked, notify.KindSessionLockout, notify.KindBinaryTamper:
		return "critical"
	case notify.KindFraudAlert:
		return "warning"
	default:
		return "info"
	}
}
