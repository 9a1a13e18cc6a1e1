// Package engine wires the payvault components together and exposes the
// transaction entry point. Every payment flows through Process: auth gate,
// validation, fraud scoring, gateway submission or offline queueing,
// encrypted persistence and audit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/payvault/internal/alert"
	"github.com/ppiankov/payvault/internal/audit"
	"github.com/ppiankov/payvault/internal/auth"
	"github.com/ppiankov/payvault/internal/config"
	"github.com/ppiankov/payvault/internal/connectivity"
	"github.com/ppiankov/payvault/internal/device"
	"github.com/ppiankov/payvault/internal/fraud"
	"github.com/ppiankov/payvault/internal/gateway"
	"github.com/ppiankov/payvault/internal/keystore"
	"github.com/ppiankov/payvault/internal/kvstore"
	"github.com/ppiankov/payvault/internal/model"
	"github.com/ppiankov/payvault/internal/notify"
	"github.com/ppiankov/payvault/internal/queue"
	"github.com/ppiankov/payvault/internal/state"
	"github.com/ppiankov/payvault/internal/vault"
)

// TxnPrefix namespaces terminal transactions in the vault.
const TxnPrefix = "txn/"

// ErrOffline is returned by Drain while connectivity is down.
var ErrOffline = errors.New("engine: offline")

// Options override components Open would otherwise build from config.
type Options struct {
	Store         kvstore.Store
	Clients       []gateway.Client
	Authenticator auth.Authenticator
	Confirmer     auth.Confirmer
	RetryPrompt   auth.RetryPrompt
	Sleeper       auth.Sleeper
	Sink          notify.Sink
	Collector     device.Collector
	Connectivity  *connectivity.Monitor
	Logger        *slog.Logger
	Now           func() time.Time
}

// Engine is the secure transaction engine for one user on one device.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	ec      *state.EngineContext
	kv      kvstore.Store
	ownsKV  bool
	keys    *keystore.KeyStore
	vault   *vault.Vault
	audit   *audit.Log
	gate    *auth.Gate
	scorer  *fraud.Scorer
	router  *gateway.Router
	clients []gateway.Client
	queue   *queue.Queue
	devices *device.Tracker
	conn    *connectivity.Monitor
	sink    notify.Sink
	alerts  *alert.Dispatcher

	maxReplay int

	persistMu sync.Mutex // dedupes terminal writes
}

// Open builds an Engine from cfg. A nil cfg uses config.DefaultConfig.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{cfg: cfg, logger: logger, maxReplay: cfg.Queue.MaxReplayAttempts}
	if e.maxReplay <= 0 {
		e.maxReplay = config.DefaultMaxReplayAttempts
	}

	e.kv = opts.Store
	if e.kv == nil {
		kv, err := kvstore.New(cfg.Storage, kvstore.Dependencies{})
		if err != nil {
			return nil, fmt.Errorf("engine: open store: %w", err)
		}
		e.kv, e.ownsKV = kv, true
	}

	if err := e.build(ctx, cfg, opts); err != nil {
		if e.ownsKV {
			_ = e.kv.Close()
		}
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context, cfg *config.Config, opts Options) error {
	keys, err := keystore.New(e.kv, cfg.Identity.UserID, cfg.Identity.DeviceID, cfg.Crypto.Iterations)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	// derive once up front so a broken salt fails here, not mid-payment
	key, err := keys.Key(ctx)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	keystore.Zero(key)
	e.keys = keys

	if e.vault, err = vault.New(e.kv, keys, cfg.Crypto.Cipher); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	e.ec = state.New(state.Options{
		UserID:        cfg.Identity.UserID,
		DeviceID:      cfg.Identity.DeviceID,
		AuditCapacity: cfg.Audit.Capacity,
		HistorySize:   cfg.History.Size,
		HistoryAge:    cfg.History.MaxAge,
		Now:           opts.Now,
	})

	collector := opts.Collector
	if collector == nil {
		collector = device.HostCollector{Override: cfg.Device.Fingerprint()}
	}
	fp, err := collector.Collect(ctx)
	if err != nil {
		e.logger.Warn("device fingerprint unavailable", "error", err)
		fp = cfg.Device.Fingerprint()
	}
	e.ec.SetDevice(fp)

	if e.audit, err = audit.Open(ctx, e.ec, e.vault, e.logger); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	sinks := []notify.Sink{opts.Sink}
	if d := alert.NewDispatcher(cfg.Alerts, cfg.Identity.UserID, cfg.Identity.DeviceID, e.logger); d != nil {
		e.alerts = d
		sinks = append(sinks, d)
	}
	e.sink = notify.Multi(sinks...)

	gateOpts := []auth.Option{
		auth.WithAuditor(e.audit),
		auth.WithSink(e.sink),
		auth.WithLogger(e.logger),
	}
	if opts.Authenticator != nil {
		gateOpts = append(gateOpts, auth.WithAuthenticator(opts.Authenticator))
	}
	if opts.Confirmer != nil {
		gateOpts = append(gateOpts, auth.WithConfirmer(opts.Confirmer))
	}
	if opts.RetryPrompt != nil {
		gateOpts = append(gateOpts, auth.WithRetryPrompt(opts.RetryPrompt))
	}
	if opts.Sleeper != nil {
		gateOpts = append(gateOpts, auth.WithSleeper(opts.Sleeper))
	}
	e.gate = auth.New(e.ec, cfg.Auth, gateOpts...)
	e.audit.SetThreatHandler(e.onThreat)

	if e.scorer, err = fraud.New(cfg.Fraud); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	e.router = gateway.NewRouter(
		gateway.WithAttemptTimeout(cfg.Gateways.AttemptTimeout),
		gateway.WithAuditor(e.audit),
		gateway.WithLogger(e.logger),
	)
	e.clients = opts.Clients
	if e.clients == nil {
		for _, gc := range cfg.Gateways.Endpoints {
			c, err := gateway.NewHTTPClient(gc, nil)
			if err != nil {
				return fmt.Errorf("engine: %w", err)
			}
			e.clients = append(e.clients, c)
		}
	}

	e.queue = queue.New(e.vault, e.ec.Now, e.logger)
	e.devices = device.NewTracker(e.vault)

	e.conn = opts.Connectivity
	if e.conn == nil {
		e.conn = connectivity.NewMonitor(cfg.Queue.StartOnline)
	}

	e.seedHistory(ctx)
	return nil
}

// seedHistory loads recent terminal transactions into the fraud window so
// a restart does not reset velocity checks.
func (e *Engine) seedHistory(ctx context.Context) {
	keys, err := e.vault.Keys(ctx, TxnPrefix)
	if err != nil {
		e.logger.Warn("transaction history unavailable", "error", err)
		return
	}
	now := e.ec.Now()
	maxAge := e.cfg.History.MaxAge
	if maxAge <= 0 {
		maxAge = state.DefaultHistoryAge
	}
	cutoff := now.Add(-maxAge)
	var txs []model.Transaction
	for _, k := range keys {
		var tx model.Transaction
		if err := e.vault.LoadJSON(ctx, k, &tx); err != nil {
			e.logger.Warn("transaction unreadable", "key", k, "error", err)
			continue
		}
		if tx.Timestamp.After(cutoff) {
			txs = append(txs, tx)
		}
	}
	sortByTime(txs)
	for _, tx := range txs {
		e.ec.History.Add(tx, now)
	}
}

// onThreat locks the session on every high-risk audit entry.
func (e *Engine) onThreat(ctx context.Context, entry model.AuditEntry) {
	e.gate.Lockout(ctx, fmt.Sprintf("high-risk event %s", entry.Kind))
	e.keys.Forget()
}

// Close releases the store if the engine opened it and waits for pending
// alert deliveries.
func (e *Engine) Close() error {
	e.alerts.Wait()
	e.keys.Forget()
	if e.ownsKV {
		return e.kv.Close()
	}
	return nil
}

// Authenticate starts or upgrades a session.
func (e *Engine) Authenticate(ctx context.Context, tier state.Tier) (state.SessionState, error) {
	return e.gate.Authenticate(ctx, tier)
}

// Logout ends the session and drops cached key material.
func (e *Engine) Logout(ctx context.Context) state.SessionState {
	st := e.gate.Logout(ctx)
	e.keys.Forget()
	return st
}

// Session returns the session after expiring it if idle.
func (e *Engine) Session(ctx context.Context) state.SessionState {
	e.gate.CheckSession(ctx)
	return e.gate.State()
}

// CheckSession runs one inactivity check.
func (e *Engine) CheckSession(ctx context.Context) bool {
	return e.gate.CheckSession(ctx)
}

// AuditHistory decrypts every persisted audit entry, newest first.
func (e *Engine) AuditHistory(ctx context.Context) ([]model.AuditEntry, audit.LoadReport, error) {
	if err := e.gate.Require(ctx, state.TierStandard); err != nil {
		return nil, audit.LoadReport{}, err
	}
	e.gate.Touch()
	return e.audit.LoadAll(ctx)
}

// RecentAudit returns up to n entries from the in-memory ring, newest first.
func (e *Engine) RecentAudit(ctx context.Context, n int) ([]model.AuditEntry, error) {
	if err := e.gate.Require(ctx, state.TierStandard); err != nil {
		return nil, err
	}
	e.gate.Touch()
	return e.audit.Recent(n), nil
}

// Transaction returns a terminal transaction from the vault, or the queued
// copy if it has not reached a terminal state yet.
func (e *Engine) Transaction(ctx context.Context, id string) (model.Transaction, error) {
	if err := e.gate.Require(ctx, state.TierStandard); err != nil {
		return model.Transaction{}, err
	}
	e.gate.Touch()

	var tx model.Transaction
	err := e.vault.LoadJSON(ctx, TxnPrefix+id, &tx)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return model.Transaction{}, fmt.Errorf("engine: transaction %s: %w", id, err)
	}
	items, err := e.queue.List(ctx)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("engine: transaction %s: %w", id, err)
	}
	for _, it := range items {
		if it.Transaction.ID == id {
			return it.Transaction, nil
		}
	}
	return model.Transaction{}, fmt.Errorf("engine: transaction %s: %w", id, kvstore.ErrNotFound)
}

// Transactions returns persisted terminal transactions, newest first.
func (e *Engine) Transactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	if err := e.gate.Require(ctx, state.TierStandard); err != nil {
		return nil, err
	}
	e.gate.Touch()

	keys, err := e.vault.Keys(ctx, TxnPrefix)
	if err != nil {
		return nil, fmt.Errorf("engine: transactions: %w", err)
	}
	txs := make([]model.Transaction, 0, len(keys))
	for _, k := range keys {
		var tx model.Transaction
		if err := e.vault.LoadJSON(ctx, k, &tx); err != nil {
			e.logger.Warn("transaction unreadable", "key", k, "error", err)
			continue
		}
		txs = append(txs, tx)
	}
	sortByTime(txs)
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

// QueueSnapshot lists queued transactions in replay order. Requires a
// standard session.
func (e *Engine) QueueSnapshot(ctx context.Context) ([]queue.Item, error) {
	if err := e.gate.Require(ctx, state.TierStandard); err != nil {
		return nil, err
	}
	e.gate.Touch()
	return e.queue.List(ctx)
}

// SetOnline reports a connectivity change. A running engine drains the
// queue on the offline to online transition.
func (e *Engine) SetOnline(online bool) bool {
	return e.conn.Set(online)
}

// Online reports connectivity.
func (e *Engine) Online() bool {
	return e.conn.Online()
}

// Subscribe streams connectivity changes.
func (e *Engine) Subscribe() (<-chan connectivity.Event, func()) {
	return e.conn.Subscribe()
}

// DeviceStatus is the current and trusted device fingerprint.
type DeviceStatus struct {
	Current model.DeviceFingerprint  `json:"current"`
	Stored  *model.DeviceFingerprint `json:"stored,omitempty"`
	Changed bool                     `json:"changed"`
}

// Device compares the running device with the trusted snapshot without
// modifying it.
func (e *Engine) Device(ctx context.Context) (DeviceStatus, error) {
	st := DeviceStatus{Current: e.ec.Device()}
	stored, err := e.devices.Stored(ctx)
	if err != nil {
		return st, err
	}
	st.Stored = stored
	st.Changed = stored != nil && !stored.Equal(st.Current)
	return st, nil
}

// TrustCurrentDevice replaces the trusted fingerprint with the running
// device. It requires an enhanced session.
func (e *Engine) TrustCurrentDevice(ctx context.Context) error {
	if err := e.gate.Require(ctx, state.TierEnhanced); err != nil {
		return err
	}
	e.gate.Touch()
	fp := e.ec.Device()
	if err := e.devices.Trust(ctx, fp); err != nil {
		e.record(ctx, model.EventPersistFailed, map[string]string{"what": "device fingerprint", "error": err.Error()})
		return fmt.Errorf("engine: %w", err)
	}
	e.record(ctx, model.EventDeviceTrusted, map[string]string{
		"installation_id": fp.InstallationID,
		"name":            fp.Name,
		"platform":        fp.Platform,
	})
	return nil
}

// KeyContext returns the encryption context without key material.
func (e *Engine) KeyContext(ctx context.Context) (keystore.Context, error) {
	return e.keys.Context(ctx)
}

// ApplyConfig hot-swaps the reloadable parts of cfg: the fraud rules.
func (e *Engine) ApplyConfig(cfg *config.Config, hash string) error {
	if err := e.scorer.SetConfig(cfg.Fraud); err != nil {
		return fmt.Errorf("engine: apply config: %w", err)
	}
	e.logger.Info("fraud rules updated", "hash", hash)
	return nil
}

// FraudConfig returns the active fraud rules.
func (e *Engine) FraudConfig() fraud.Config {
	return e.scorer.Config()
}

// UserID returns the engine's user.
func (e *Engine) UserID() string { return e.ec.UserID }

// Notifier returns the sink every engine notification goes to.
func (e *Engine) Notifier() notify.Sink { return e.sink }

// record writes an audit entry. Failures are logged and returned as a
// warning string so callers can surface them without failing.
func (e *Engine) record(ctx context.Context, kind model.EventKind, details map[string]string) string {
	if _, err := e.audit.Record(context.WithoutCancel(ctx), kind, details); err != nil {
		e.logger.Warn("audit write failed", "kind", string(kind), "error", err)
		return fmt.Sprintf("audit %s not persisted: %v", kind, err)
	}
	return ""
}

func isNotFound(err error) bool {
	return errors.Is(err, kvstore.ErrNotFound)
}
