// Package auth gates the engine behind a session with two strength tiers,
// an inactivity timeout and a biometric or fallback confirmation step.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ppiankov/payvault/internal/model"
	"github.com/ppiankov/payvault/internal/notify"
	"github.com/ppiankov/payvault/internal/state"
)

// Defaults for Config.
const (
	DefaultTimeout       = 15 * time.Minute
	DefaultCheckInterval = 60 * time.Second
	DefaultMaxAttempts   = 3
	DefaultBackoffBase   = time.Second
	DefaultPrompt        = "Confirm payment access"
)

// Config controls timeouts and retry behaviour.
type Config struct {
	Timeout       time.Duration `yaml:"timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	Prompt        string        `yaml:"prompt"`
}

// DefaultConfig returns the standard session policy.
func DefaultConfig() Config {
	return Config{
		Timeout:       DefaultTimeout,
		CheckInterval: DefaultCheckInterval,
		MaxAttempts:   DefaultMaxAttempts,
		BackoffBase:   DefaultBackoffBase,
		Prompt:        DefaultPrompt,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.Prompt == "" {
		c.Prompt = d.Prompt
	}
	return c
}

// Auditor records audit events. *audit.Log satisfies it.
type Auditor interface {
	Record(ctx context.Context, kind model.EventKind, details map[string]string) (model.AuditEntry, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures a Gate.
type Option func(*Gate)

func WithAuthenticator(a Authenticator) Option { return func(g *Gate) { g.bio = a } }
func WithConfirmer(c Confirmer) Option         { return func(g *Gate) { g.confirm = c } }
func WithAuditor(a Auditor) Option             { return func(g *Gate) { g.audit = a } }
func WithSink(s notify.Sink) Option            { return func(g *Gate) { g.sink = s } }
func WithRetryPrompt(p RetryPrompt) Option     { return func(g *Gate) { g.retry = p } }
func WithSleeper(s Sleeper) Option             { return func(g *Gate) { g.sleep = s } }
func WithLogger(l *slog.Logger) Option         { return func(g *Gate) { g.logger = l } }

// Gate owns session transitions. All state lives in the EngineContext's
// Session; Gate adds policy, auditing and notifications.
type Gate struct {
	ec      *state.EngineContext
	cfg     Config
	bio     Authenticator
	confirm Confirmer
	audit   Auditor
	sink    notify.Sink
	retry   RetryPrompt
	sleep   Sleeper
	logger  *slog.Logger

	mu      sync.Mutex
	endedBy model.EventKind
}

// New creates a Gate over ec's session.
func New(ec *state.EngineContext, cfg Config, opts ...Option) *Gate {
	g := &Gate{
		ec:      ec,
		cfg:     cfg.withDefaults(),
		bio:     NoBiometrics{},
		confirm: ContextConfirmer{},
		sink:    notify.Discard,
		sleep:   sleepContext,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetAuditor wires the audit log after construction; the log itself needs
// the gate for its threat handler.
func (g *Gate) SetAuditor(a Auditor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.audit = a
}

// Config returns the effective configuration.
func (g *Gate) Config() Config { return g.cfg }

// State returns a snapshot of the session.
func (g *Gate) State() state.SessionState {
	return g.ec.Session.Snapshot()
}

// Authenticate runs up to MaxAttempts attempts for the requested tier.
// Without biometric hardware and enrollment the fallback confirmer is used
// and the session is granted the standard tier whatever was requested.
// After each failed attempt the gate waits BackoffBase<<n. When all attempts
// fail the optional RetryPrompt decides whether to start another round.
func (g *Gate) Authenticate(ctx context.Context, tier state.Tier) (state.SessionState, error) {
	if tier != state.TierStandard && tier != state.TierEnhanced {
		return g.State(), fmt.Errorf("auth: unsupported tier %q", tier)
	}

	biometric := g.bio.HasHardware(ctx) && g.bio.IsEnrolled(ctx)
	if tier == state.TierEnhanced && !biometric {
		g.record(ctx, model.EventAuthFallback, map[string]string{
			"requested": string(tier),
			"granted":   string(state.TierStandard),
			"reason":    "biometrics unavailable",
		})
	}
	useBiometric := tier == state.TierEnhanced && biometric

	for round := 1; ; round++ {
		st, err := g.round(ctx, useBiometric, tier)
		if err == nil || !errors.Is(err, model.ErrAuthenticationFailed) {
			return st, err
		}

		g.sink.Notify(notify.Event{
			Kind:    notify.KindAuthRetryRequired,
			Message: err.Error(),
			Time:    g.ec.Now(),
			Details: map[string]string{"round": strconv.Itoa(round)},
		})
		if g.retry == nil || !g.retry(ctx, err) {
			return st, err
		}
	}
}

func (g *Gate) round(ctx context.Context, useBiometric bool, requested state.Tier) (state.SessionState, error) {
	method := "confirmation"
	if useBiometric {
		method = "biometric"
	}

	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		epoch := g.ec.Session.Epoch()
		granted, err := g.attempt(ctx, useBiometric)
		if err == nil {
			st, ok := g.ec.Session.Grant(granted, epoch, g.ec.Now())
			if !ok {
				g.record(ctx, model.EventAuthFailed, map[string]string{
					"tier":    string(requested),
					"method":  method,
					"attempt": strconv.Itoa(attempt + 1),
					"reason":  "session reset during authentication",
				})
				return st, fmt.Errorf("auth: authentication raced a session reset: %w", model.ErrSessionExpired)
			}
			g.setEndedBy("")
			g.record(ctx, model.EventAuthSuccess, map[string]string{
				"tier":    string(granted),
				"method":  method,
				"attempt": strconv.Itoa(attempt + 1),
			})
			if granted == state.TierEnhanced {
				g.sink.Notify(notify.Event{Kind: notify.KindHaptic, Message: "enhanced authentication confirmed", Time: g.ec.Now()})
			}
			return st, nil
		}

		lastErr = err
		g.record(ctx, model.EventAuthFailed, map[string]string{
			"tier":    string(requested),
			"method":  method,
			"attempt": strconv.Itoa(attempt + 1),
			"reason":  err.Error(),
		})
		if ctx.Err() != nil {
			return g.State(), ctx.Err()
		}

		delay := g.cfg.BackoffBase << attempt
		if err := g.sleep(ctx, delay); err != nil {
			return g.State(), err
		}
	}
	return g.State(), fmt.Errorf("auth: %d attempts failed: %w", g.cfg.MaxAttempts, lastErr)
}

func (g *Gate) attempt(ctx context.Context, useBiometric bool) (state.Tier, error) {
	if useBiometric {
		out, err := g.bio.Authenticate(ctx, g.cfg.Prompt)
		if err != nil {
			return "", fmt.Errorf("biometric: %v: %w", err, model.ErrAuthenticationFailed)
		}
		if !out.Success {
			reason := out.Reason
			if reason == "" {
				reason = "biometric rejected"
			}
			return "", fmt.Errorf("%s: %w", reason, model.ErrAuthenticationFailed)
		}
		return state.TierEnhanced, nil
	}

	if g.confirm == nil {
		return "", fmt.Errorf("no confirmer configured: %w", model.ErrAuthenticationFailed)
	}
	ok, err := g.confirm.Confirm(ctx, g.cfg.Prompt)
	if err != nil {
		return "", fmt.Errorf("confirmation: %v: %w", err, model.ErrAuthenticationFailed)
	}
	if !ok {
		return "", fmt.Errorf("confirmation declined: %w", model.ErrAuthenticationFailed)
	}
	return state.TierStandard, nil
}

// CheckSession expires an idle session. It reports whether an expiry
// happened on this call.
func (g *Gate) CheckSession(ctx context.Context) bool {
	now := g.ec.Now()
	prev, expired := g.ec.Session.ExpireIfIdle(now, g.cfg.Timeout)
	if !expired {
		return false
	}
	g.setEndedBy(model.EventSessionExpired)
	idle := now.Sub(prev.LastActivity).Round(time.Second)
	g.record(ctx, model.EventSessionExpired, map[string]string{
		"previous_tier": string(prev.Status),
		"idle":          idle.String(),
		"session":       prev.SessionID,
	})
	g.sink.Notify(notify.Event{
		Kind:    notify.KindSessionExpired,
		Message: "session expired after inactivity, authenticate again",
		Time:    now,
		Details: map[string]string{"idle": idle.String()},
	})
	return true
}

// Run calls CheckSession every CheckInterval until ctx is done.
func (g *Gate) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.CheckSession(ctx)
		}
	}
}

// Require checks the session for at least min. An idle session is expired
// first; a session ended by expiry or lockout yields ErrSessionExpired.
func (g *Gate) Require(ctx context.Context, min state.Tier) error {
	g.CheckSession(ctx)
	st := g.State()
	if !st.Authenticated() {
		switch g.getEndedBy() {
		case model.EventSessionExpired, model.EventSessionLockout:
			return fmt.Errorf("auth: %w", model.ErrSessionExpired)
		default:
			return fmt.Errorf("auth: %w", model.ErrNotAuthenticated)
		}
	}
	if !st.Status.Satisfies(min) {
		return fmt.Errorf("auth: %s tier required, session is %s: %w", min, st.Status, model.ErrNotAuthenticated)
	}
	return nil
}

// Touch records activity on the current session.
func (g *Gate) Touch() {
	g.ec.Session.Touch(g.ec.Now())
}

// Logout ends the session.
func (g *Gate) Logout(ctx context.Context) state.SessionState {
	prev := g.ec.Session.Reset(g.ec.Now())
	g.setEndedBy(model.EventLogout)
	g.record(ctx, model.EventLogout, map[string]string{
		"previous_tier": string(prev.Status),
		"session":       prev.SessionID,
	})
	return g.State()
}

// Lockout ends the session because of a detected threat.
func (g *Gate) Lockout(ctx context.Context, reason string) {
	prev := g.ec.Session.Reset(g.ec.Now())
	g.setEndedBy(model.EventSessionLockout)
	g.logger.Warn("session locked out", "reason", reason, "previous_tier", string(prev.Status))
	g.record(ctx, model.EventSessionLockout, map[string]string{
		"previous_tier": string(prev.Status),
		"session":       prev.SessionID,
		"reason":        reason,
	})
	g.sink.Notify(notify.Event{
		Kind:    notify.KindSessionLockout,
		Message: "session locked: " + reason,
		Time:    g.ec.Now(),
		Details: map[string]string{"reason": reason},
	})
}

func (g *Gate) setEndedBy(kind model.EventKind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.endedBy = kind
}

func (g *Gate) getEndedBy() model.EventKind {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.endedBy
}

// record writes an audit entry even when ctx is cancelled. Failures are
// logged, never returned.
func (g *Gate) record(ctx context.Context, kind model.EventKind, details map[string]string) {
	g.mu.Lock()
	a := g.audit
	g.mu.Unlock()
	if a == nil {
		return
	}
	if _, err := a.Record(context.WithoutCancel(ctx), kind, details); err != nil {
		g.logger.Warn("audit write failed", "kind", string(kind), "error", err)
	}
}
