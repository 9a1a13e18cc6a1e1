// Package gateway submits transactions to payment gateways in priority
// order, failing over on error.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/payvault/internal/model"
)

// DefaultAttemptTimeout bounds a single gateway call.
const DefaultAttemptTimeout = 8 * time.Second

// Attempt outcomes recorded in the audit log.
const (
	OutcomeSuccess   = "success"
	OutcomeDeclined  = "declined"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// Receipt is a gateway's acknowledgement of a payment.
type Receipt struct {
	ID string `json:"id"`
}

// Client is one payment gateway.
type Client interface {
	Name() string
	Submit(ctx context.Context, tx model.Transaction) (Receipt, error)
}

// Auditor records gateway attempts. *audit.Log satisfies it.
type Auditor interface {
	Record(ctx context.Context, kind model.EventKind, details map[string]string) (model.AuditEntry, error)
}

// Attempt is the outcome of one gateway call.
type Attempt struct {
	Gateway  string        `json:"gateway"`
	Outcome  string        `json:"outcome"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Result is a successful submission.
type Result struct {
	Gateway  string
	Receipt  Receipt
	Attempts []Attempt
}

// AllFailedError is returned when no gateway accepted the transaction.
type AllFailedError struct {
	Attempts []Attempt
}

func (e *AllFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return "all gateways failed: no gateways configured"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Gateway, a.Err))
	}
	return "all gateways failed: " + strings.Join(parts, "; ")
}

func (e *AllFailedError) Is(target error) bool {
	return target == model.ErrAllGatewaysFailed
}

// Errors returns the per-gateway errors in attempt order.
func (e *AllFailedError) Errors() []error {
	out := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a.Err)
	}
	return out
}

// Declined reports whether every gateway definitively declined.
func (e *AllFailedError) Declined() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		if !errors.Is(a.Err, model.ErrDeclined) {
			return false
		}
	}
	return true
}

// Router tries gateways sequentially. There is no retry within a gateway.
type Router struct {
	timeout time.Duration
	audit   Auditor
	logger  *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithAttemptTimeout sets the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithAuditor records every attempt.
func WithAuditor(a Auditor) RouterOption { return func(r *Router) { r.audit = a } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RouterOption { return func(r *Router) { r.logger = l } }

// NewRouter creates a Router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{timeout: DefaultAttemptTimeout}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// Timeout returns the per-attempt timeout.
func (r *Router) Timeout() time.Duration { return r.timeout }

// Submit offers tx to each client in order and returns the first success.
// If ctx is cancelled mid-attempt, that attempt is still audited and
// ctx.Err() is returned.
func (r *Router) Submit(ctx context.Context, tx model.Transaction, clients []Client) (Result, error) {
	var attempts []Attempt
	for i, c := range clients {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempts}, err
		}

		start := time.Now()
		actx, cancel := context.WithTimeout(ctx, r.timeout)
		receipt, err := c.Submit(actx, tx)
		timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()

		a := Attempt{Gateway: c.Name(), Err: err, Duration: time.Since(start)}
		switch {
		case err == nil:
			a.Outcome = OutcomeSuccess
		case ctx.Err() != nil:
			a.Outcome = OutcomeCancelled
		case errors.Is(err, model.ErrDeclined):
			a.Outcome = OutcomeDeclined
		case timedOut:
			a.Outcome = OutcomeTimeout
			a.Err = fmt.Errorf("gateway %s: no response within %s: %w", c.Name(), r.timeout, err)
		default:
			a.Outcome = OutcomeError
		}
		attempts = append(attempts, a)
		r.record(ctx, tx, i, a)

		if a.Outcome == OutcomeSuccess {
			return Result{Gateway: c.Name(), Receipt: receipt, Attempts: attempts}, nil
		}
		if a.Outcome == OutcomeCancelled {
			return Result{Attempts: attempts}, ctx.Err()
		}
		r.logger.Warn("gateway attempt failed",
			"gateway", a.Gateway, "transaction", tx.ID, "outcome", a.Outcome, "error", a.Err)
	}
	return Result{}, &AllFailedError{Attempts: attempts}
}

func (r *Router) record(ctx context.Context, tx model.Transaction, index int, a Attempt) {
	if r.audit == nil {
		return
	}
	details := map[string]string{
		"transaction_id": tx.ID,
		"gateway":        a.Gateway,
		"attempt":        strconv.Itoa(index + 1),
		"outcome":        a.Outcome,
		"duration_ms":    strconv.FormatInt(a.Duration.Milliseconds(), 10),
	}
	if a.Err != nil {
		details["error"] = a.Err.Error()
	}
	if _, err := r.audit.Record(context.WithoutCancel(ctx), model.EventGatewayAttempt, details); err != nil {
		r.logger.Warn("audit gateway attempt", "gateway", a.Gateway, "error", err)
	}
}
