package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/payvault/internal/gateway"
	"github.com/ppiankov/payvault/internal/model"
	"github.com/ppiankov/payvault/internal/notify"
	"github.com/ppiankov/payvault/internal/queue"
	"github.com/ppiankov/payvault/internal/state"
)

// Drain replays the offline queue through the gateways on behalf of the
// user and requires a standard session. Queued items keep the fraud
// assessment they were given when first processed.
func (e *Engine) Drain(ctx context.Context) (queue.DrainReport, error) {
	if err := e.gate.Require(ctx, state.TierStandard); err != nil {
		return queue.DrainReport{}, err
	}
	e.gate.Touch()
	return e.drain(ctx)
}

// drain replays the queue without a session check. Connectivity
// restoration triggers it directly.
func (e *Engine) drain(ctx context.Context) (queue.DrainReport, error) {
	if !e.conn.Online() {
		n, _ := e.queue.Len(ctx)
		return queue.DrainReport{Remaining: n}, ErrOffline
	}

	report, err := e.queue.Drain(ctx, e.replay)
	details := map[string]string{
		"attempted": strconv.Itoa(report.Attempted),
		"completed": strconv.Itoa(report.Completed),
		"failed":    strconv.Itoa(report.Failed),
		"retried":   strconv.Itoa(report.Retried),
		"skipped":   strconv.Itoa(report.Skipped),
		"remaining": strconv.Itoa(report.Remaining),
	}
	e.record(ctx, model.EventQueueDrain, details)
	for _, k := range report.SkippedKeys {
		e.record(ctx, model.EventVaultDecryptFailed, map[string]string{"what": "queued transaction", "key": k})
	}
	if report.Attempted > 0 || report.Skipped > 0 {
		e.sink.Notify(notify.Event{
			Kind:    notify.KindQueueDrained,
			Message: fmt.Sprintf("%d of %d queued payments went through", report.Completed, report.Attempted),
			Details: details,
			Time:    e.ec.Now(),
		})
	}
	if err != nil {
		return report, fmt.Errorf("engine: drain: %w", err)
	}
	return report, nil
}

// replay resubmits one queued transaction. A transaction that already has
// a terminal record is not submitted again.
func (e *Engine) replay(ctx context.Context, tx model.Transaction) (model.Transaction, queue.Outcome, error) {
	var recorded model.Transaction
	err := e.vault.LoadJSON(ctx, TxnPrefix+tx.ID, &recorded)
	switch {
	case err == nil:
		e.recordReplay(ctx, recorded, "duplicate")
		if recorded.Status == model.StatusFailed {
			return recorded, queue.Failed, nil
		}
		return recorded, queue.Completed, nil
	case !isNotFound(err):
		return tx, queue.Retry, fmt.Errorf("check %s: %w", tx.ID, err)
	}

	tx.ReplayAttempts++
	sub, err := e.router.Submit(ctx, tx, e.clients)
	if err == nil {
		completed := e.ec.Now()
		tx.Status = model.StatusCompleted
		tx.Gateway = sub.Gateway
		tx.GatewayTransactionID = sub.Receipt.ID
		tx.CompletedAt = &completed
		e.recordReplay(ctx, tx, "completed")
		return tx, queue.Completed, e.finishReplay(ctx, tx, model.EventTransactionSuccess)
	}

	var all *gateway.AllFailedError
	if !errors.As(err, &all) {
		e.recordReplay(ctx, tx, "interrupted")
		return tx, queue.Retry, err
	}
	if all.Declined() {
		tx.Status = model.StatusFailed
		tx.FailureReason = "declined by every gateway"
		e.recordReplay(ctx, tx, "declined")
		return tx, queue.Failed, e.finishReplay(ctx, tx, model.EventTransactionFailed)
	}
	if tx.ReplayAttempts >= e.maxReplay {
		tx.Status = model.StatusFailed
		tx.FailureReason = fmt.Sprintf("no gateway reachable after %d replays", tx.ReplayAttempts)
		e.recordReplay(ctx, tx, "exhausted")
		return tx, queue.Failed, e.finishReplay(ctx, tx, model.EventTransactionFailed)
	}
	e.recordReplay(ctx, tx, "retry")
	return tx, queue.Retry, err
}

func (e *Engine) finishReplay(ctx context.Context, tx model.Transaction, kind model.EventKind) error {
	var res Result
	e.finish(ctx, &res, tx, kind)
	if len(res.Warnings) > 0 {
		return errors.New(res.Warnings[0])
	}
	return nil
}

func (e *Engine) recordReplay(ctx context.Context, tx model.Transaction, outcome string) {
	e.record(ctx, model.EventQueueReplay, map[string]string{
		"transaction_id": tx.ID,
		"attempt":        strconv.Itoa(tx.ReplayAttempts),
		"outcome":        outcome,
	})
}

// Run checks the session periodically and drains the queue whenever
// connectivity comes back. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.gate.Run(gctx)
	})
	g.Go(func() error {
		return e.watchConnectivity(gctx)
	})
	return g.Wait()
}

func (e *Engine) watchConnectivity(ctx context.Context) error {
	events, cancel := e.conn.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !ev.Online {
				e.logger.Info("connectivity lost, new payments will be queued")
				continue
			}
			report, err := e.drain(ctx)
			if err != nil && !errors.Is(err, ErrOffline) {
				e.logger.Warn("queue drain incomplete", "error", err)
			}
			e.logger.Info("queue drained", "completed", report.Completed, "remaining", report.Remaining)
		}
	}
}
