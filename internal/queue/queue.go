// Package queue holds transactions that could not reach a gateway until
// connectivity returns. Items are encrypted at rest and replayed FIFO.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/payvault/internal/kvstore"
	"github.com/ppiankov/payvault/internal/model"
)

// KeyPrefix namespaces queue items in the store.
const KeyPrefix = "queue/"

const seqWidth = 20

// Sealer is the encrypted persistence the queue uses.
// *vault.Vault satisfies it.
type Sealer interface {
	StoreJSON(ctx context.Context, key string, value any) error
	LoadJSON(ctx context.Context, key string, out any) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Outcome is what a replay decided for one item.
type Outcome int

const (
	// Retry keeps the item queued with its updated state.
	Retry Outcome = iota
	// Completed removes the item; the payment went through.
	Completed
	// Failed removes the item; the payment ended in failure.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "retry"
	}
}

// ReplayFunc resubmits one queued transaction and returns its new state.
type ReplayFunc func(ctx context.Context, tx model.Transaction) (model.Transaction, Outcome, error)

// Item is a queued transaction.
type Item struct {
	Key         string            `json:"key"`
	Transaction model.Transaction `json:"transaction"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

// DrainReport summarises one drain pass.
type DrainReport struct {
	Attempted   int      `json:"attempted"`
	Completed   int      `json:"completed"`
	Failed      int      `json:"failed"`
	Retried     int      `json:"retried"`
	Skipped     int      `json:"skipped"`
	SkippedKeys []string `json:"skipped_keys,omitempty"`
	Remaining   int      `json:"remaining"`
	Errors      []string `json:"errors,omitempty"`
}

// Queue is the offline transaction queue.
type Queue struct {
	store  Sealer
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex // guards a single item and the sequence
	drainMu sync.Mutex // serializes drains
	lastSeq int64
}

// New creates a Queue. now defaults to time.Now.
func New(store Sealer, now func() time.Time, logger *slog.Logger) *Queue {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Queue{store: store, now: now, logger: logger}
}

func itemKey(seq int64, id string) string {
	return fmt.Sprintf("%s%0*d-%s", KeyPrefix, seqWidth, seq, id)
}

// idFromKey extracts the transaction ID from a queue key.
func idFromKey(key string) string {
	rest := strings.TrimPrefix(key, KeyPrefix)
	if len(rest) <= seqWidth+1 {
		return ""
	}
	return rest[seqWidth+1:]
}

// nextSeq returns a strictly increasing nanosecond sequence. Caller holds mu.
func (q *Queue) nextSeq(now time.Time) int64 {
	seq := now.UnixNano()
	if seq <= q.lastSeq {
		seq = q.lastSeq + 1
	}
	q.lastSeq = seq
	return seq
}

// Enqueue persists tx. Enqueuing an ID that is already queued is a no-op
// and reports false.
func (q *Queue) Enqueue(ctx context.Context, tx model.Transaction) (bool, error) {
	if tx.ID == "" {
		return false, fmt.Errorf("queue: enqueue: transaction id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	keys, err := q.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return false, fmt.Errorf("queue: enqueue: %w", err)
	}
	for _, k := range keys {
		if idFromKey(k) == tx.ID {
			return false, nil
		}
	}

	now := q.now()
	tx.Status = model.StatusQueuedOffline
	item := Item{Transaction: tx, EnqueuedAt: now}
	item.Key = itemKey(q.nextSeq(now), tx.ID)
	if err := q.store.StoreJSON(ctx, item.Key, item); err != nil {
		return false, fmt.Errorf("queue: enqueue %s: %w", tx.ID, err)
	}
	return true, nil
}

// Contains reports whether id is queued.
func (q *Queue) Contains(ctx context.Context, id string) (bool, error) {
	keys, err := q.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return false, fmt.Errorf("queue: contains: %w", err)
	}
	for _, k := range keys {
		if idFromKey(k) == id {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of queued items, including ones that no longer
// decrypt.
func (q *Queue) Len(ctx context.Context) (int, error) {
	keys, err := q.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return len(keys), nil
}

// List returns queued items in FIFO order. Items that fail to decrypt are
// left out and logged.
func (q *Queue) List(ctx context.Context) ([]Item, error) {
	keys, err := q.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	items := make([]Item, 0, len(keys))
	for _, k := range keys {
		var item Item
		if err := q.store.LoadJSON(ctx, k, &item); err != nil {
			if !errors.Is(err, kvstore.ErrNotFound) {
				q.logger.Warn("queue item unreadable", "key", k, "error", err)
			}
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Drain replays every queued item in FIFO order. The queue lock is held
// only while one item is replayed. A cancelled context stops the pass
// early; items not reached stay queued.
func (q *Queue) Drain(ctx context.Context, replay ReplayFunc) (DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var report DrainReport
	keys, err := q.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return report, fmt.Errorf("queue: drain: %w", err)
	}

	var stopErr error
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		q.drainOne(ctx, k, replay, &report)
	}

	if n, err := q.Len(context.WithoutCancel(ctx)); err == nil {
		report.Remaining = n
	}
	return report, stopErr
}

func (q *Queue) drainOne(ctx context.Context, key string, replay ReplayFunc, report *DrainReport) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var item Item
	if err := q.store.LoadJSON(ctx, key, &item); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return
		}
		report.Skipped++
		report.SkippedKeys = append(report.SkippedKeys, key)
		q.logger.Warn("queue item skipped", "key", key, "error", err)
		return
	}

	report.Attempted++
	tx, outcome, err := replay(ctx, item.Transaction)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", item.Transaction.ID, err))
	}

	// the replay result is recorded even if the caller gave up meanwhile
	wctx := context.WithoutCancel(ctx)
	switch outcome {
	case Completed, Failed:
		if err := q.store.Delete(wctx, key); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: remove: %v", item.Transaction.ID, err))
			q.logger.Error("queue item not removed", "key", key, "error", err)
			return
		}
		if outcome == Completed {
			report.Completed++
		} else {
			report.Failed++
		}
	default:
		report.Retried++
		item.Transaction = tx
		item.Transaction.Status = model.StatusQueuedOffline
		if err := q.store.StoreJSON(wctx, key, item); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: update: %v", item.Transaction.ID, err))
			q.logger.Warn("queue item not updated", "key", key, "error", err)
		}
	}
}
