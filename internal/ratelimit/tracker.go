package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// sweepEvery bounds how many windows may accumulate before expired ones
// are dropped.
const sweepEvery = 1024

// CheckResult is the outcome of a rate limit check.
type CheckResult struct {
	Exceeded   bool
	Category   string
	Current    int
	Limit      int
	RetryAfter time.Duration
	Reason     string
}

// Check compares the current count against the limit.
func Check(count int, limit *Limit) CheckResult {
	if !limit.enabled() {
		return CheckResult{}
	}
	if count >= limit.MaxRequests {
		return CheckResult{
			Exceeded: true,
			Current:  count,
			Limit:    limit.MaxRequests,
			Reason: fmt.Sprintf("rate limit exceeded: %d/%d requests in %s window",
				count, limit.MaxRequests, limit.Window),
		}
	}
	return CheckResult{}
}

type window struct {
	start time.Time
	count int
	span  time.Duration
}

// Tracker counts requests per client and category.
type Tracker struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewTracker creates a Tracker. A nil now uses time.Now.
func NewTracker(cfg Config, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{cfg: cfg, now: now, windows: make(map[string]*window)}
}

// Allow checks the client's budget for category and, when it passes,
// counts the request.
func (t *Tracker) Allow(client, category string) CheckResult {
	limit := t.cfg.For(category)
	if !limit.enabled() {
		return CheckResult{}
	}
	now := t.now()
	key := category + "\x00" + client

	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[key]
	if w == nil || now.Sub(w.start) >= limit.Window {
		if len(t.windows) >= sweepEvery {
			t.sweep(now)
		}
		w = &window{start: now, span: limit.Window}
		t.windows[key] = w
	}

	result := Check(w.count, limit)
	if result.Exceeded {
		result.Category = category
		result.RetryAfter = w.start.Add(limit.Window).Sub(now)
		return result
	}
	w.count++
	return CheckResult{}
}

// Len reports how many windows are tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows)
}

func (t *Tracker) sweep(now time.Time) {
	for k, w := range t.windows {
		if now.Sub(w.start) >= w.span {
			delete(t.windows, k)
		}
	}
}
