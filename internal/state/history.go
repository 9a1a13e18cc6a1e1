package state

import (
	"sync"
	"time"

	"github.com/ppiankov/payvault/internal/model"
)

// Default fraud-history bounds.
const (
	DefaultHistorySize = 500
	DefaultHistoryAge  = 24 * time.Hour
)

// History is the in-memory window of recent transactions that the fraud
// scorer looks at. It is bounded by count and by age.
type History struct {
	mu     sync.Mutex
	items  []model.Transaction
	max    int
	maxAge time.Duration
}

// NewHistory creates a window. Zero values select the defaults.
func NewHistory(max int, maxAge time.Duration) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	if maxAge <= 0 {
		maxAge = DefaultHistoryAge
	}
	return &History{max: max, maxAge: maxAge}
}

// Add appends tx and prunes entries that fall out of the window.
func (h *History) Add(tx model.Transaction, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, tx)
	h.pruneLocked(now)
}

// AssessAndAdd runs assess over the window and then adds tx, all under
// one lock, so concurrent callers each see every transaction added
// before them. assess must not call back into h.
func (h *History) AssessAndAdd(tx model.Transaction, now time.Time, assess func([]model.Transaction) model.FraudAssessment) model.FraudAssessment {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := assess(h.items)
	h.items = append(h.items, tx)
	h.pruneLocked(now)
	return out
}

// Snapshot returns a copy of the window, oldest first.
func (h *History) Snapshot() []model.Transaction {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.Transaction, len(h.items))
	copy(out, h.items)
	return out
}

// Len returns the number of transactions in the window.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

func (h *History) pruneLocked(now time.Time) {
	cutoff := now.Add(-h.maxAge)
	drop := 0
	for drop < len(h.items) && h.items[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(h.items) - drop - h.max; over > 0 {
		drop += over
	}
	if drop > 0 {
		h.items = append(h.items[:0:0], h.items[drop:]...)
	}
}
