package ratelimit

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// --- Config tests ---

func TestHasLimitsEmpty(t *testing.T) {
	cfg := Config{}
	if cfg.HasLimits() {
		t.Error("expected empty config to have no limits")
	}
}

func TestHasLimitsConfigured(t *testing.T) {
	cfg := Config{
		CategoryAuth: {MaxRequests: 10, Window: time.Minute},
	}
	if !cfg.HasLimits() {
		t.Error("expected HasLimits=true for configured limit")
	}
}

func TestHasLimitsZeroValues(t *testing.T) {
	for _, l := range []*Limit{nil, {MaxRequests: 0, Window: time.Minute}, {MaxRequests: 10}} {
		cfg := Config{CategoryAuth: l}
		if cfg.HasLimits() {
			t.Errorf("expected HasLimits=false for %+v", l)
		}
	}
}

func TestForFallsBackToDefault(t *testing.T) {
	auth := &Limit{MaxRequests: 3, Window: time.Minute}
	def := &Limit{MaxRequests: 100, Window: time.Minute}
	cfg := Config{CategoryAuth: auth, CategoryDefault: def}

	if cfg.For(CategoryAuth) != auth {
		t.Error("expected the category's own limit")
	}
	if cfg.For(CategoryAPI) != def {
		t.Error("expected the default limit")
	}
	if (Config{}).For(CategoryAPI) != nil {
		t.Error("expected no limit without a default")
	}
}

// --- Check tests ---

func TestCheckWithinLimit(t *testing.T) {
	r := Check(4, &Limit{MaxRequests: 5, Window: time.Minute})
	if r.Exceeded {
		t.Error("expected within limit")
	}
}

func TestCheckAtLimit(t *testing.T) {
	r := Check(5, &Limit{MaxRequests: 5, Window: time.Minute})
	if !r.Exceeded {
		t.Fatal("expected exceeded at limit")
	}
	if r.Current != 5 || r.Limit != 5 {
		t.Errorf("got current=%d limit=%d", r.Current, r.Limit)
	}
	if !strings.Contains(r.Reason, "5/5") {
		t.Errorf("reason = %q", r.Reason)
	}
}

func TestCheckNilLimit(t *testing.T) {
	if Check(1000, nil).Exceeded {
		t.Error("nil limit must never be exceeded")
	}
}

// --- Tracker tests ---

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestTrackerBlocksAfterBudget(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(Config{CategoryAuth: {MaxRequests: 3, Window: time.Minute}}, c.now)

	for i := 0; i < 3; i++ {
		if r := tr.Allow("10.0.0.1", CategoryAuth); r.Exceeded {
			t.Fatalf("request %d blocked: %s", i+1, r.Reason)
		}
	}
	c.t = c.t.Add(20 * time.Second)
	r := tr.Allow("10.0.0.1", CategoryAuth)
	if !r.Exceeded {
		t.Fatal("fourth request should be blocked")
	}
	if r.Category != CategoryAuth {
		t.Errorf("category = %q", r.Category)
	}
	if r.RetryAfter != 40*time.Second {
		t.Errorf("retry after = %s, want 40s", r.RetryAfter)
	}
}

func TestTrackerSeparatesClientsAndCategories(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(Config{CategoryDefault: {MaxRequests: 1, Window: time.Minute}}, c.now)

	if tr.Allow("a", CategoryAuth).Exceeded {
		t.Fatal("first request for a/auth blocked")
	}
	if tr.Allow("b", CategoryAuth).Exceeded {
		t.Error("client b shares client a's budget")
	}
	if tr.Allow("a", CategoryTransactions).Exceeded {
		t.Error("transactions share the auth budget")
	}
	if !tr.Allow("a", CategoryAuth).Exceeded {
		t.Error("second a/auth request should be blocked")
	}
}

func TestTrackerResetsOnWindowExpiry(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(Config{CategoryAuth: {MaxRequests: 1, Window: time.Minute}}, c.now)

	tr.Allow("a", CategoryAuth)
	if !tr.Allow("a", CategoryAuth).Exceeded {
		t.Fatal("expected block inside the window")
	}
	c.t = c.t.Add(time.Minute)
	if tr.Allow("a", CategoryAuth).Exceeded {
		t.Error("expected a fresh window after expiry")
	}
}

func TestTrackerUnlimitedCategory(t *testing.T) {
	tr := NewTracker(Config{CategoryAuth: {MaxRequests: 1, Window: time.Minute}}, nil)
	for i := 0; i < 50; i++ {
		if tr.Allow("a", CategoryAPI).Exceeded {
			t.Fatal("unconfigured category must not be limited")
		}
	}
	if tr.Len() != 0 {
		t.Errorf("unlimited requests should not be tracked, got %d windows", tr.Len())
	}
}

func TestTrackerSweepsExpiredWindows(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(Config{CategoryAuth: {MaxRequests: 5, Window: time.Second}}, c.now)

	for i := 0; i < sweepEvery; i++ {
		tr.Allow(fmt.Sprintf("client-%d", i), CategoryAuth)
	}
	c.t = c.t.Add(2 * time.Second)
	tr.Allow("late", CategoryAuth)
	if tr.Len() != 1 {
		t.Errorf("expected expired windows to be swept, %d remain", tr.Len())
	}
}
