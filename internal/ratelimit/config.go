// Package ratelimit enforces fixed-window request budgets per client and
// route category.
package ratelimit

import "time"

// Categories used by the HTTP API.
const (
	CategoryAuth         = "auth"
	CategoryTransactions = "transactions"
	CategoryAPI          = "api"
	// CategoryDefault applies to any category without its own limit.
	CategoryDefault = "*"
)

// Limit defines the budget for one category.
// Zero values mean no limit for that category.
type Limit struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
}

func (l *Limit) enabled() bool {
	return l != nil && l.MaxRequests > 0 && l.Window > 0
}

// Config maps route categories to their limits.
type Config map[string]*Limit

// HasLimits returns true if any category has a configured limit.
func (c Config) HasLimits() bool {
	for _, l := range c {
		if l.enabled() {
			return true
		}
	}
	return false
}

// For returns the limit for category, falling back to CategoryDefault.
func (c Config) For(category string) *Limit {
	if l := c[category]; l != nil {
		return l
	}
	return c[CategoryDefault]
}

// DefaultConfig slows down confirmation guessing and payment floods.
func DefaultConfig() Config {
	return Config{
		CategoryAuth:         {MaxRequests: 10, Window: time.Minute},
		CategoryTransactions: {MaxRequests: 60, Window: time.Minute},
	}
}
