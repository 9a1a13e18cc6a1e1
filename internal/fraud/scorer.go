// Package fraud scores prospective transactions. Scoring is additive,
// deterministic and explainable: every rule that fires adds its weight and
// its reason code.
package fraud

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ppiankov/payvault/internal/model"
)

// Reason codes, in evaluation order.
const (
	ReasonRapidRepetition = "rapid_repetition"
	ReasonAmountAnomaly   = "amount_anomaly"
	ReasonLargeAmount     = "large_amount"
	ReasonVeryLargeAmount = "very_large_amount"
	ReasonOffHours        = "off_hours"
	ReasonHighFrequency   = "high_frequency"
	ReasonDeviceMismatch  = "device_mismatch"
)

// compiled is Config with parsed amounts and location.
type compiled struct {
	cfg       Config
	high, low decimal.Decimal
	large     decimal.Decimal
	veryLarge decimal.Decimal
	loc       *time.Location
}

func compile(cfg Config) (*compiled, error) {
	c := &compiled{cfg: cfg}
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"anomaly_high_ratio", cfg.Limits.AnomalyHighRatio, &c.high},
		{"anomaly_low_ratio", cfg.Limits.AnomalyLowRatio, &c.low},
		{"large_amount", cfg.Limits.LargeAmount, &c.large},
		{"very_large_amount", cfg.Limits.VeryLargeAmount, &c.veryLarge},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("fraud: %s: %w", f.name, err)
		}
		*f.dst = d
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("fraud: timezone %q: %w", cfg.Timezone, err)
	}
	c.loc = loc
	return c, nil
}

// Scorer evaluates transactions against a hot-swappable config.
type Scorer struct {
	mu sync.RWMutex
	c  *compiled
}

// New creates a Scorer.
func New(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	return &Scorer{c: c}, nil
}

// SetConfig replaces the active config. An invalid config is rejected
// and the previous one stays active.
func (s *Scorer) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c, err := compile(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c = c
	return nil
}

// Config returns the active config.
func (s *Scorer) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.cfg
}

// Points converts a score to points.
func Points(score float64) int {
	return int(score*100 + 0.5)
}

// Alert reports whether score exceeds the alert threshold.
func (s *Scorer) Alert(score float64) bool {
	return Points(score) > s.Config().Thresholds.Alert
}

// Block reports whether score exceeds the block threshold.
func (s *Scorer) Block(score float64) bool {
	return Points(score) > s.Config().Thresholds.Block
}

// Assess scores tx against recent history. stored is nil when no device
// fingerprint has been recorded yet. History entries with the same ID as
// tx are ignored; tx itself is always counted once.
func (s *Scorer) Assess(tx model.Transaction, history []model.Transaction, current model.DeviceFingerprint, stored *model.DeviceFingerprint) model.FraudAssessment {
	s.mu.RLock()
	c := s.c
	s.mu.RUnlock()

	cfg := c.cfg
	w := cfg.Weights
	l := cfg.Limits
	now := tx.Timestamp

	prior := actorHistory(tx, history)

	points := 0
	reasons := make([]string, 0, 4)
	add := func(weight int, reason string) {
		points += weight
		reasons = append(reasons, reason)
	}

	if countSince(prior, now.Add(-l.RapidWindow), now)+1 > l.RapidMaxCount {
		add(w.RapidRepetition, ReasonRapidRepetition)
	}

	if len(prior) >= l.AnomalyMinSample {
		sample := prior
		if len(sample) > l.AnomalyMaxSample {
			sample = sample[len(sample)-l.AnomalyMaxSample:]
		}
		sum := decimal.Zero
		for _, p := range sample {
			sum = sum.Add(p.Amount)
		}
		mean := sum.Div(decimal.NewFromInt(int64(len(sample))))
		if mean.IsPositive() &&
			(tx.Amount.GreaterThan(mean.Mul(c.high)) || tx.Amount.LessThan(mean.Mul(c.low))) {
			add(w.AmountAnomaly, ReasonAmountAnomaly)
		}
	}

	if tx.Amount.GreaterThan(c.large) {
		add(w.LargeAmount, ReasonLargeAmount)
	}
	if tx.Amount.GreaterThan(c.veryLarge) {
		add(w.VeryLargeAmount, ReasonVeryLargeAmount)
	}

	if offHours(now.In(c.loc).Hour(), l.OffHoursStart, l.OffHoursEnd) {
		add(w.OffHours, ReasonOffHours)
	}

	if countSince(prior, now.Add(-l.FrequencyWindow), now)+1 > l.FrequencyMax {
		add(w.HighFrequency, ReasonHighFrequency)
	}

	if stored != nil && !stored.Equal(current) {
		add(w.DeviceMismatch, ReasonDeviceMismatch)
	}

	if points > 100 {
		points = 100
	}
	return model.FraudAssessment{Score: float64(points) / 100, Reasons: reasons}
}

// actorHistory returns the actor's other transactions at or before tx,
// oldest first.
func actorHistory(tx model.Transaction, history []model.Transaction) []model.Transaction {
	out := make([]model.Transaction, 0, len(history))
	for _, h := range history {
		if h.ActorID != tx.ActorID || h.ID == tx.ID || h.Timestamp.After(tx.Timestamp) {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// countSince counts transactions with from < ts <= to.
func countSince(txs []model.Transaction, from, to time.Time) int {
	n := 0
	for _, t := range txs {
		if t.Timestamp.After(from) && !t.Timestamp.After(to) {
			n++
		}
	}
	return n
}

// offHours reports whether hour falls in [start,24) or [0,end).
func offHours(hour, start, end int) bool {
	return hour >= start || hour < end
}
