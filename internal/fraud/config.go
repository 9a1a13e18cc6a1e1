package fraud

import (
	"fmt"
	"time"
)

// Weights are rule contributions in points; 100 points is a score of 1.0.
type Weights struct {
	RapidRepetition int `yaml:"rapid_repetition"`
	AmountAnomaly   int `yaml:"amount_anomaly"`
	LargeAmount     int `yaml:"large_amount"`
	VeryLargeAmount int `yaml:"very_large_amount"`
	OffHours        int `yaml:"off_hours"`
	HighFrequency   int `yaml:"high_frequency"`
	DeviceMismatch  int `yaml:"device_mismatch"`
}

// Limits define windows and boundaries for each rule.
type Limits struct {
	RapidWindow      time.Duration `yaml:"rapid_window"`
	RapidMaxCount    int           `yaml:"rapid_max_count"`
	FrequencyWindow  time.Duration `yaml:"frequency_window"`
	FrequencyMax     int           `yaml:"frequency_max"`
	AnomalyMinSample int           `yaml:"anomaly_min_sample"`
	AnomalyMaxSample int           `yaml:"anomaly_max_sample"`
	AnomalyHighRatio string        `yaml:"anomaly_high_ratio"`
	AnomalyLowRatio  string        `yaml:"anomaly_low_ratio"`
	LargeAmount      string        `yaml:"large_amount"`
	VeryLargeAmount  string        `yaml:"very_large_amount"`
	OffHoursStart    int           `yaml:"off_hours_start"`
	OffHoursEnd      int           `yaml:"off_hours_end"`
}

// Thresholds are caller thresholds in points. A score strictly above
// Alert raises a fraud alert; strictly above Block prevents submission.
type Thresholds struct {
	Alert int `yaml:"alert"`
	Block int `yaml:"block"`
}

// Config holds all configurable fraud parameters.
type Config struct {
	Weights    Weights    `yaml:"weights"`
	Limits     Limits     `yaml:"limits"`
	Thresholds Thresholds `yaml:"thresholds"`
	Timezone   string     `yaml:"timezone"`
}

// DefaultConfig returns the built-in scoring rules.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			RapidRepetition: 30,
			AmountAnomaly:   20,
			LargeAmount:     20,
			VeryLargeAmount: 30,
			OffHours:        30,
			HighFrequency:   40,
			DeviceMismatch:  30,
		},
		Limits: Limits{
			RapidWindow:      5 * time.Minute,
			RapidMaxCount:    3,
			FrequencyWindow:  time.Hour,
			FrequencyMax:     10,
			AnomalyMinSample: 5,
			AnomalyMaxSample: 10,
			AnomalyHighRatio: "3",
			AnomalyLowRatio:  "0.1",
			LargeAmount:      "1000",
			VeryLargeAmount:  "5000",
			OffHoursStart:    23,
			OffHoursEnd:      6,
		},
		Thresholds: Thresholds{
			Alert: 70,
			Block: 80,
		},
		Timezone: "Local",
	}
}

// Validate checks ranges and parses every numeric string.
func (c Config) Validate() error {
	w := c.Weights
	for name, v := range map[string]int{
		"rapid_repetition":  w.RapidRepetition,
		"amount_anomaly":    w.AmountAnomaly,
		"large_amount":      w.LargeAmount,
		"very_large_amount": w.VeryLargeAmount,
		"off_hours":         w.OffHours,
		"high_frequency":    w.HighFrequency,
		"device_mismatch":   w.DeviceMismatch,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("fraud: weight %s must be within [0,100], got %d", name, v)
		}
	}
	if _, err := compile(c); err != nil {
		return err
	}
	l := c.Limits
	if l.RapidWindow <= 0 || l.FrequencyWindow <= 0 {
		return fmt.Errorf("fraud: windows must be positive")
	}
	if l.AnomalyMinSample < 1 || l.AnomalyMaxSample < l.AnomalyMinSample {
		return fmt.Errorf("fraud: anomaly sample bounds invalid (%d..%d)", l.AnomalyMinSample, l.AnomalyMaxSample)
	}
	if l.OffHoursStart < 0 || l.OffHoursStart > 24 || l.OffHoursEnd < 0 || l.OffHoursEnd > 24 {
		return fmt.Errorf("fraud: off-hours bounds must be within [0,24]")
	}
	t := c.Thresholds
	if t.Alert < 0 || t.Block > 100 || t.Alert > t.Block {
		return fmt.Errorf("fraud: thresholds must satisfy 0 <= alert <= block <= 100, got %d/%d", t.Alert, t.Block)
	}
	return nil
}
