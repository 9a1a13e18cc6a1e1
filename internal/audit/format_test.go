package audit

import (
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/payvault/internal/model"
)

func sampleEntries() []model.AuditEntry {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return []model.AuditEntry{
		{ID: "3", Timestamp: base.Add(2 * time.Minute), Kind: model.EventFraudBlocked, Risk: model.RiskHigh, Details: map[string]string{"score": "0.90"}},
		{ID: "2", Timestamp: base.Add(time.Minute), Kind: model.EventAuthFailed, Risk: model.RiskMedium},
		{ID: "1", Timestamp: base, Kind: model.EventAuthSuccess, Risk: model.RiskLow, Details: map[string]string{"tier": "standard", "method": "confirmation"}},
	}
}

func TestApplyFilter(t *testing.T) {
	entries := sampleEntries()
	if got := Apply(entries, Filter{MinRisk: model.RiskMedium}); len(got) != 2 {
		t.Errorf("min risk medium: %d entries", len(got))
	}
	if got := Apply(entries, Filter{Kind: model.EventAuthSuccess}); len(got) != 1 || got[0].ID != "1" {
		t.Errorf("kind filter: %v", got)
	}
	if got := Apply(entries, Filter{Limit: 1}); len(got) != 1 || got[0].ID != "3" {
		t.Errorf("limit: %v", got)
	}
	from := entries[1].Timestamp
	if got := Apply(entries, Filter{From: from}); len(got) != 2 {
		t.Errorf("from: %d entries", len(got))
	}
	if got := Apply(entries, Filter{To: from}); len(got) != 2 {
		t.Errorf("to: %d entries", len(got))
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleEntries())
	if s.Total != 3 || s.High != 1 || s.Medium != 1 || s.Low != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if !s.First.Before(s.Last) {
		t.Fatal("first/last not set")
	}
}

func TestFormatTimeline(t *testing.T) {
	out := FormatTimeline(sampleEntries())
	for _, want := range []string{"fraud_blocked", "HIGH", "[!]", "method=confirmation tier=standard", "Summary: 3 entries (1 high, 1 medium, 1 low)"} {
		if !strings.Contains(out, want) {
			t.Errorf("timeline missing %q:\n%s", want, out)
		}
	}
	if FormatTimeline(nil) != "No audit entries.\n" {
		t.Error("empty timeline")
	}
}
