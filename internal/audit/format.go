package audit

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/payvault/internal/model"
)

const separator = "──────────────────────────────────────────────────────────────────"

// Filter selects audit entries. Zero values match everything.
type Filter struct {
	Kind    model.EventKind
	MinRisk model.RiskLevel
	From    time.Time
	To      time.Time
	Limit   int
}

// Summary counts entries per risk level.
type Summary struct {
	Total  int       `json:"total"`
	Low    int       `json:"low"`
	Medium int       `json:"medium"`
	High   int       `json:"high"`
	First  time.Time `json:"first,omitempty"`
	Last   time.Time `json:"last,omitempty"`
}

// Apply returns the entries matching f, preserving input order.
func Apply(entries []model.AuditEntry, f Filter) []model.AuditEntry {
	out := make([]model.AuditEntry, 0, len(entries))
	for _, e := range entries {
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.MinRisk != "" && model.RiskRank[e.Risk] < model.RiskRank[f.MinRisk] {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Summarize counts entries per risk level.
func Summarize(entries []model.AuditEntry) Summary {
	var s Summary
	for _, e := range entries {
		s.Total++
		switch e.Risk {
		case model.RiskHigh:
			s.High++
		case model.RiskMedium:
			s.Medium++
		default:
			s.Low++
		}
		if s.First.IsZero() || e.Timestamp.Before(s.First) {
			s.First = e.Timestamp
		}
		if e.Timestamp.After(s.Last) {
			s.Last = e.Timestamp
		}
	}
	return s
}

// FormatTimeline renders entries as a human-readable text table.
func FormatTimeline(entries []model.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries.\n"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-19s %-6s %-22s %s\n", "TIME (UTC)", "RISK", "KIND", "DETAILS"))
	b.WriteString(separator + "\n")
	for _, e := range entries {
		tag := ""
		if e.Risk == model.RiskHigh {
			tag = "  [!]"
		}
		b.WriteString(fmt.Sprintf("%-19s %-6s %-22s %s%s\n",
			e.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			strings.ToUpper(string(e.Risk)),
			truncate(string(e.Kind), 22),
			truncate(formatDetails(e.Details), 60),
			tag))
	}
	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(Summarize(entries)))
	return b.String()
}

func formatDetails(d map[string]string) string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+d[k])
	}
	return strings.Join(parts, " ")
}

func formatSummary(s Summary) string {
	parts := []string{}
	if s.High > 0 {
		parts = append(parts, fmt.Sprintf("%d high", s.High))
	}
	if s.Medium > 0 {
		parts = append(parts, fmt.Sprintf("%d medium", s.Medium))
	}
	if s.Low > 0 {
		parts = append(parts, fmt.Sprintf("%d low", s.Low))
	}
	return fmt.Sprintf("Summary: %d entries (%s)\n", s.Total, strings.Join(parts, ", "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
