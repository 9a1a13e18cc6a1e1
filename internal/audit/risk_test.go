package audit

import (
	"testing"
	"time"

	"github.com/ppiankov/payvault/internal/model"
)

func TestClassifyBaseTable(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		kind    model.EventKind
		details map[string]string
		want    model.RiskLevel
	}{
		{model.EventAuthSuccess, nil, model.RiskLow},
		{model.EventAuthFailed, nil, model.RiskMedium},
		{model.EventFraudAlert, nil, model.RiskMedium},
		{model.EventFraudBlocked, nil, model.RiskHigh},
		{model.EventSessionLockout, nil, model.RiskMedium},
		{model.EventGatewayAttempt, nil, model.RiskLow},
		{model.EventTransactionSuccess, map[string]string{"amount": "50"}, model.RiskLow},
		{model.EventTransactionSuccess, map[string]string{"amount": "5000"}, model.RiskLow},
		{model.EventTransactionSuccess, map[string]string{"amount": "5000.01"}, model.RiskMedium},
		{model.EventTransactionSuccess, map[string]string{"amount": "not-a-number"}, model.RiskLow},
		{model.EventKind("unknown"), nil, model.RiskLow},
	}
	for _, tt := range tests {
		if got := Classify(tt.kind, tt.details, nil, now); got != tt.want {
			t.Errorf("Classify(%s, %v) = %s, want %s", tt.kind, tt.details, got, tt.want)
		}
	}
}

func TestClassifyFailureEscalation(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	failed := func(ago time.Duration) model.AuditEntry {
		return model.AuditEntry{Kind: model.EventAuthFailed, Timestamp: now.Add(-ago)}
	}
	success := model.AuditEntry{Kind: model.EventAuthSuccess, Timestamp: now.Add(-3 * time.Minute)}

	tests := []struct {
		name   string
		recent []model.AuditEntry
		want   model.RiskLevel
	}{
		{"first failure", nil, model.RiskMedium},
		{"third failure", []model.AuditEntry{failed(time.Minute), failed(2 * time.Minute)}, model.RiskHigh},
		{"success in between", []model.AuditEntry{failed(time.Minute), success, failed(4 * time.Minute)}, model.RiskMedium},
		{"old failures", []model.AuditEntry{failed(time.Minute), failed(20 * time.Minute)}, model.RiskMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(model.EventAuthFailed, nil, tt.recent, now); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
