package audit

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ppiankov/payvault/internal/model"
)

// Escalation thresholds.
const (
	FailureWindow        = 15 * time.Minute
	FailureThreshold     = 3
	largeAmountThreshold = 5000
)

// baseRisk is the fixed lookup table. Kinds not listed are low.
var baseRisk = map[model.EventKind]model.RiskLevel{
	model.EventAuthFailed:          model.RiskMedium,
	model.EventSessionLockout:      model.RiskMedium,
	model.EventFraudAlert:          model.RiskMedium,
	model.EventFraudBlocked:        model.RiskHigh,
	model.EventDeviceChanged:       model.RiskMedium,
	model.EventDeviceTrusted:       model.RiskMedium,
	model.EventGatewayFailedAll:    model.RiskMedium,
	model.EventTransactionFailed:   model.RiskMedium,
	model.EventVaultDecryptFailed:  model.RiskMedium,
	model.EventKeyStoreUnavailable: model.RiskMedium,
	model.EventPersistFailed:       model.RiskMedium,
}

// Classify returns the risk of a new entry. recent is the audit ring,
// most recent first, not yet containing the new entry.
func Classify(kind model.EventKind, details map[string]string, recent []model.AuditEntry, now time.Time) model.RiskLevel {
	risk, ok := baseRisk[kind]
	if !ok {
		risk = model.RiskLow
	}

	switch kind {
	case model.EventAuthFailed:
		if failuresSinceSuccess(recent, now)+1 >= FailureThreshold {
			risk = model.RiskHigh
		}
	case model.EventTransactionSuccess:
		if amount, err := decimal.NewFromString(details["amount"]); err == nil &&
			amount.GreaterThan(decimal.NewFromInt(largeAmountThreshold)) {
			risk = maxRisk(risk, model.RiskMedium)
		}
	}
	return risk
}

// failuresSinceSuccess counts auth failures inside FailureWindow that
// happened after the most recent successful authentication.
func failuresSinceSuccess(recent []model.AuditEntry, now time.Time) int {
	cutoff := now.Add(-FailureWindow)
	n := 0
	for _, e := range recent {
		if e.Timestamp.Before(cutoff) || e.Kind == model.EventAuthSuccess {
			break
		}
		if e.Kind == model.EventAuthFailed {
			n++
		}
	}
	return n
}

func maxRisk(a, b model.RiskLevel) model.RiskLevel {
	if model.RiskRank[b] > model.RiskRank[a] {
		return b
	}
	return a
}
