package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending       Status = "pending"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusQueuedOffline Status = "queued-offline"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind classifies what a payment is for.
type Kind string

const (
	KindSessionFee   Kind = "session_fee"
	KindSubscription Kind = "subscription"
	KindPackage      Kind = "package"
	KindRefund       Kind = "refund"
	KindOther        Kind = "other"
)

// ValidKinds lists the accepted transaction kinds.
var ValidKinds = map[Kind]bool{
	KindSessionFee:   true,
	KindSubscription: true,
	KindPackage:      true,
	KindRefund:       true,
	KindOther:        true,
}

// TransactionRequest is what a caller submits to the engine.
type TransactionRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	ClientID       string          `json:"client_id"`
	ActorID        string          `json:"actor_id,omitempty"`
	Kind           Kind            `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Transaction is a payment as tracked by the engine.
// Amount is always positive; a transaction is persisted once, in its terminal state.
type Transaction struct {
	ID                   string          `json:"id"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	ClientID             string          `json:"client_id"`
	ActorID              string          `json:"actor_id"`
	Kind                 Kind            `json:"kind"`
	Timestamp            time.Time       `json:"timestamp"`
	FraudScore           float64         `json:"fraud_score"`
	FraudReasons         []string        `json:"fraud_reasons,omitempty"`
	Gateway              string          `json:"gateway,omitempty"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	Status               Status          `json:"status"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	ReplayAttempts       int             `json:"replay_attempts,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// FraudAssessment is the scorer's verdict for one transaction.
// Reasons keep the order in which the rules are evaluated.
type FraudAssessment struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// DeviceFingerprint identifies the device a session runs on.
type DeviceFingerprint struct {
	InstallationID string `json:"installation_id"`
	Name           string `json:"name"`
	Platform       string `json:"platform"`
	Brand          string `json:"brand"`
}

// Equal compares every identity attribute.
func (f DeviceFingerprint) Equal(other DeviceFingerprint) bool {
	return f.InstallationID == other.InstallationID &&
		f.Name == other.Name &&
		f.Platform == other.Platform &&
		f.Brand == other.Brand
}

// IsZero reports whether no attribute is set.
func (f DeviceFingerprint) IsZero() bool {
	return f == DeviceFingerprint{}
}
