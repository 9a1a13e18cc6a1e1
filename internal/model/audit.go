package model

import "time"

// RiskLevel classifies an audit entry.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskRank maps risk levels to a comparable integer.
var RiskRank = map[RiskLevel]int{
	RiskLow:    0,
	RiskMedium: 1,
	RiskHigh:   2,
}

// EventKind names what an audit entry records.
type EventKind string

const (
	EventAuthSuccess         EventKind = "auth_success"
	EventAuthFailed          EventKind = "auth_failed"
	EventAuthFallback        EventKind = "auth_fallback"
	EventSessionExpired      EventKind = "session_expired"
	EventSessionLockout      EventKind = "session_lockout"
	EventLogout              EventKind = "logout"
	EventFraudAlert          EventKind = "fraud_alert"
	EventFraudBlocked        EventKind = "fraud_blocked"
	EventDeviceChanged       EventKind = "device_changed"
	EventDeviceTrusted       EventKind = "device_trusted"
	EventGatewayAttempt      EventKind = "gateway_attempt"
	EventGatewayFailedAll    EventKind = "gateway_failed_all"
	EventTransactionSuccess  EventKind = "transaction_success"
	EventTransactionFailed   EventKind = "transaction_failed"
	EventTransactionQueued   EventKind = "transaction_queued"
	EventQueueReplay         EventKind = "queue_replay"
	EventQueueDrain          EventKind = "queue_drain"
	EventVaultDecryptFailed  EventKind = "vault_decrypt_failed"
	EventKeyStoreUnavailable EventKind = "keystore_unavailable"
	EventPersistFailed       EventKind = "persist_failed"
)

// AuditEntry is one immutable record in the audit log.
// Details is a flat string map so json.Marshal output is deterministic
// (map keys are sorted), which keeps the hash chain reproducible.
type AuditEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"ts"`
	Kind      EventKind         `json:"kind"`
	ActorID   string            `json:"actor_id"`
	Device    DeviceFingerprint `json:"device"`
	Details   map[string]string `json:"details,omitempty"`
	Risk      RiskLevel         `json:"risk"`
	SessionID string            `json:"session_id,omitempty"`
	PrevHash  string            `json:"prev_hash"`
}
