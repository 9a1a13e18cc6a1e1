package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers classify with errors.Is.
var (
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrFraudBlocked         = errors.New("transaction blocked by fraud policy")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrKeyStoreUnavailable  = errors.New("keystore unavailable")
	ErrDecryptionFailed     = errors.New("decryption failed")
	ErrAllGatewaysFailed    = errors.New("all gateways failed")
	ErrSessionExpired       = errors.New("session expired")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrDeclined             = errors.New("payment declined")
)

// InvalidTransactionError names the request field that failed validation.
type InvalidTransactionError struct {
	Field  string
	Reason string
}

func (e *InvalidTransactionError) Error() string {
	return fmt.Sprintf("invalid transaction: %s: %s", e.Field, e.Reason)
}

func (e *InvalidTransactionError) Is(target error) bool {
	return target == ErrInvalidTransaction
}

// FraudBlockedError carries the assessment that caused the block.
type FraudBlockedError struct {
	TransactionID string
	Assessment    FraudAssessment
}

func (e *FraudBlockedError) Error() string {
	return fmt.Sprintf("transaction %s blocked: fraud score %.2f %v",
		e.TransactionID, e.Assessment.Score, e.Assessment.Reasons)
}

func (e *FraudBlockedError) Is(target error) bool {
	return target == ErrFraudBlocked
}
