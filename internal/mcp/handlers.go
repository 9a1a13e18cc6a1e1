package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"

	"github.com/ppiankov/payvault/internal/auth"
	"github.com/ppiankov/payvault/internal/engine"
	"github.com/ppiankov/payvault/internal/model"
	"github.com/ppiankov/payvault/internal/queue"
	"github.com/ppiankov/payvault/internal/state"
)

const defaultAuditLimit = 20

// --- Input/Output types ---

// ProcessInput defines parameters for the payvault_process tool.
type ProcessInput struct {
	Amount         string `json:"amount" jsonschema:"decimal amount, e.g. 49.90"`
	Currency       string `json:"currency" jsonschema:"ISO 4217 currency code"`
	ClientID       string `json:"client_id" jsonschema:"client being charged"`
	Kind           string `json:"kind,omitempty" jsonschema:"session_fee, subscription, package, refund or other"`
	IdempotencyKey string `json:"idempotency_key,omitempty" jsonschema:"repeat-safe key; reused as the transaction id"`
}

// ProcessOutput is the outcome of a payment.
type ProcessOutput struct {
	TransactionID string   `json:"transaction_id,omitempty"`
	Status        string   `json:"status,omitempty"`
	Gateway       string   `json:"gateway,omitempty"`
	FraudScore    float64  `json:"fraud_score"`
	FraudReasons  []string `json:"fraud_reasons,omitempty"`
	Alert         bool     `json:"alert,omitempty"`
	Duplicate     bool     `json:"duplicate,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// AuthenticateInput defines parameters for the payvault_authenticate tool.
type AuthenticateInput struct {
	Confirmed bool `json:"confirmed" jsonschema:"true once the user has confirmed access"`
}

// SessionInput is empty.
type SessionInput struct{}

// SessionOutput describes the session.
type SessionOutput struct {
	Status       string `json:"status"`
	SessionID    string `json:"session_id,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
	Online       bool   `json:"online"`
	Error        string `json:"error,omitempty"`
}

// TransactionInput defines parameters for the payvault_transaction tool.
type TransactionInput struct {
	ID string `json:"id" jsonschema:"transaction id"`
}

// TransactionOutput describes a transaction.
type TransactionOutput struct {
	TransactionID        string   `json:"transaction_id,omitempty"`
	Amount               string   `json:"amount,omitempty"`
	Currency             string   `json:"currency,omitempty"`
	ClientID             string   `json:"client_id,omitempty"`
	Kind                 string   `json:"kind,omitempty"`
	Status               string   `json:"status,omitempty"`
	Gateway              string   `json:"gateway,omitempty"`
	GatewayTransactionID string   `json:"gateway_transaction_id,omitempty"`
	FraudScore           float64  `json:"fraud_score"`
	FraudReasons         []string `json:"fraud_reasons,omitempty"`
	FailureReason        string   `json:"failure_reason,omitempty"`
	Timestamp            string   `json:"timestamp,omitempty"`
	Error                string   `json:"error,omitempty"`
}

// QueueInput is empty.
type QueueInput struct{}

// QueueOutput lists queued payments.
type QueueOutput struct {
	Online bool        `json:"online"`
	Items  []QueueItem `json:"items"`
	Error  string      `json:"error,omitempty"`
}

// QueueItem is one queued payment.
type QueueItem struct {
	TransactionID  string `json:"transaction_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	ClientID       string `json:"client_id"`
	EnqueuedAt     string `json:"enqueued_at"`
	ReplayAttempts int    `json:"replay_attempts"`
}

// DrainInput is empty.
type DrainInput struct{}

// DrainOutput reports a drain pass.
type DrainOutput struct {
	Report queue.DrainReport `json:"report"`
	Error  string            `json:"error,omitempty"`
}

// AuditInput defines parameters for the payvault_audit_recent tool.
type AuditInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"number of entries, default 20"`
}

// AuditOutput lists audit entries.
type AuditOutput struct {
	Entries []AuditItem `json:"entries"`
	Error   string      `json:"error,omitempty"`
}

// AuditItem is a condensed audit entry.
type AuditItem struct {
	Timestamp string            `json:"timestamp"`
	Kind      string            `json:"kind"`
	Risk      string            `json:"risk"`
	Details   map[string]string `json:"details,omitempty"`
}

// --- Handlers ---

func (s *Server) handleProcess(ctx context.Context, req *mcpsdk.CallToolRequest, input ProcessInput) (*mcpsdk.CallToolResult, ProcessOutput, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(input.Amount))
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, ProcessOutput{Error: fmt.Sprintf("amount %q is not a decimal number", input.Amount)}, nil
	}
	res, err := s.eng.Process(ctx, model.TransactionRequest{
		Amount:         amount,
		Currency:       input.Currency,
		ClientID:       input.ClientID,
		Kind:           model.Kind(input.Kind),
		IdempotencyKey: input.IdempotencyKey,
	})
	out := processOutput(res)
	if err != nil {
		if !isUserError(err) {
			return nil, ProcessOutput{}, err
		}
		out.Error = err.Error()
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func processOutput(res engine.Result) ProcessOutput {
	tx := res.Transaction
	return ProcessOutput{
		TransactionID: tx.ID,
		Status:        string(tx.Status),
		Gateway:       tx.Gateway,
		FraudScore:    res.Assessment.Score,
		FraudReasons:  res.Assessment.Reasons,
		Alert:         res.Alert,
		Duplicate:     res.Duplicate,
		Warnings:      res.Warnings,
	}
}

func (s *Server) handleAuthenticate(ctx context.Context, req *mcpsdk.CallToolRequest, input AuthenticateInput) (*mcpsdk.CallToolResult, SessionOutput, error) {
	st, err := s.eng.Authenticate(auth.WithConfirmation(ctx, input.Confirmed), state.TierStandard)
	out := s.sessionOutput(st)
	if err != nil {
		if !isUserError(err) {
			return nil, SessionOutput{}, err
		}
		out.Error = err.Error()
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleSession(ctx context.Context, req *mcpsdk.CallToolRequest, input SessionInput) (*mcpsdk.CallToolResult, SessionOutput, error) {
	return nil, s.sessionOutput(s.eng.Session(ctx)), nil
}

func (s *Server) sessionOutput(st state.SessionState) SessionOutput {
	out := SessionOutput{Status: string(st.Status), SessionID: st.SessionID, Online: s.eng.Online()}
	if !st.LastActivity.IsZero() {
		out.LastActivity = st.LastActivity.UTC().Format("2006-01-02T15:04:05Z")
	}
	return out
}

func (s *Server) handleTransaction(ctx context.Context, req *mcpsdk.CallToolRequest, input TransactionInput) (*mcpsdk.CallToolResult, TransactionOutput, error) {
	if input.ID == "" {
		return &mcpsdk.CallToolResult{IsError: true}, TransactionOutput{Error: "id is required"}, nil
	}
	tx, err := s.eng.Transaction(ctx, input.ID)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, TransactionOutput{Error: err.Error()}, nil
	}
	return nil, TransactionOutput{
		TransactionID:        tx.ID,
		Amount:               tx.Amount.String(),
		Currency:             tx.Currency,
		ClientID:             tx.ClientID,
		Kind:                 string(tx.Kind),
		Status:               string(tx.Status),
		Gateway:              tx.Gateway,
		GatewayTransactionID: tx.GatewayTransactionID,
		FraudScore:           tx.FraudScore,
		FraudReasons:         tx.FraudReasons,
		FailureReason:        tx.FailureReason,
		Timestamp:            tx.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
	}, nil
}

func (s *Server) handleQueue(ctx context.Context, req *mcpsdk.CallToolRequest, input QueueInput) (*mcpsdk.CallToolResult, QueueOutput, error) {
	items, err := s.eng.QueueSnapshot(ctx)
	if isUserError(err) {
		return &mcpsdk.CallToolResult{IsError: true}, QueueOutput{Online: s.eng.Online(), Error: err.Error()}, nil
	}
	if err != nil {
		return nil, QueueOutput{}, err
	}
	out := QueueOutput{Online: s.eng.Online(), Items: make([]QueueItem, 0, len(items))}
	for _, it := range items {
		tx := it.Transaction
		out.Items = append(out.Items, QueueItem{
			TransactionID:  tx.ID,
			Amount:         tx.Amount.String(),
			Currency:       tx.Currency,
			ClientID:       tx.ClientID,
			EnqueuedAt:     it.EnqueuedAt.UTC().Format("2006-01-02T15:04:05Z"),
			ReplayAttempts: tx.ReplayAttempts,
		})
	}
	return nil, out, nil
}

func (s *Server) handleDrain(ctx context.Context, req *mcpsdk.CallToolRequest, input DrainInput) (*mcpsdk.CallToolResult, DrainOutput, error) {
	report, err := s.eng.Drain(ctx)
	if err != nil {
		s.logger.Warn("queue drain incomplete", "error", err)
		return &mcpsdk.CallToolResult{IsError: true}, DrainOutput{Report: report, Error: err.Error()}, nil
	}
	return nil, DrainOutput{Report: report}, nil
}

func (s *Server) handleAuditRecent(ctx context.Context, req *mcpsdk.CallToolRequest, input AuditInput) (*mcpsdk.CallToolResult, AuditOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	entries, err := s.eng.RecentAudit(ctx, limit)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, AuditOutput{Error: err.Error()}, nil
	}
	out := AuditOutput{Entries: make([]AuditItem, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, AuditItem{
			Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			Kind:      string(e.Kind),
			Risk:      string(e.Risk),
			Details:   e.Details,
		})
	}
	return nil, out, nil
}

// isUserError reports errors the caller can act on, returned as tool
// results rather than protocol errors.
func isUserError(err error) bool {
	for _, target := range []error{
		model.ErrInvalidTransaction,
		model.ErrFraudBlocked,
		model.ErrDeclined,
		model.ErrSessionExpired,
		model.ErrNotAuthenticated,
		model.ErrAuthenticationFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
