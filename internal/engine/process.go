package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ppiankov/payvault/internal/gateway"
	"github.com/ppiankov/payvault/internal/model"
	"github.com/ppiankov/payvault/internal/notify"
	"github.com/ppiankov/payvault/internal/state"
)

// Result is the outcome of Process.
type Result struct {
	Transaction model.Transaction     `json:"transaction"`
	Assessment  model.FraudAssessment `json:"assessment"`
	Alert       bool                  `json:"alert"`
	Duplicate   bool                  `json:"duplicate,omitempty"`
	Attempts    []gateway.Attempt     `json:"attempts,omitempty"`
	Warnings    []string              `json:"warnings,omitempty"`
}

func (r *Result) warn(w string) {
	if w != "" {
		r.Warnings = append(r.Warnings, w)
	}
}

// Process runs one payment request end to end. Gateway outages degrade
// to offline queueing and are not returned as errors. Vault and audit
// failures after a payment are reported in Result.Warnings.
func (e *Engine) Process(ctx context.Context, req model.TransactionRequest) (Result, error) {
	if err := e.gate.Require(ctx, state.TierStandard); err != nil {
		return Result{}, err
	}
	e.gate.Touch()

	req, err := normalize(req)
	if err != nil {
		return Result{}, err
	}

	id := req.IdempotencyKey
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return Result{}, fmt.Errorf("engine: new transaction id: %w", err)
		}
		id = u.String()
	} else if res, ok, err := e.lookupExisting(ctx, id); err != nil || ok {
		return res, err
	}

	actor := req.ActorID
	if actor == "" {
		actor = e.ec.UserID
	}
	now := e.ec.Now()
	tx := model.Transaction{
		ID:        id,
		Amount:    req.Amount,
		Currency:  req.Currency,
		ClientID:  req.ClientID,
		ActorID:   actor,
		Kind:      req.Kind,
		Timestamp: now,
		Status:    model.StatusPending,
	}

	var res Result
	stored := e.checkDevice(ctx, &res)
	current := e.ec.Device()
	assessment := e.ec.History.AssessAndAdd(tx, now, func(history []model.Transaction) model.FraudAssessment {
		return e.scorer.Assess(tx, history, current, stored)
	})

	tx.FraudScore = assessment.Score
	tx.FraudReasons = assessment.Reasons
	res.Assessment = assessment
	res.Transaction = tx

	fraudDetails := map[string]string{
		"transaction_id": tx.ID,
		"amount":         tx.Amount.String(),
		"score":          strconv.FormatFloat(assessment.Score, 'f', 2, 64),
		"reasons":        strings.Join(assessment.Reasons, ","),
	}
	if e.scorer.Alert(assessment.Score) {
		res.Alert = true
		res.warn(e.record(ctx, model.EventFraudAlert, fraudDetails))
		e.sink.Notify(notify.Event{
			Kind:    notify.KindFraudAlert,
			Message: fmt.Sprintf("transaction %s looks unusual (score %.2f)", tx.ID, assessment.Score),
			Details: fraudDetails,
			Time:    now,
		})
	}
	if e.scorer.Block(assessment.Score) {
		tx.Status = model.StatusFailed
		tx.FailureReason = "blocked by fraud policy"
		res.Transaction = tx
		e.sink.Notify(notify.Event{
			Kind:    notify.KindFraudBlocked,
			Message: fmt.Sprintf("transaction %s blocked (score %.2f)", tx.ID, assessment.Score),
			Details: fraudDetails,
			Time:    now,
		})
		e.persist(ctx, &res, tx)
		// high risk: the audit threat handler locks the session
		res.warn(e.record(context.WithoutCancel(ctx), model.EventFraudBlocked, fraudDetails))
		return res, &model.FraudBlockedError{TransactionID: tx.ID, Assessment: assessment}
	}

	if !e.conn.Online() {
		return e.enqueue(ctx, res, tx, "offline")
	}

	sub, err := e.router.Submit(ctx, tx, e.clients)
	res.Attempts = sub.Attempts
	if err != nil {
		var all *gateway.AllFailedError
		if !errors.As(err, &all) {
			// cancelled mid-submission; attempts are already audited
			return res, fmt.Errorf("engine: submit %s: %w", tx.ID, err)
		}
		res.Attempts = all.Attempts
		if all.Declined() {
			tx.Status = model.StatusFailed
			tx.FailureReason = "declined by every gateway"
			res.Transaction = tx
			e.finish(ctx, &res, tx, model.EventTransactionFailed)
			return res, fmt.Errorf("engine: transaction %s: %w", tx.ID, model.ErrDeclined)
		}
		res.warn(e.record(ctx, model.EventGatewayFailedAll, map[string]string{
			"transaction_id": tx.ID,
			"gateways":       strconv.Itoa(len(all.Attempts)),
			"error":          all.Error(),
		}))
		return e.enqueue(ctx, res, tx, "all gateways failed")
	}

	completed := e.ec.Now()
	tx.Status = model.StatusCompleted
	tx.Gateway = sub.Gateway
	tx.GatewayTransactionID = sub.Receipt.ID
	tx.CompletedAt = &completed
	res.Transaction = tx
	e.finish(ctx, &res, tx, model.EventTransactionSuccess)
	return res, nil
}

// normalize validates req and canonicalizes its fields.
func normalize(req model.TransactionRequest) (model.TransactionRequest, error) {
	if !req.Amount.IsPositive() {
		return req, &model.InvalidTransactionError{Field: "amount", Reason: "must be greater than zero"}
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		return req, &model.InvalidTransactionError{Field: "client_id", Reason: "is required"}
	}
	if req.Kind == "" {
		req.Kind = model.KindOther
	}
	if !model.ValidKinds[req.Kind] {
		return req, &model.InvalidTransactionError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", req.Kind)}
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(req.Currency) != 3 || strings.Trim(req.Currency, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") != "" {
		return req, &model.InvalidTransactionError{Field: "currency", Reason: "must be a three-letter ISO 4217 code"}
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if strings.ContainsAny(req.IdempotencyKey, "/\\") {
		return req, &model.InvalidTransactionError{Field: "idempotency_key", Reason: "must not contain path separators"}
	}
	return req, nil
}

// lookupExisting returns the recorded outcome of a repeated request.
func (e *Engine) lookupExisting(ctx context.Context, id string) (Result, bool, error) {
	var tx model.Transaction
	err := e.vault.LoadJSON(ctx, TxnPrefix+id, &tx)
	if err == nil {
		return Result{
			Transaction: tx,
			Assessment:  model.FraudAssessment{Score: tx.FraudScore, Reasons: tx.FraudReasons},
			Duplicate:   true,
		}, true, nil
	}
	if !isNotFound(err) {
		return Result{}, false, fmt.Errorf("engine: lookup %s: %w", id, err)
	}
	items, err := e.queue.List(ctx)
	if err != nil {
		return Result{}, false, fmt.Errorf("engine: lookup %s: %w", id, err)
	}
	for _, it := range items {
		if it.Transaction.ID == id {
			return Result{
				Transaction: it.Transaction,
				Assessment:  model.FraudAssessment{Score: it.Transaction.FraudScore, Reasons: it.Transaction.FraudReasons},
				Duplicate:   true,
			}, true, nil
		}
	}
	return Result{}, false, nil
}

// checkDevice compares the running device with the trusted snapshot and
// returns the snapshot for scoring. A changed device is audited.
func (e *Engine) checkDevice(ctx context.Context, res *Result) *model.DeviceFingerprint {
	current := e.ec.Device()
	if current.IsZero() {
		return nil
	}
	obs, err := e.devices.Observe(ctx, current)
	if err != nil {
		e.logger.Warn("device snapshot unavailable", "error", err)
		kind := model.EventPersistFailed
		if errors.Is(err, model.ErrDecryptionFailed) {
			kind = model.EventVaultDecryptFailed
		}
		res.warn(e.record(ctx, kind, map[string]string{"what": "device fingerprint", "error": err.Error()}))
		res.warn("device fingerprint check skipped: " + err.Error())
		return obs.Stored
	}
	if obs.Changed {
		res.warn(e.record(ctx, model.EventDeviceChanged, map[string]string{
			"stored_installation_id":  obs.Stored.InstallationID,
			"current_installation_id": current.InstallationID,
			"current_name":            current.Name,
			"current_platform":        current.Platform,
		}))
	}
	return obs.Stored
}

// enqueue hands tx to the offline queue.
func (e *Engine) enqueue(ctx context.Context, res Result, tx model.Transaction, reason string) (Result, error) {
	wctx := context.WithoutCancel(ctx)
	tx.Status = model.StatusQueuedOffline
	res.Transaction = tx
	if _, err := e.queue.Enqueue(wctx, tx); err != nil {
		e.logger.Error("transaction could not be queued", "transaction", tx.ID, "error", err)
		res.warn(e.record(ctx, model.EventPersistFailed, map[string]string{
			"transaction_id": tx.ID,
			"what":           "offline queue",
			"error":          err.Error(),
		}))
		return res, fmt.Errorf("engine: queue %s: %w", tx.ID, err)
	}
	res.warn(e.record(ctx, model.EventTransactionQueued, map[string]string{
		"transaction_id": tx.ID,
		"amount":         tx.Amount.String(),
		"reason":         reason,
	}))
	return res, nil
}

// finish persists a terminal transaction and audits it. Nothing here can
// undo the payment; failures become warnings.
func (e *Engine) finish(ctx context.Context, res *Result, tx model.Transaction, kind model.EventKind) {
	wctx := context.WithoutCancel(ctx)
	details := map[string]string{
		"transaction_id": tx.ID,
		"amount":         tx.Amount.String(),
		"currency":       tx.Currency,
		"status":         string(tx.Status),
	}
	if tx.Gateway != "" {
		details["gateway"] = tx.Gateway
		details["gateway_transaction_id"] = tx.GatewayTransactionID
	}
	if tx.FailureReason != "" {
		details["reason"] = tx.FailureReason
	}

	e.persist(wctx, res, tx)
	res.warn(e.record(wctx, kind, details))
}

// persist writes the terminal transaction once. A failure becomes a
// warning plus a persist_failed audit entry.
func (e *Engine) persist(ctx context.Context, res *Result, tx model.Transaction) {
	wctx := context.WithoutCancel(ctx)
	if _, err := e.persistTerminal(wctx, tx); err != nil {
		e.logger.Warn("terminal transaction not persisted", "transaction", tx.ID, "error", err)
		res.warn(fmt.Sprintf("transaction %s not persisted: %v", tx.ID, err))
		res.warn(e.record(wctx, model.EventPersistFailed, map[string]string{
			"transaction_id": tx.ID,
			"what":           "transaction",
			"error":          err.Error(),
		}))
	}
}

// persistTerminal stores tx under txn/<id> unless a record already exists.
// It reports whether a write happened.
func (e *Engine) persistTerminal(ctx context.Context, tx model.Transaction) (bool, error) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	exists, err := e.vault.Exists(ctx, TxnPrefix+tx.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := e.vault.StoreJSON(ctx, TxnPrefix+tx.ID, tx); err != nil {
		return false, err
	}
	return true, nil
}

func sortByTime(txs []model.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Timestamp.Before(txs[j].Timestamp) })
}
