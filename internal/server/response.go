package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ppiankov/payvault/internal/engine"
	"github.com/ppiankov/payvault/internal/kvstore"
	"github.com/ppiankov/payvault/internal/model"
)

type errorBody struct {
	Error  string         `json:"error"`
	Code   string         `json:"code"`
	Field  string         `json:"field,omitempty"`
	Result *engine.Result `json:"result,omitempty"`
}

// classify maps engine errors to an HTTP status and a stable code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidTransaction):
		return http.StatusBadRequest, "invalid_transaction"
	case errors.Is(err, model.ErrFraudBlocked):
		return http.StatusForbidden, "fraud_blocked"
	case errors.Is(err, model.ErrSessionExpired):
		return http.StatusUnauthorized, "session_expired"
	case errors.Is(err, model.ErrNotAuthenticated):
		return http.StatusUnauthorized, "not_authenticated"
	case errors.Is(err, model.ErrAuthenticationFailed):
		return http.StatusUnauthorized, "authentication_failed"
	case errors.Is(err, model.ErrDeclined):
		return http.StatusPaymentRequired, "declined"
	case errors.Is(err, engine.ErrOffline):
		return http.StatusServiceUnavailable, "offline"
	case errors.Is(err, model.ErrKeyStoreUnavailable):
		return http.StatusServiceUnavailable, "keystore_unavailable"
	case errors.Is(err, model.ErrDecryptionFailed):
		return http.StatusInternalServerError, "decryption_failed"
	case errors.Is(err, kvstore.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func respondError(c *gin.Context, err error) {
	status, code := classify(err)
	body := errorBody{Error: err.Error(), Code: code}
	var inv *model.InvalidTransactionError
	if errors.As(err, &inv) {
		body.Field = inv.Field
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorBody{Error: msg, Code: "bad_request"})
}
