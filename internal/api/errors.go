package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/khipu/wallet-service/internal/app"
	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/identity"
	"github.com/khipu/wallet-service/internal/logging"
	"github.com/khipu/wallet-service/internal/store"
)

type errorResponse struct {
	Code    string         `json:"code"`
	Error   string         `json:"error"`
	Fatal   bool           `json:"fatal,omitempty"`
	Balance *domain.Amount `json:"balance,omitempty"`
}

// classify maps a service error onto an HTTP status and a stable code.
func classify(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error()}

	var insufficient *domain.InsufficientBalanceError
	switch {
	case errors.Is(err, domain.ErrReconciliationFailed):
		resp.Code, resp.Fatal = "reconciliation_failed", true
		return http.StatusInternalServerError, resp
	case errors.Is(err, domain.ErrCriticalInconsistency):
		resp.Code, resp.Fatal = "critical_inconsistency", true
		return http.StatusInternalServerError, resp
	case errors.Is(err, domain.ErrCompensationFailed):
		resp.Code, resp.Fatal = "compensation_failed", true
		return http.StatusInternalServerError, resp

	case errors.As(err, &insufficient):
		resp.Code = "insufficient_balance"
		balance := insufficient.Balance
		resp.Balance = &balance
		return http.StatusPaymentRequired, resp

	case errors.Is(err, domain.ErrInvalidIdentifier):
		resp.Code = "invalid_identifier"
		return http.StatusBadRequest, resp
	case errors.Is(err, domain.ErrInvalidAmount):
		resp.Code = "invalid_amount"
		return http.StatusBadRequest, resp
	case errors.Is(err, domain.ErrSelfTransfer):
		resp.Code = "self_transfer"
		return http.StatusBadRequest, resp
	case errors.Is(err, domain.ErrInvalidDisplayName):
		resp.Code = "invalid_display_name"
		return http.StatusBadRequest, resp
	case errors.Is(err, domain.ErrInvalidCredentials):
		resp.Code = "invalid_credentials"
		return http.StatusBadRequest, resp

	case errors.Is(err, domain.ErrSenderNotFound):
		resp.Code = "sender_not_found"
		return http.StatusNotFound, resp
	case errors.Is(err, store.ErrUserNotFound):
		resp.Code = "user_not_found"
		return http.StatusNotFound, resp
	case errors.Is(err, domain.ErrRecipientNotFound):
		resp.Code = "recipient_not_found"
		return http.StatusNotFound, resp
	case errors.Is(err, store.ErrTransactionNotFound):
		resp.Code = "transaction_not_found"
		return http.StatusNotFound, resp

	case errors.Is(err, domain.ErrRegistrationFailed):
		resp.Code = "registration_failed"
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, domain.ErrHubRejected):
		resp.Code = "hub_rejected"
		return http.StatusUnprocessableEntity, resp

	case errors.Is(err, store.ErrUserExists), errors.Is(err, identity.ErrAccountExists):
		resp.Code = "already_registered"
		return http.StatusConflict, resp
	case errors.Is(err, domain.ErrTransferInProgress):
		resp.Code = "transfer_in_progress"
		return http.StatusConflict, resp
	case errors.Is(err, domain.ErrIdempotencyKeyReused):
		resp.Code = "idempotency_key_reused"
		return http.StatusConflict, resp
	case errors.Is(err, domain.ErrRateLimited):
		resp.Code = "rate_limited"
		return http.StatusTooManyRequests, resp

	case errors.Is(err, domain.ErrHubUnavailable):
		resp.Code = "hub_unavailable"
		return http.StatusServiceUnavailable, resp
	case errors.Is(err, domain.ErrStoreUnavailable):
		resp.Code = "store_unavailable"
		return http.StatusServiceUnavailable, resp
	}

	resp.Code = "internal"
	resp.Error = "Internal server error"
	return http.StatusInternalServerError, resp
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	status, resp := classify(err)

	var limited *app.RateLimitedError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
	}

	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"endpoint": endpoint,
		"status":   status,
		"code":     resp.Code,
	})
	switch {
	case resp.Fatal:
		logging.Critical(entry).Error("request failed")
	case status >= http.StatusInternalServerError:
		entry.Error("request failed")
	default:
		entry.Info("request rejected")
	}
	writeJSON(w, status, resp)
}
