/**
 * @description
 * This file contains the HTTP handlers for the wallet service's API endpoints.
 * Handlers parse the request, call the application service as the
 * authenticated session and write the JSON response. Every error body
 * carries a stable `code` so the mobile client can branch without parsing
 * messages.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - internal/app, internal/domain, internal/identity: For service logic, models and sessions.
 */

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/khipu/wallet-service/internal/app"
	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/identity"
	"github.com/khipu/wallet-service/internal/logging"
)

// IdempotencyKeyHeader carries the client's retry key for transfers.
const IdempotencyKeyHeader = "Idempotency-Key"

// HubStatus reports whether calls to the hub are currently being refused.
type HubStatus interface {
	BreakerOpen() bool
}

// Handlers holds the services the handlers use.
type Handlers struct {
	service  *app.Service
	identity *identity.Service
	hub      HubStatus
	logger   *logrus.Entry
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service *app.Service, identity *identity.Service, logger *logrus.Entry) *Handlers {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handlers{
		service:  service,
		identity: identity,
		logger:   logger.WithField("component", "api"),
	}
}

// WithHubStatus makes /ready report the hub circuit breaker.
func (h *Handlers) WithHubStatus(hub HubStatus) *Handlers {
	h.hub = hub
	return h
}

// ReadyHandler answers 503 while the hub circuit breaker is open, so the
// instance is taken out of rotation instead of failing every transfer.
func (h *Handlers) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if h.hub != nil && h.hub.BreakerOpen() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "hub": "circuit_open"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "hub": "ok"})
}

type registerResponse struct {
	UserID uuid.UUID `json:"user_id"`
}

type candidatesResponse struct {
	Identifier string                   `json:"identifier"`
	Candidates []domain.WalletCandidate `json:"candidates"`
}

type topUpRequest struct {
	Amount domain.Amount `json:"amount"`
}

type transactionsResponse struct {
	Transactions []domain.Transaction `json:"transactions"`
}

// RegisterHandler onboards a new wallet.
func (h *Handlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if !h.decode(w, r, "register", &req) {
		return
	}

	userID, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{UserID: userID})
}

// LoginHandler exchanges credentials for a session token.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var creds domain.Credentials
	if !h.decode(w, r, "login", &creds) {
		return
	}

	session, err := h.identity.Login(r.Context(), creds)
	if err != nil {
		status, resp := classify(err)
		if resp.Code == "invalid_credentials" {
			status = http.StatusUnauthorized
			resp.Error = "Invalid email or password"
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ResolveHandler lists every wallet registered under an identifier.
func (h *Handlers) ResolveHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	identifier := chi.URLParam(r, "identifier")
	candidates, err := h.service.Resolve(r.Context(), session, identifier)
	if err != nil {
		h.writeServiceError(w, r, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, candidatesResponse{Identifier: strings.TrimSpace(identifier), Candidates: candidates})
}

// TransferHandler sends money to a resolved candidate.
func (h *Handlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req domain.TransferRequest
	if !h.decode(w, r, "transfer", &req) {
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))

	result, err := h.service.Transfer(r.Context(), session, req)
	if err != nil {
		h.writeServiceError(w, r, "transfer", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// TopUpHandler recharges the session's own balance.
func (h *Handlers) TopUpHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req topUpRequest
	if !h.decode(w, r, "topup", &req) {
		return
	}

	result, err := h.service.TopUp(r.Context(), session, req.Amount)
	if err != nil {
		h.writeServiceError(w, r, "topup", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// MeHandler returns the session's wallet.
func (h *Handlers) MeHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	user, err := h.service.GetUser(r.Context(), session)
	if err != nil {
		h.writeServiceError(w, r, "me", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListTransactionsHandler returns the session's history, newest first.
func (h *Handlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	txs, err := h.service.ListTransactions(r.Context(), session)
	if err != nil {
		h.writeServiceError(w, r, "list_transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, transactionsResponse{Transactions: txs})
}

// GetTransactionHandler returns one of the session's ledger entries.
func (h *Handlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}

	transactionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_request", Error: "Invalid transaction ID format"})
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), session, transactionID)
	if err != nil {
		h.writeServiceError(w, r, "get_transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (domain.SessionContext, bool) {
	session, ok := GetSession(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "unauthorized", Error: "Could not get session from context"})
	}
	return session, ok
}

// decode reads the JSON body into out. Malformed amounts surface as
// invalid_amount, anything else as invalid_request.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, endpoint string, out interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(out)
	if err == nil {
		return true
	}
	if errors.Is(err, domain.ErrInvalidAmount) {
		h.writeServiceError(w, r, endpoint, err)
		return false
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_request", Error: "Invalid request body"})
	return false
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
