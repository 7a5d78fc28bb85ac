/**
 * @description
 * The transfer engine moves money from the session's user to a resolved
 * wallet candidate, either inside this provider's ledger (LOCAL) or through
 * the interoperability hub (EXTERNAL).
 *
 * @notes
 * - LOCAL is a saga: sender debit, recipient credit, both ledger entries.
 *   A failure after the debit runs the compensations in reverse order.
 * - EXTERNAL holds the amount on the sender's balance, then calls the hub
 *   exactly once. A rejected or unreachable hub gives the hold back. Once
 *   the hub has committed, writing the ledger entry is reconciliation; a
 *   failure there is fatal and is parked for an operator.
 * - Hub calls and compensations run on a context detached from the caller's
 *   cancellation so an abandoned request cannot stop halfway.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/logging"
	"github.com/khipu/wallet-service/internal/store"
	"github.com/khipu/wallet-service/pkg/hubclient"
	"github.com/khipu/wallet-service/pkg/rabbitmq"
)

type transferState string

const (
	stateIdle        transferState = "idle"
	stateValidating  transferState = "validating"
	stateRouting     transferState = "routing"
	stateExecuting   transferState = "executing"
	stateReconciling transferState = "reconciling"
	stateCommitted   transferState = "committed"
	stateFailed      transferState = "failed"
)

// Engine executes transfers.
type Engine struct {
	repo          store.Repository
	ledger        ledger
	hub           HubClient
	events        rabbitmq.Publisher
	idempotency   IdempotencyStore
	localProvider string
	metrics       *Metrics
	logger        *logrus.Entry
	now           func() time.Time
}

func NewEngine(repo store.Repository, hub HubClient, events rabbitmq.Publisher, localProvider string, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	if events == nil {
		events = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	return &Engine{
		repo:          repo,
		ledger:        ledger{repo: repo},
		hub:           hub,
		events:        events,
		localProvider: localProvider,
		logger:        logger.WithField("component", "transfer_engine"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithIdempotency enables replay protection for requests carrying a key.
func (e *Engine) WithIdempotency(store IdempotencyStore) *Engine {
	e.idempotency = store
	return e
}

func (e *Engine) WithMetrics(m *Metrics) *Engine {
	e.metrics = m
	return e
}

// transferAttempt carries the per-request logging context.
type transferAttempt struct {
	log   *logrus.Entry
	state transferState
	route domain.Route
}

func (e *Engine) enter(attempt *transferAttempt, state transferState) {
	attempt.state = state
	attempt.log = attempt.log.WithField("transfer_state", string(state))
	attempt.log.Debug("transfer state transition")
	e.metrics.transferState(state)
}

// Transfer moves req.Amount from the session's user to req.Candidate.
func (e *Engine) Transfer(ctx context.Context, session domain.SessionContext, req domain.TransferRequest) (*domain.TransferResult, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" || e.idempotency == nil {
		return e.transfer(ctx, session, req)
	}

	senderKey := session.UserID.String()
	fingerprint := requestFingerprint(req)
	cached, err := e.idempotency.Begin(ctx, senderKey, key, fingerprint)
	if err != nil {
		if errors.Is(err, domain.ErrTransferInProgress) || errors.Is(err, domain.ErrIdempotencyKeyReused) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: idempotency cache: %v", domain.ErrStoreUnavailable, err)
	}
	if cached != nil {
		e.logger.WithFields(logrus.Fields{
			"sender_id":       session.UserID,
			"idempotency_key": key,
			"transaction_id":  cached.TransactionID,
		}).Info("replaying committed transfer")
		return cached, nil
	}

	result, err := e.transfer(ctx, session, req)
	detached := context.WithoutCancel(ctx)
	if err == nil {
		if cacheErr := e.idempotency.Complete(detached, senderKey, key, fingerprint, result); cacheErr != nil {
			e.logger.WithError(cacheErr).WithField("idempotency_key", key).Warn("failed to cache committed transfer")
		}
		return result, nil
	}
	if releasable(err) {
		if releaseErr := e.idempotency.Release(detached, senderKey, key); releaseErr != nil {
			e.logger.WithError(releaseErr).WithField("idempotency_key", key).Warn("failed to release idempotency key")
		}
	}
	return nil, err
}

// requestFingerprint identifies what a transfer request asks for, so a key
// reused for a different transfer is refused instead of replayed.
func requestFingerprint(req domain.TransferRequest) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strings.ToLower(strings.TrimSpace(req.Candidate.ProviderName)),
		strings.TrimSpace(req.Candidate.Identifier),
		strconv.FormatInt(int64(req.Amount), 10),
		strings.TrimSpace(req.Description),
	}, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// releasable reports whether a failed attempt left no money movement behind,
// so the same key may be used again. An unavailable hub may still have
// applied the transfer.
func releasable(err error) bool {
	return !domain.IsFatal(err) && !errors.Is(err, domain.ErrHubUnavailable)
}

func (e *Engine) transfer(ctx context.Context, session domain.SessionContext, req domain.TransferRequest) (*domain.TransferResult, error) {
	attempt := &transferAttempt{
		log: e.logger.WithFields(logrus.Fields{
			"attempt_id": uuid.NewString(),
			"sender_id":  session.UserID,
			"amount":     req.Amount.String(),
			"provider":   req.Candidate.ProviderName,
		}),
	}
	e.enter(attempt, stateIdle)

	result, err := e.run(ctx, attempt, session, req)
	if err != nil {
		e.enter(attempt, stateFailed)
		entry := attempt.log.WithError(err)
		if domain.IsFatal(err) {
			logging.Critical(entry).Error("transfer failed")
		} else {
			entry.Warn("transfer failed")
		}
		route := string(attempt.route)
		if route == "" {
			route = "unrouted"
		}
		e.metrics.transfer(route, outcome(err))
		return nil, err
	}

	e.enter(attempt, stateCommitted)
	attempt.log.WithField("transaction_id", result.TransactionID).Info("transfer committed")
	e.metrics.transfer(string(result.Route), "committed")
	return result, nil
}

func (e *Engine) run(ctx context.Context, attempt *transferAttempt, session domain.SessionContext, req domain.TransferRequest) (*domain.TransferResult, error) {
	e.enter(attempt, stateValidating)
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}
	identifier, err := NormalizeIdentifier(req.Candidate.Identifier)
	if err != nil {
		return nil, err
	}
	req.Candidate.Identifier = identifier
	if strings.TrimSpace(req.Candidate.ProviderName) == "" {
		return nil, fmt.Errorf("%w: candidate has no provider", domain.ErrRecipientNotFound)
	}

	sender, err := e.repo.GetUser(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSenderNotFound, session.UserID)
		}
		return nil, err
	}
	if sender.Balance < req.Amount {
		return nil, &domain.InsufficientBalanceError{Balance: sender.Balance, Requested: req.Amount}
	}

	e.enter(attempt, stateRouting)
	attempt.route = domain.RouteExternal
	if isLocalProvider(req.Candidate.ProviderName, e.localProvider) {
		attempt.route = domain.RouteLocal
	}
	attempt.log = attempt.log.WithField("route", string(attempt.route))

	e.enter(attempt, stateExecuting)
	var result *domain.TransferResult
	if attempt.route == domain.RouteLocal {
		result, err = e.executeLocal(ctx, attempt, sender, req)
	} else {
		result, err = e.executeExternal(ctx, attempt, sender, req)
	}
	if err != nil {
		return nil, err
	}

	e.publishCompleted(ctx, sender.ID, req.Amount, result)
	return result, nil
}

func (e *Engine) executeLocal(ctx context.Context, attempt *transferAttempt, sender *domain.User, req domain.TransferRequest) (*domain.TransferResult, error) {
	recipient, err := e.repo.FindUserByIdentifier(ctx, req.Candidate.Identifier)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: no local wallet for %s", domain.ErrRecipientNotFound, req.Candidate.Identifier)
		}
		return nil, err
	}
	if recipient.ID == sender.ID {
		return nil, domain.ErrSelfTransfer
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Transferencia " + e.localProvider
	}

	senderBalance, err := e.ledger.applyDelta(ctx, sender.ID, req.Amount.Neg())
	if err != nil {
		return nil, err
	}
	applied := []appliedDelta{{userID: sender.ID, delta: req.Amount.Neg()}}

	if _, err := e.ledger.applyDelta(ctx, recipient.ID, req.Amount); err != nil {
		return nil, e.compensate(ctx, attempt, fmt.Errorf("credit recipient: %w", err), applied)
	}
	applied = append(applied, appliedDelta{userID: recipient.ID, delta: req.Amount})

	out := &domain.Transaction{
		OwnerUserID:            sender.ID,
		Kind:                   domain.KindTransferOut,
		Amount:                 req.Amount.Neg(),
		CounterpartyName:       recipient.DisplayName,
		CounterpartyProvider:   e.localProvider,
		CounterpartyIdentifier: recipient.Identifier,
		Description:            description,
	}
	in := &domain.Transaction{
		OwnerUserID:            recipient.ID,
		Kind:                   domain.KindTransferIn,
		Amount:                 req.Amount,
		CounterpartyName:       sender.DisplayName,
		CounterpartyProvider:   e.localProvider,
		CounterpartyIdentifier: sender.Identifier,
		Description:            description,
	}
	ids, err := e.repo.AppendTransactions(ctx, []*domain.Transaction{out, in})
	if err != nil {
		return nil, e.compensate(ctx, attempt, fmt.Errorf("record transfer: %w", err), applied)
	}

	return &domain.TransferResult{
		NewSenderBalance:     senderBalance,
		RecipientDisplayName: recipient.DisplayName,
		Route:                domain.RouteLocal,
		TransactionID:        ids[0],
	}, nil
}

// compensate undoes applied deltas newest first. It returns cause when every
// undo succeeded, and an ErrCompensationFailed wrapping cause otherwise.
func (e *Engine) compensate(ctx context.Context, attempt *transferAttempt, cause error, applied []appliedDelta) error {
	detached := context.WithoutCancel(ctx)
	var failures []error
	for i := len(applied) - 1; i >= 0; i-- {
		step := applied[i]
		if _, err := e.ledger.applyDelta(detached, step.userID, step.delta.Neg()); err != nil {
			logging.Critical(attempt.log.WithError(err)).WithFields(logrus.Fields{
				"user_id": step.userID,
				"delta":   step.delta.String(),
			}).Error("compensating balance change failed")
			failures = append(failures, fmt.Errorf("revert %s on %s: %w", step.delta, step.userID, err))
		}
	}
	if len(failures) == 0 {
		attempt.log.WithError(cause).Info("transfer compensated")
		return cause
	}
	return fmt.Errorf("%w: %w: %w", domain.ErrCompensationFailed, cause, errors.Join(failures...))
}

func (e *Engine) executeExternal(ctx context.Context, attempt *transferAttempt, sender *domain.User, req domain.TransferRequest) (*domain.TransferResult, error) {
	detached := context.WithoutCancel(ctx)
	description := strings.TrimSpace(req.Description)
	hubDescription := description
	if hubDescription == "" {
		hubDescription = "Transferencia " + e.localProvider
	}

	// The funds are held before the hub sees the transfer, so a concurrent
	// transfer from the same sender is checked against the reduced balance.
	newBalance, err := e.ledger.applyDelta(ctx, sender.ID, req.Amount.Neg())
	if err != nil {
		return nil, err
	}
	held := []appliedDelta{{userID: sender.ID, delta: req.Amount.Neg()}}

	resp, err := e.hub.Transfer(detached, hubclient.TransferRequest{
		FromIdentifier: sender.Identifier,
		ToIdentifier:   req.Candidate.Identifier,
		ToProviderName: req.Candidate.ProviderName,
		Amount:         req.Amount,
		Description:    hubDescription,
	})
	if err != nil {
		return nil, e.compensate(ctx, attempt, translateHubError(err), held)
	}

	e.enter(attempt, stateReconciling)
	hubTransactionID := strings.TrimSpace(resp.TransactionID)
	attempt.log = attempt.log.WithField("hub_transaction_id", hubTransactionID)

	var reference *string
	if hubTransactionID != "" {
		reference = &hubTransactionID
	} else {
		logging.Critical(attempt.log).Error("hub completed the transfer without a transaction id; recording it without a reference")
	}

	if description == "" {
		description = "Envío a " + req.Candidate.ProviderName
	}
	txID, err := e.repo.AppendTransaction(detached, &domain.Transaction{
		OwnerUserID:            sender.ID,
		Kind:                   domain.KindTransferOut,
		Amount:                 req.Amount.Neg(),
		CounterpartyName:       req.Candidate.DisplayName,
		CounterpartyProvider:   req.Candidate.ProviderName,
		CounterpartyIdentifier: req.Candidate.Identifier,
		ExternalReference:      reference,
		Description:            description,
	})
	if err != nil {
		return nil, e.reconciliationFailed(detached, attempt, sender, req, hubTransactionID, fmt.Errorf("record transfer: %w", err))
	}

	return &domain.TransferResult{
		NewSenderBalance:     newBalance,
		RecipientDisplayName: req.Candidate.DisplayName,
		Route:                domain.RouteExternal,
		TransactionID:        txID,
		ExternalReference:    hubTransactionID,
	}, nil
}

// reconciliationFailed parks a hub-committed transfer the local ledger could
// not absorb and alerts operators. Nothing here retries the money movement.
func (e *Engine) reconciliationFailed(ctx context.Context, attempt *transferAttempt, sender *domain.User, req domain.TransferRequest, hubTransactionID string, cause error) error {
	recErr := &domain.ReconciliationError{
		SenderID:         sender.ID,
		Amount:           req.Amount,
		HubTransactionID: hubTransactionID,
		Err:              cause,
	}
	e.metrics.reconciliation("opened")

	issue := &domain.ReconciliationIssue{
		SenderID:         sender.ID,
		Amount:           req.Amount,
		HubTransactionID: hubTransactionID,
		ToIdentifier:     req.Candidate.Identifier,
		ToProvider:       req.Candidate.ProviderName,
		FailureReason:    cause.Error(),
		CreatedAt:        e.now(),
	}
	if err := e.repo.RecordReconciliationIssue(ctx, issue); err != nil {
		logging.Critical(attempt.log.WithError(err)).Error("failed to persist reconciliation issue")
	}

	event := domain.ReconciliationFailedEvent{
		IssueID:          issue.ID,
		SenderID:         sender.ID,
		Amount:           req.Amount,
		HubTransactionID: hubTransactionID,
		Reason:           cause.Error(),
		OccurredAt:       issue.CreatedAt,
	}
	if err := e.events.PublishReconciliationFailed(ctx, event); err != nil {
		attempt.log.WithError(err).Error("failed to publish reconciliation alert")
	}

	logging.Critical(attempt.log.WithError(cause)).WithField("issue_id", issue.ID).
		Error("hub committed the transfer but the local ledger entry was not written")
	return recErr
}

func (e *Engine) publishCompleted(ctx context.Context, senderID uuid.UUID, amount domain.Amount, result *domain.TransferResult) {
	event := domain.TransferCompletedEvent{
		TransactionID:     result.TransactionID,
		SenderID:          senderID,
		RecipientName:     result.RecipientDisplayName,
		Route:             result.Route,
		Amount:            amount,
		ExternalReference: result.ExternalReference,
		OccurredAt:        e.now(),
	}
	if err := e.events.PublishTransferCompleted(context.WithoutCancel(ctx), event); err != nil {
		e.logger.WithError(err).WithField("transaction_id", result.TransactionID).Warn("failed to publish transfer.completed")
	}
}

// outcome labels a failed transfer for metrics.
func outcome(err error) string {
	switch {
	case domain.IsFatal(err):
		return "fatal"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrHubRejected):
		return "rejected"
	case errors.Is(err, domain.ErrHubUnavailable), errors.Is(err, domain.ErrStoreUnavailable):
		return "unavailable"
	default:
		return "invalid"
	}
}
