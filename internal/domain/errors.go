package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error taxonomy shared by the resolver, the transfer engine and the
// registrar. Handlers branch on these with errors.Is / errors.As.
var (
	ErrInvalidIdentifier     = errors.New("invalid identifier")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrSenderNotFound        = errors.New("sender not found")
	ErrRecipientNotFound     = errors.New("recipient not found")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrHubUnavailable        = errors.New("hub unavailable")
	ErrHubRejected           = errors.New("hub rejected the request")
	ErrStoreUnavailable      = errors.New("ledger store unavailable")
	ErrReconciliationFailed  = errors.New("reconciliation failed")
	ErrRegistrationFailed    = errors.New("registration failed")
	ErrCriticalInconsistency = errors.New("critical inconsistency")

	ErrSelfTransfer         = errors.New("cannot transfer to yourself")
	ErrCompensationFailed   = errors.New("compensating rollback failed")
	ErrTransferInProgress   = errors.New("a transfer with this idempotency key is already in progress")
	ErrIdempotencyKeyReused = errors.New("idempotency key was already used for a different transfer")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrInvalidDisplayName   = errors.New("display name is required")
	ErrRateLimited          = errors.New("rate limit exceeded")
)

// InsufficientBalanceError carries the sender's actual balance so the UI can
// show it next to the rejected amount.
type InsufficientBalanceError struct {
	Balance   Amount
	Requested Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s, need %s", e.Balance, e.Requested)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// HubRejectedError is an explicit business rejection from the hub, as opposed
// to the hub being unreachable.
type HubRejectedError struct {
	Status  string
	Message string
}

func (e *HubRejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hub rejected the transfer (status %q)", e.Status)
	}
	return fmt.Sprintf("hub rejected the transfer: %s", e.Message)
}

func (e *HubRejectedError) Is(target error) bool {
	return target == ErrHubRejected
}

// ReconciliationError means the hub committed an external transfer but the
// local ledger could not be brought in line. It is never retried
// automatically.
type ReconciliationError struct {
	SenderID         uuid.UUID
	Amount           Amount
	HubTransactionID string
	Err              error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation failed for sender %s (hub transaction %s, amount %s): %v",
		e.SenderID, e.HubTransactionID, e.Amount, e.Err)
}

func (e *ReconciliationError) Is(target error) bool {
	return target == ErrReconciliationFailed
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// RegistrationError reports a hub registration failure after the local
// identity was created. RolledBack tells whether the local identity was
// removed again; when it was not, the error matches ErrCriticalInconsistency
// instead of ErrRegistrationFailed.
type RegistrationError struct {
	Identifier  string
	UserID      uuid.UUID
	RolledBack  bool
	Cause       error
	RollbackErr error
}

func (e *RegistrationError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("registration of %s failed and was rolled back: %v", e.Identifier, e.Cause)
	}
	return fmt.Sprintf("registration of %s failed and rollback failed, user %s is orphaned: %v (rollback: %v)",
		e.Identifier, e.UserID, e.Cause, e.RollbackErr)
}

func (e *RegistrationError) Is(target error) bool {
	if e.RolledBack {
		return target == ErrRegistrationFailed
	}
	return target == ErrCriticalInconsistency
}

func (e *RegistrationError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.RollbackErr != nil {
		errs = append(errs, e.RollbackErr)
	}
	return errs
}

// IsFatal reports whether err leaves the ledger in a state that needs an
// operator, and therefore must not be presented as retryable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrReconciliationFailed) ||
		errors.Is(err, ErrCriticalInconsistency) ||
		errors.Is(err, ErrCompensationFailed)
}
