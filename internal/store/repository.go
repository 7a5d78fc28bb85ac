/**
 * @description
 * This file defines the `Repository` interface: the balance and transaction
 * ledger every money-moving flow goes through. The business logic only sees
 * this contract, so the Postgres implementation and the in-memory one used by
 * tests and local runs are interchangeable.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/khipu/wallet-service/internal/domain"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrUserExists           = errors.New("user already exists")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrDuplicateTransaction = errors.New("transaction already recorded")
	ErrBalanceConflict      = errors.New("balance changed since it was read")
	ErrIssueNotFound        = errors.New("reconciliation issue not found")
)

// UserListener receives the full current state of a user on every change.
type UserListener func(user domain.User)

// TransactionsListener receives the full, newest-first transaction list of a
// user on every change.
type TransactionsListener func(txs []domain.Transaction)

// Subscription is a live feed started by SubscribeUser or
// SubscribeTransactions. Close is idempotent.
type Subscription interface {
	Close()
}

// Repository defines the set of methods for interacting with the ledger.
type Repository interface {
	// User methods
	GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindUserByIdentifier(ctx context.Context, identifier string) (*domain.User, error)
	CreateUser(ctx context.Context, user *domain.User) error
	DeleteUser(ctx context.Context, userID uuid.UUID) error

	// Balance methods
	SetBalance(ctx context.Context, userID uuid.UUID, newBalance domain.Amount) error
	// CompareAndSetBalance writes newBalance only if the stored balance still
	// equals expected, returning ErrBalanceConflict otherwise.
	CompareAndSetBalance(ctx context.Context, userID uuid.UUID, expected, newBalance domain.Amount) error

	// Transaction methods
	AppendTransaction(ctx context.Context, tx *domain.Transaction) (uuid.UUID, error)
	// AppendTransactions writes several entries all-or-nothing, e.g. both
	// sides of a local transfer.
	AppendTransactions(ctx context.Context, txs []*domain.Transaction) ([]uuid.UUID, error)
	GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, userID uuid.UUID) ([]domain.Transaction, error)
	FindTransactionByExternalReference(ctx context.Context, ownerID uuid.UUID, reference string) (*domain.Transaction, error)

	// Live views
	SubscribeUser(ctx context.Context, userID uuid.UUID, fn UserListener) (Subscription, error)
	SubscribeTransactions(ctx context.Context, userID uuid.UUID, fn TransactionsListener) (Subscription, error)

	// Reconciliation issue methods
	RecordReconciliationIssue(ctx context.Context, issue *domain.ReconciliationIssue) error
	ListOpenReconciliationIssues(ctx context.Context, limit int) ([]domain.ReconciliationIssue, error)
	MarkReconciliationIssueEscalated(ctx context.Context, issueID uuid.UUID) error
}

// unavailable tags an infrastructure failure so callers can tell it apart
// from a business outcome.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}
