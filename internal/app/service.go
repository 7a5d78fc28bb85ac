/**
 * @description
 * This file contains the application facade of the wallet service. The
 * `Service` struct is what the HTTP layer talks to: it runs every
 * UI-facing operation as an explicit session and delegates the money flows
 * to the resolver, the transfer engine and the registrar.
 *
 * Key features:
 * - Identifier lookup, transfers and registration.
 * - Balance top-up through the same compare-and-set ledger path transfers use.
 * - Owner-checked reads and live subscriptions on balance and history.
 *
 * @dependencies
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/logging"
	"github.com/khipu/wallet-service/internal/store"
)

// Service provides the wallet use cases.
type Service struct {
	repo      store.Repository
	ledger    ledger
	resolver  *Resolver
	engine    *Engine
	registrar *Registrar
	logger    *logrus.Entry
}

// NewService creates a new wallet service instance.
func NewService(repo store.Repository, resolver *Resolver, engine *Engine, registrar *Registrar, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		repo:      repo,
		ledger:    ledger{repo: repo},
		resolver:  resolver,
		engine:    engine,
		registrar: registrar,
		logger:    logger.WithField("component", "wallet_service"),
	}
}

func (s *Service) Resolve(ctx context.Context, session domain.SessionContext, identifier string) ([]domain.WalletCandidate, error) {
	return s.resolver.ResolveFor(ctx, session, identifier)
}

func (s *Service) Transfer(ctx context.Context, session domain.SessionContext, req domain.TransferRequest) (*domain.TransferResult, error) {
	return s.engine.Transfer(ctx, session, req)
}

func (s *Service) Register(ctx context.Context, req domain.RegisterRequest) (uuid.UUID, error) {
	return s.registrar.Register(ctx, req)
}

// TopUp credits the session's own wallet and records a topup entry.
func (s *Service) TopUp(ctx context.Context, session domain.SessionContext, amount domain.Amount) (*domain.TopUpResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}
	newBalance, err := s.ledger.applyDelta(ctx, session.UserID, amount)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSenderNotFound, session.UserID)
		}
		return nil, err
	}

	txID, err := s.repo.AppendTransaction(ctx, &domain.Transaction{
		OwnerUserID: session.UserID,
		Kind:        domain.KindTopUp,
		Amount:      amount,
	})
	if err != nil {
		if _, undoErr := s.ledger.applyDelta(context.WithoutCancel(ctx), session.UserID, amount.Neg()); undoErr != nil {
			logging.Critical(s.logger.WithError(undoErr)).WithField("user_id", session.UserID).
				Error("failed to revert top-up after record failure")
			return nil, fmt.Errorf("%w: %w: %v", domain.ErrCompensationFailed, err, undoErr)
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"user_id": session.UserID,
		"amount":  amount.String(),
	}).Info("balance topped up")
	return &domain.TopUpResult{NewBalance: newBalance, TransactionID: txID}, nil
}

func (s *Service) GetUser(ctx context.Context, session domain.SessionContext) (*domain.User, error) {
	return s.repo.GetUser(ctx, session.UserID)
}

func (s *Service) ListTransactions(ctx context.Context, session domain.SessionContext) ([]domain.Transaction, error) {
	return s.repo.ListTransactions(ctx, session.UserID)
}

// GetTransaction returns one of the session's own ledger entries. Entries
// owned by someone else are reported as not found.
func (s *Service) GetTransaction(ctx context.Context, session domain.SessionContext, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.OwnerUserID != session.UserID {
		return nil, store.ErrTransactionNotFound
	}
	return tx, nil
}

func (s *Service) SubscribeUser(ctx context.Context, session domain.SessionContext, fn store.UserListener) (store.Subscription, error) {
	return s.repo.SubscribeUser(ctx, session.UserID, fn)
}

func (s *Service) SubscribeTransactions(ctx context.Context, session domain.SessionContext, fn store.TransactionsListener) (store.Subscription, error) {
	return s.repo.SubscribeTransactions(ctx, session.UserID, fn)
}
