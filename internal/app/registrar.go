package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/identity"
	"github.com/khipu/wallet-service/internal/logging"
	"github.com/khipu/wallet-service/internal/store"
	"github.com/khipu/wallet-service/pkg/hubclient"
	"github.com/khipu/wallet-service/pkg/rabbitmq"
)

// IdentityAccounts creates and removes login identities.
type IdentityAccounts interface {
	CreateAccount(ctx context.Context, userID uuid.UUID, creds domain.Credentials) error
	DeleteAccount(ctx context.Context, userID uuid.UUID) error
}

// Registrar onboards a user locally and in the hub directory, or not at all.
type Registrar struct {
	repo     store.Repository
	accounts IdentityAccounts
	hub      HubClient
	events   rabbitmq.Publisher
	metrics  *Metrics
	logger   *logrus.Entry
	now      func() time.Time
}

func NewRegistrar(repo store.Repository, accounts IdentityAccounts, hub HubClient, events rabbitmq.Publisher, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Discard()
	}
	if events == nil {
		events = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	return &Registrar{
		repo:     repo,
		accounts: accounts,
		hub:      hub,
		events:   events,
		logger:   logger.WithField("component", "registrar"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registrar) WithMetrics(m *Metrics) *Registrar {
	r.metrics = m
	return r
}

// Register creates the identity, the zero-balance wallet and the hub
// directory entry. If the hub refuses, the local half is removed again.
func (r *Registrar) Register(ctx context.Context, req domain.RegisterRequest) (uuid.UUID, error) {
	identifier, err := NormalizeIdentifier(req.Identifier)
	if err != nil {
		r.metrics.registration("invalid")
		return uuid.Nil, err
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		r.metrics.registration("invalid")
		return uuid.Nil, domain.ErrInvalidDisplayName
	}
	if err := identity.ValidateCredentials(req.Credentials); err != nil {
		r.metrics.registration("invalid")
		return uuid.Nil, err
	}

	log := r.logger.WithField("identifier", identifier)
	userID := uuid.New()
	log = log.WithField("user_id", userID)

	if err := r.accounts.CreateAccount(ctx, userID, req.Credentials); err != nil {
		r.metrics.registration("failed")
		return uuid.Nil, err
	}

	user := &domain.User{
		ID:          userID,
		Identifier:  identifier,
		DisplayName: displayName,
		Email:       strings.TrimSpace(req.Credentials.Email),
		Balance:     0,
	}
	if err := r.repo.CreateUser(ctx, user); err != nil {
		if delErr := r.accounts.DeleteAccount(context.WithoutCancel(ctx), userID); delErr != nil {
			logging.Critical(log.WithError(delErr)).Error("failed to remove identity after wallet creation failed")
		}
		r.metrics.registration("failed")
		return uuid.Nil, err
	}

	detached := context.WithoutCancel(ctx)
	_, hubErr := r.hub.RegisterWallet(detached, hubclient.RegisterWalletRequest{
		UserIdentifier:   identifier,
		InternalWalletID: userID.String(),
		UserName:         displayName,
	})
	if hubErr == nil {
		r.metrics.registration("registered")
		log.Info("wallet registered")
		return userID, nil
	}

	return uuid.Nil, r.rollback(detached, log, identifier, userID, translateHubError(hubErr))
}

// rollback deletes the local wallet and identity after a hub failure.
func (r *Registrar) rollback(ctx context.Context, log *logrus.Entry, identifier string, userID uuid.UUID, cause error) error {
	var failures []error
	if err := r.repo.DeleteUser(ctx, userID); err != nil && !errors.Is(err, store.ErrUserNotFound) {
		failures = append(failures, fmt.Errorf("delete wallet: %w", err))
	}
	if err := r.accounts.DeleteAccount(ctx, userID); err != nil && !errors.Is(err, identity.ErrAccountNotFound) {
		failures = append(failures, fmt.Errorf("delete identity: %w", err))
	}

	if len(failures) == 0 {
		r.metrics.registration("rolled_back")
		log.WithError(cause).Warn("hub registration failed; local identity rolled back")
		return &domain.RegistrationError{
			Identifier: identifier,
			UserID:     userID,
			RolledBack: true,
			Cause:      cause,
		}
	}

	rollbackErr := errors.Join(failures...)
	r.metrics.registration("orphaned")
	logging.Critical(log.WithError(cause)).WithField("rollback_error", rollbackErr.Error()).
		Error("hub registration failed and local identity could not be removed")

	event := domain.RegistrationOrphanedEvent{
		UserID:     userID,
		Identifier: identifier,
		Reason:     fmt.Sprintf("%v; rollback: %v", cause, rollbackErr),
		OccurredAt: r.now(),
	}
	if err := r.events.PublishRegistrationOrphaned(ctx, event); err != nil {
		log.WithError(err).Error("failed to publish orphaned registration alert")
	}

	return &domain.RegistrationError{
		Identifier:  identifier,
		UserID:      userID,
		RolledBack:  false,
		Cause:       cause,
		RollbackErr: rollbackErr,
	}
}
