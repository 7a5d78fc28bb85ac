package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/logging"
	"github.com/khipu/wallet-service/internal/store"
)

// InboundTransferConsumer credits local users for money another provider
// sent through the hub. Redelivered events are recognised by the hub
// transaction id and applied once.
type InboundTransferConsumer struct {
	repo    store.Repository
	ledger  ledger
	metrics *Metrics
	logger  *logrus.Entry
}

func NewInboundTransferConsumer(repo store.Repository, logger *logrus.Entry) *InboundTransferConsumer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &InboundTransferConsumer{
		repo:   repo,
		ledger: ledger{repo: repo},
		logger: logger.WithField("component", "inbound_transfer_consumer"),
	}
}

func (c *InboundTransferConsumer) WithMetrics(m *Metrics) *InboundTransferConsumer {
	c.metrics = m
	return c
}

// HandleMessage returns true to ack and false to requeue.
func (c *InboundTransferConsumer) HandleMessage(body []byte) bool {
	var event domain.InboundTransferEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.WithError(err).Warn("failed to unmarshal inbound transfer payload")
		c.metrics.inbound("malformed")
		return true
	}

	if strings.TrimSpace(event.TransactionID) == "" || event.Amount <= 0 {
		c.logger.WithFields(logrus.Fields{
			"transaction_id": event.TransactionID,
			"amount":         event.Amount.String(),
		}).Warn("discarding inbound transfer without reference or positive amount")
		c.metrics.inbound("malformed")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.process(ctx, event); err != nil {
		if domain.IsFatal(err) {
			// A redelivery would credit again on top of the unrecorded credit.
			logging.Critical(c.logger.WithError(err)).WithField("transaction_id", event.TransactionID).
				Error("inbound transfer left the ledger inconsistent; acknowledging")
			c.metrics.inbound("fatal")
			return true
		}
		c.logger.WithError(err).WithField("transaction_id", event.TransactionID).Error("inbound transfer processing error")
		c.metrics.inbound("retry")
		return false
	}
	return true
}

func (c *InboundTransferConsumer) process(ctx context.Context, event domain.InboundTransferEvent) error {
	log := c.logger.WithFields(logrus.Fields{
		"transaction_id": event.TransactionID,
		"to_identifier":  event.ToIdentifier,
		"from_provider":  event.FromProvider,
	})

	recipient, err := c.repo.FindUserByIdentifier(ctx, strings.TrimSpace(event.ToIdentifier))
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			logging.Critical(log).Error("inbound transfer for an identifier with no local wallet; acknowledging")
			c.metrics.inbound("unknown_recipient")
			return nil
		}
		return fmt.Errorf("lookup recipient: %w", err)
	}

	if _, err := c.repo.FindTransactionByExternalReference(ctx, recipient.ID, event.TransactionID); err == nil {
		log.Info("inbound transfer already applied; acknowledging")
		c.metrics.inbound("duplicate")
		return nil
	} else if !errors.Is(err, store.ErrTransactionNotFound) {
		return fmt.Errorf("lookup existing credit: %w", err)
	}

	if _, err := c.ledger.applyDelta(ctx, recipient.ID, event.Amount); err != nil {
		return fmt.Errorf("credit recipient: %w", err)
	}

	reference := event.TransactionID
	_, err = c.repo.AppendTransaction(ctx, &domain.Transaction{
		OwnerUserID:            recipient.ID,
		Kind:                   domain.KindTransferIn,
		Amount:                 event.Amount,
		CounterpartyName:       event.FromName,
		CounterpartyProvider:   event.FromProvider,
		CounterpartyIdentifier: event.FromIdentifier,
		ExternalReference:      &reference,
		Description:            strings.TrimSpace(event.Description),
	})
	if err == nil {
		c.metrics.inbound("credited")
		log.WithField("amount", event.Amount.String()).Info("inbound transfer credited")
		return nil
	}

	// Undo the credit; a concurrent delivery may have recorded it first.
	if _, undoErr := c.ledger.applyDelta(context.WithoutCancel(ctx), recipient.ID, event.Amount.Neg()); undoErr != nil {
		logging.Critical(log.WithError(undoErr)).Error("failed to revert inbound credit after record failure")
		return fmt.Errorf("%w: %w: %v", domain.ErrCompensationFailed, err, undoErr)
	}
	if errors.Is(err, store.ErrDuplicateTransaction) {
		c.metrics.inbound("duplicate")
		return nil
	}
	return fmt.Errorf("record credit: %w", err)
}
