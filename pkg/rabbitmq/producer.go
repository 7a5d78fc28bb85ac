/**
 * @description
 * This package provides a simple producer for publishing wallet events to
 * RabbitMQ, plus the consumer used for inbound hub events. The producer
 * encapsulates connecting, declaring the topic exchange and publishing JSON
 * bodies with a one-shot channel reopen on failure.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - internal/domain: For the event payloads.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/logging"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body interface{}) error
	PublishTransferCompleted(ctx context.Context, event domain.TransferCompletedEvent) error
	PublishReconciliationFailed(ctx context.Context, event domain.ReconciliationFailedEvent) error
	PublishReconciliationEscalated(ctx context.Context, event domain.ReconciliationFailedEvent) error
	PublishRegistrationOrphaned(ctx context.Context, event domain.RegistrationOrphanedEvent) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *logrus.Entry
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct {
	Logger *logrus.Entry
}

func (p *EventProducerFallback) Publish(ctx context.Context, routingKey string, body interface{}) error {
	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"component":   "rabbitmq_producer",
			"mode":        "fallback",
			"routing_key": routingKey,
		}).Warn("publish skipped")
	}
	return nil
}

func (p *EventProducerFallback) PublishTransferCompleted(ctx context.Context, event domain.TransferCompletedEvent) error {
	return p.Publish(ctx, domain.EventTransferCompleted, event)
}

func (p *EventProducerFallback) PublishReconciliationFailed(ctx context.Context, event domain.ReconciliationFailedEvent) error {
	return p.Publish(ctx, domain.EventReconciliationFailed, event)
}

func (p *EventProducerFallback) PublishReconciliationEscalated(ctx context.Context, event domain.ReconciliationFailedEvent) error {
	return p.Publish(ctx, domain.EventReconciliationEscalated, event)
}

func (p *EventProducerFallback) PublishRegistrationOrphaned(ctx context.Context, event domain.RegistrationOrphanedEvent) error {
	return p.Publish(ctx, domain.EventRegistrationOrphaned, event)
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ and returns a producer bound to exchange.
func NewEventProducer(amqpURL, exchange string, logger *logrus.Entry) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger.WithFields(logrus.Fields{"component": "rabbitmq_producer", "exchange": exchange}),
	}, nil
}

// Publish sends a JSON message to the producer's exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		p.logger.WithError(err).WithField("routing_key", routingKey).Error("json marshal failed")
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, routingKey, jsonBody)
	if err == nil {
		return nil
	}
	p.logger.WithError(err).WithField("routing_key", routingKey).Warn("publish failed; reopening channel")

	// One-shot retry: reopen channel and try again
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	return p.publishLocked(ctx, routingKey, jsonBody)
}

func (p *EventProducer) publishLocked(ctx context.Context, routingKey string, body []byte) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // autoDelete
		false,      // internal
		false,      // noWait
		nil,        // args
	); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// PublishTransferCompleted announces a committed transfer.
func (p *EventProducer) PublishTransferCompleted(ctx context.Context, event domain.TransferCompletedEvent) error {
	return p.Publish(ctx, domain.EventTransferCompleted, event)
}

// PublishReconciliationFailed raises an operator alert for a hub-committed
// transfer the local ledger did not absorb.
func (p *EventProducer) PublishReconciliationFailed(ctx context.Context, event domain.ReconciliationFailedEvent) error {
	return p.Publish(ctx, domain.EventReconciliationFailed, event)
}

// PublishReconciliationEscalated re-raises a reconciliation issue that is still open.
func (p *EventProducer) PublishReconciliationEscalated(ctx context.Context, event domain.ReconciliationFailedEvent) error {
	return p.Publish(ctx, domain.EventReconciliationEscalated, event)
}

// PublishRegistrationOrphaned raises an operator alert for a local identity
// that has no hub presence and could not be rolled back.
func (p *EventProducer) PublishRegistrationOrphaned(ctx context.Context, event domain.RegistrationOrphanedEvent) error {
	return p.Publish(ctx, domain.EventRegistrationOrphaned, event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
