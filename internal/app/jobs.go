/**
 * @description
 * Scheduled job implementations for the wallet service.
 */
package app

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/logging"
	"github.com/khipu/wallet-service/internal/store"
	"github.com/khipu/wallet-service/pkg/rabbitmq"
)

const escalationBatchSize = 100

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo    store.Repository
	events  rabbitmq.Publisher
	metrics *Metrics
	logger  *logrus.Entry
	now     func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo store.Repository, events rabbitmq.Publisher, metrics *Metrics, logger *logrus.Entry) *Jobs {
	if logger == nil {
		logger = logging.Discard()
	}
	if events == nil {
		events = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	return &Jobs{
		repo:    repo,
		events:  events,
		metrics: metrics,
		logger:  logger.WithField("component", "jobs"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// EscalateReconciliationIssues re-publishes every open reconciliation issue
// as an operator alert and marks it escalated. The money movement itself is
// never retried. An issue whose alert could not be published stays open for
// the next run.
func (j *Jobs) EscalateReconciliationIssues() {
	j.logger.Info("starting reconciliation escalation job")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	issues, err := j.repo.ListOpenReconciliationIssues(ctx, escalationBatchSize)
	if err != nil {
		j.logger.WithError(err).Error("failed to list open reconciliation issues")
		return
	}

	escalated := 0
	for _, issue := range issues {
		log := j.logger.WithFields(logrus.Fields{
			"issue_id":           issue.ID,
			"sender_id":          issue.SenderID,
			"hub_transaction_id": issue.HubTransactionID,
		})
		event := domain.ReconciliationFailedEvent{
			IssueID:          issue.ID,
			SenderID:         issue.SenderID,
			Amount:           issue.Amount,
			HubTransactionID: issue.HubTransactionID,
			Reason:           issue.FailureReason,
			OccurredAt:       j.now(),
		}
		if err := j.events.PublishReconciliationEscalated(ctx, event); err != nil {
			log.WithError(err).Error("failed to publish reconciliation escalation")
			continue
		}
		if err := j.repo.MarkReconciliationIssueEscalated(ctx, issue.ID); err != nil {
			log.WithError(err).Error("failed to mark reconciliation issue escalated")
			continue
		}
		logging.Critical(log).Error("reconciliation issue escalated to operators")
		j.metrics.reconciliation("escalated")
		escalated++
	}

	j.logger.WithFields(logrus.Fields{
		"open":      len(issues),
		"escalated": escalated,
	}).Info("reconciliation escalation job finished")
}
