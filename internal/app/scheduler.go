/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron               *cron.Cron
	jobs               *Jobs
	logger             *logrus.Entry
	escalationSchedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *logrus.Entry, escalationSchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:               c,
		jobs:               jobs,
		logger:             logger.WithField("component", "scheduler"),
		escalationSchedule: escalationSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.escalationSchedule, s.jobs.EscalateReconciliationIssues); err != nil {
		s.logger.WithError(err).Error("failed to schedule reconciliation escalation job")
		return err
	}
	s.logger.WithField("schedule", s.escalationSchedule).Info("scheduled reconciliation escalation job")

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
