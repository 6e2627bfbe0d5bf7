// scheduler.go - Background billing and reward jobs
//
// PURPOSE:
//   Runs the deferred billing job (approved overage lessons whose deadline
//   passed) and, when reward snapshots are enabled, closes the previous
//   month's reward rates.
//
// DESIGN:
//   - robfig/cron drives both jobs in JST so "day 1 at 03:00" is Japanese time
//   - A panicking job is recovered and logged; the next tick runs normally
//   - Runs never overlap: a tick that finds the previous one still running
//     is skipped
//   - Every run gets its own timeout
//
// CONFIGURATION:
//   BILLING_JOB_SCHEDULE       default "*/15 * * * *"
//   REWARD_SNAPSHOT_SCHEDULE   default "0 3 1 * *"
//
// USAGE:
//   s, err := NewBillingScheduler(billingSvc, rewardsSvc, logger, cfg)
//   s.Start()
//   defer s.Stop()
//
// SEE ALSO:
//   - billing/settlement.go: ExecuteDueBillings
//   - rewards/service.go: CloseLastMonth
//   - handlers.go: RunBilling endpoint (manual run)
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/lesson-engine/billing"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/rewards"
)

const jobTimeout = 5 * time.Minute

// SchedulerConfig holds the cron specs. An empty spec disables that job.
type SchedulerConfig struct {
	BillingSpec        string
	RewardSnapshotSpec string
}

// BillingScheduler owns the cron runner.
type BillingScheduler struct {
	cron    *cron.Cron
	billing *billing.Service
	rewards *rewards.Service
	logger  *slog.Logger
}

// NewBillingScheduler validates the specs and registers the jobs.
func NewBillingScheduler(b *billing.Service, r *rewards.Service, logger *slog.Logger, cfg SchedulerConfig) (*BillingScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(generic.JST),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	s := &BillingScheduler{cron: c, billing: b, rewards: r, logger: logger}

	if cfg.BillingSpec != "" {
		if _, err := c.AddFunc(cfg.BillingSpec, s.RunBilling); err != nil {
			return nil, err
		}
		logger.Info("scheduled deferred billing job", "schedule", cfg.BillingSpec)
	}
	if cfg.RewardSnapshotSpec != "" && r != nil && r.Snapshots {
		if _, err := c.AddFunc(cfg.RewardSnapshotSpec, s.CloseRewardMonth); err != nil {
			return nil, err
		}
		logger.Info("scheduled reward month close", "schedule", cfg.RewardSnapshotSpec)
	}
	return s, nil
}

func (s *BillingScheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs and returns.
func (s *BillingScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunBilling is one pass of the deferred billing job.
func (s *BillingScheduler) RunBilling() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	sum, err := s.billing.ExecuteDueBillings(ctx)
	if err != nil {
		s.logger.Error("deferred billing run failed", "error", err)
		return
	}
	if sum.Failed > 0 {
		s.logger.Warn("deferred billing left schedules for retry", "failed", sum.Failed, "processed", sum.Processed)
	}
}

// CloseRewardMonth freezes last month's reward rates.
func (s *BillingScheduler) CloseRewardMonth() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := s.rewards.CloseLastMonth(ctx); err != nil {
		s.logger.Error("reward month close failed", "error", err)
	}
}

// Entries reports how many jobs are registered.
func (s *BillingScheduler) Entries() int {
	return len(s.cron.Entries())
}
