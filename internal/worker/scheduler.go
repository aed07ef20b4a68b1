package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/observability"
	"github.com/ayo6706/dispatch-ledger/internal/service"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// IntegrityAuditor scans settled orders for broken invariants.
type IntegrityAuditor interface {
	Run(ctx context.Context) (service.IntegrityReport, error)
}

// EventRelayer delivers pending outbox events.
type EventRelayer interface {
	RelayPending(ctx context.Context, limit int32) (int, error)
}

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs periodic jobs. A job never overlaps with itself; a run that
// is still going when the next tick fires pushes that tick back.
type Scheduler struct {
	scheduler gocron.Scheduler
	jobs      []Job
}

func NewScheduler(jobs ...Job) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, jobs: jobs}, nil
}

// IntegrityAuditJob runs the integrity scan and reports every violation.
func IntegrityAuditJob(auditor IntegrityAuditor, interval time.Duration) Job {
	return Job{
		Name:     "integrity_audit",
		Interval: interval,
		Run: func(ctx context.Context) error {
			report, err := auditor.Run(ctx)
			if err != nil {
				return err
			}
			if !report.Healthy() {
				zap.L().Warn("integrity audit found violations",
					zap.Int("orders_checked", report.OrdersChecked),
					zap.Any("unconserved", report.Unconserved),
					zap.Any("quota_mismatches", report.QuotaMismatches),
					zap.Any("negative_balances", report.NegativeBalances),
				)
			}
			return nil
		},
	}
}

// EventRelayJob delivers up to batch pending events per run.
func EventRelayJob(relay EventRelayer, interval time.Duration, batch int32) Job {
	return Job{
		Name:     "event_relay",
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := relay.RelayPending(ctx, batch)
			if n > 0 {
				zap.L().Debug("events relayed", zap.Int("count", n))
			}
			return err
		},
	}
}

// Start registers every job and starts the scheduler. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, job := range s.jobs {
		job := job
		_, err := s.scheduler.NewJob(
			gocron.DurationJob(job.Interval),
			gocron.NewTask(func() { runJob(ctx, job) }),
			gocron.WithName(job.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("register job %s: %w", job.Name, err)
		}
	}
	s.scheduler.Start()
	zap.L().Info("scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop waits for running jobs and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	zap.L().Info("scheduler stopped")
	return nil
}

func runJob(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	if err := job.Run(ctx); err != nil {
		observability.IncrementWorkerRun(job.Name, "failed")
		zap.L().Error("scheduled job failed", zap.String("job", job.Name), zap.Error(err))
		return
	}
	observability.IncrementWorkerRun(job.Name, "success")
}
