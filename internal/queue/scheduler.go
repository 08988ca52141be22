package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/titancore/futurescore/pkg/types"
)

// Scheduler drives recurring and one-off job enqueues on interval, cron,
// or once schedules — the same robfig/cron wrapper the pack's trading bot
// uses for its background jobs, generalized from a single AddFunc-per-job
// API to ScheduledTask records the control plane can list and toggle.
type Scheduler struct {
	cron    *cron.Cron
	queue   *Queue
	logger  *slog.Logger
	started bool
}

// NewScheduler constructs a Scheduler bound to queue.
func NewScheduler(queue *Queue, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		queue:  queue,
		logger: logger.With("component", "scheduler"),
	}
}

// Start begins the cron driver. Idempotent: calling Start twice is a
// no-op, matching the expectation that process startup may call it once
// regardless of how many scheduled tasks were registered beforehand.
func (s *Scheduler) Start() {
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop drains in-flight cron invocations and halts the driver.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.started = false
	s.logger.Info("scheduler stopped")
}

// RegisterTask schedules task to enqueue task.JobName at the configured
// cadence. Interval and cron schedule types use the cron driver; a once
// schedule enqueues directly after computing the delay to RunAt.
func (s *Scheduler) RegisterTask(task types.ScheduledTask) error {
	if !task.Enabled {
		return nil
	}

	switch task.ScheduleType {
	case types.ScheduleCron:
		_, err := s.cron.AddFunc(task.CronExpr, s.runner(task))
		return err
	case types.ScheduleInterval:
		expr := "@every " + time.Duration(task.IntervalSecs*int(time.Second)).String()
		_, err := s.cron.AddFunc(expr, s.runner(task))
		return err
	case types.ScheduleOnce:
		if task.RunAt == nil {
			return nil
		}
		delay := time.Until(*task.RunAt)
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			s.runner(task)()
		}()
		return nil
	default:
		return nil
	}
}

func (s *Scheduler) runner(task types.ScheduledTask) func() {
	return func() {
		s.logger.Debug("dispatching scheduled task", "task", task.Name, "job", task.JobName)
		_, err := s.queue.Enqueue(context.Background(), types.Job{
			Name:     task.JobName,
			Priority: task.Priority,
		})
		if err != nil {
			s.logger.Error("scheduled task enqueue failed", "task", task.Name, "error", err)
		}
	}
}

// DefaultScheduledTasks lists the platform's built-in background jobs
// (spec §4.7): symbol metadata refresh, funding-rate capture, stale
// order-book watchdog, and daily risk-limit rollups.
func DefaultScheduledTasks() []types.ScheduledTask {
	return []types.ScheduledTask{
		{
			Name:         "refresh-symbol-metadata",
			JobName:      "refresh_symbol_metadata",
			ScheduleType: types.ScheduleInterval,
			IntervalSecs: 3600,
			Priority:     types.PriorityLow,
			Enabled:      true,
		},
		{
			Name:         "capture-funding-rates",
			JobName:      "capture_funding_rates",
			ScheduleType: types.ScheduleCron,
			CronExpr:     "0 0 0,8,16 * * *",
			Priority:     types.PriorityNormal,
			Enabled:      true,
		},
		{
			Name:         "stale-orderbook-watchdog",
			JobName:      "check_stale_orderbooks",
			ScheduleType: types.ScheduleInterval,
			IntervalSecs: 30,
			Priority:     types.PriorityHigh,
			Enabled:      true,
		},
		{
			Name:         "daily-risk-rollup",
			JobName:      "daily_risk_rollup",
			ScheduleType: types.ScheduleCron,
			CronExpr:     "0 5 0 * * *",
			Priority:     types.PriorityNormal,
			Enabled:      true,
		},
	}
}
