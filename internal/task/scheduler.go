// Package task runs periodic background jobs.
package task

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSchedulerInterval = time.Minute

	logEventJobFailed    = "scheduled_job_failed"
	logEventJobCompleted = "scheduled_job_completed"
)

// Job is one unit of periodic work.
type Job func(context.Context) error

// Scheduler runs a job on a fixed interval and on demand.
type Scheduler struct {
	name     string
	interval time.Duration
	job      Job
	logger   *zap.Logger
	trigger  chan struct{}
	runs     atomic.Int64
	failures atomic.Int64
}

// NewScheduler builds a scheduler. A non-positive interval falls back to one minute.
func NewScheduler(name string, interval time.Duration, job Job, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		job:      job,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Run executes the job once immediately, then on every tick or trigger, until ctx is done.
// Job failures are logged and never stop the loop.
func (scheduler *Scheduler) Run(ctx context.Context) error {
	if scheduler == nil || scheduler.job == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(scheduler.interval)
	defer ticker.Stop()

	scheduler.execute(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-scheduler.trigger:
			scheduler.execute(ctx)
			ticker.Reset(scheduler.interval)
		case <-ticker.C:
			scheduler.execute(ctx)
		}
	}
}

// Trigger requests an extra run. Triggers coalesce while one is already queued.
func (scheduler *Scheduler) Trigger() {
	if scheduler == nil {
		return
	}
	select {
	case scheduler.trigger <- struct{}{}:
	default:
	}
}

// Runs reports how many times the job has executed.
func (scheduler *Scheduler) Runs() int64 {
	if scheduler == nil {
		return 0
	}
	return scheduler.runs.Load()
}

// Failures reports how many runs returned an error.
func (scheduler *Scheduler) Failures() int64 {
	if scheduler == nil {
		return 0
	}
	return scheduler.failures.Load()
}

func (scheduler *Scheduler) execute(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	startedAt := time.Now()
	err := scheduler.job(ctx)
	scheduler.runs.Add(1)
	if err != nil {
		scheduler.failures.Add(1)
		scheduler.logger.Warn(logEventJobFailed, zap.String("job", scheduler.name), zap.Error(err))
		return
	}
	scheduler.logger.Debug(logEventJobCompleted, zap.String("job", scheduler.name), zap.Duration("duration", time.Since(startedAt)))
}
