// Package scheduler runs periodic server-side jobs, such as the catalog
// latest-version cache refresh, on cron schedules.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// CronJob runs a periodic task on a cron schedule.
type CronJob struct {
	name     string
	schedule string
	logger   *slog.Logger
	run      func(ctx context.Context)

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New constructs a CronJob bound to a cron expression and a run function.
func New(name, schedule string, run func(ctx context.Context), logger *slog.Logger) *CronJob {
	return &CronJob{name: name, schedule: schedule, run: run, logger: logger}
}

// Start schedules the job and runs it once immediately, returning after
// the cron scheduler is running. Call Stop (or cancel ctx) to tear down.
func (j *CronJob) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.cron = cron.New()
	j.mu.Unlock()

	if _, err := j.cron.AddFunc(j.schedule, func() { j.run(ctx) }); err != nil {
		j.logger.Error("scheduler: add job failed", "job", j.name, "error", err)
		return err
	}
	j.cron.Start()
	j.logger.Info("scheduler: job started", "job", j.name, "schedule", j.schedule)

	go j.run(ctx)

	go func() {
		<-ctx.Done()
		j.Stop()
	}()

	return nil
}

// Stop halts the cron scheduler.
func (j *CronJob) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	j.running = false
	stopCtx := j.cron.Stop()
	<-stopCtx.Done()
	j.logger.Info("scheduler: job stopped", "job", j.name)
}
