// Package scheduler hosts the periodic cluster jobs: broadcast activation,
// expiry sweeping, stale-session reaping and retention cleanup. Every tick is
// guarded by a distributed lock so exactly one node does the work.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Locker provides the cluster-wide single-winner lock guarding a tick.
type Locker interface {
	Acquire(ctx context.Context, name string, lockAtLeast, lockAtMost time.Duration) (release func(context.Context), ok bool, err error)
}

// Job is one periodic task. Run is invoked only while this node holds the
// job's lock; returning an error logs and waits for the next tick.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Runner drives a set of jobs, one goroutine per job.
type Runner struct {
	locker      Locker
	jobs        []Job
	logger      *slog.Logger
	lockAtLeast time.Duration
	lockAtMost  time.Duration
}

func NewRunner(locker Locker, logger *slog.Logger, lockAtLeast, lockAtMost time.Duration, jobs ...Job) *Runner {
	return &Runner{
		locker:      locker,
		jobs:        jobs,
		logger:      logger.With(slog.String("component", "scheduler")),
		lockAtLeast: lockAtLeast,
		lockAtMost:  lockAtMost,
	}
}

// Run blocks until the context is cancelled and all job loops have drained.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range r.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			r.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, job)
		}
	}
}

// tick performs one locked run. Losing the lock race is the normal case on
// all nodes but one and is not logged.
func (r *Runner) tick(ctx context.Context, job Job) {
	release, ok, err := r.locker.Acquire(ctx, "job:"+job.Name, r.lockAtLeast, r.lockAtMost)
	if err != nil {
		r.logger.Warn("job lock failed", slog.String("job", job.Name), slog.Any("err", err))
		return
	}
	if !ok {
		return
	}
	defer release(ctx)

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		r.logger.Warn("job failed", slog.String("job", job.Name), slog.Any("err", err))
		return
	}
	r.logger.Debug("job done",
		slog.String("job", job.Name),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
}
