package scheduler

import (
	"context"
	"log/slog"

	"github.com/webitel/broadcast-delivery-service/config"
	storageredis "github.com/webitel/broadcast-delivery-service/internal/storage/redis"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(
		NewJobs,
		func(cfg *config.Config, locker *storageredis.Locker, jobs *Jobs, logger *slog.Logger) *Runner {
			return NewRunner(locker, logger, cfg.Jobs.LockAtLeast, cfg.Jobs.LockAtMost,
				Job{Name: "broadcast-activator", Every: cfg.Jobs.Tick, Run: jobs.ActivateDue},
				Job{Name: "expiration-sweeper", Every: cfg.Jobs.Tick, Run: jobs.SweepExpired},
				Job{Name: "stale-session-reaper", Every: cfg.Jobs.Tick, Run: jobs.ReapStaleSessions},
				Job{Name: "inbox-cache-cleaner", Every: cfg.Jobs.InboxCleanTick, Run: jobs.TrimInboxCache},
				Job{Name: "retention-purge", Every: cfg.Jobs.RetentionTick, Run: jobs.PurgeRetention},
			)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, runner *Runner) {
		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					defer close(done)
					runner.Run(runCtx)
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				cancel()
				select {
				case <-done:
				case <-ctx.Done():
				}
				return nil
			},
		})
	}),
)
