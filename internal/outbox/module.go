package outbox

import (
	"context"
	"log/slog"

	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/adapter/pubsub"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
	storageredis "github.com/webitel/broadcast-delivery-service/internal/storage/redis"
	"go.uber.org/fx"
)

var Module = fx.Module("outbox",
	fx.Provide(
		func(cfg *config.Config, ob *postgres.Outbox, dispatcher pubsub.EventDispatcher,
			locker *storageredis.Locker, logger *slog.Logger) *Relay {
			return NewRelay(ob, dispatcher, locker, logger,
				cfg.Outbox.BatchSize, cfg.Outbox.DrainInterval,
				cfg.Outbox.LockAtLeast, cfg.Outbox.LockAtMost)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, relay *Relay) {
		runCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					defer close(done)
					relay.Run(runCtx)
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
