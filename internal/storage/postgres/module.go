package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/webitel/broadcast-delivery-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("postgres",
	fx.Provide(
		func(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
			if err := Migrate(cfg.DB.DSN, logger); err != nil {
				return nil, err
			}
			pool, err := Connect(context.Background(), cfg.DB.DSN)
			if err != nil {
				return nil, err
			}
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					pool.Close()
					return nil
				},
			})
			return pool, nil
		},
		NewOutbox,
		NewBroadcastRepo,
		NewDeliveryRepo,
		NewStatisticsRepo,
		NewDeadLetterRepo,
		NewSessionRepo,
		NewPreferencesRepo,
	),
)
