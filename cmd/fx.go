package cmd

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/adapter/pubsub"
	"github.com/webitel/broadcast-delivery-service/internal/domain/registry"
	amqpdi "github.com/webitel/broadcast-delivery-service/internal/handler/amqp"
	httpdi "github.com/webitel/broadcast-delivery-service/internal/handler/http"
	"github.com/webitel/broadcast-delivery-service/internal/outbox"
	"github.com/webitel/broadcast-delivery-service/internal/scheduler"
	"github.com/webitel/broadcast-delivery-service/internal/service"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
	storageredis "github.com/webitel/broadcast-delivery-service/internal/storage/redis"
	"go.uber.org/fx"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
		),
		postgres.Module,
		storageredis.Module,
		pubsub.Module,
		service.Module,
		registry.Module,
		outbox.Module,
		amqpdi.Module,
		httpdi.Module,
		scheduler.Module,
	)
}

func ProvideLogger(cfg *config.Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})).With(
		slog.String("service", ServiceName),
		slog.String("node_id", cfg.Node.ID),
	)
	slog.SetDefault(logger)
	return logger
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger.With(slog.String("component", "watermill")))
}
