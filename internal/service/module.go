package service

import (
	"log/slog"

	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/directory"
	"github.com/webitel/broadcast-delivery-service/internal/domain/registry"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
	storageredis "github.com/webitel/broadcast-delivery-service/internal/storage/redis"
	"go.uber.org/fx"
)

// broadcastCacheSize bounds the per-node metadata LRU; one entry per distinct
// broadcast touched by this node's fan-out and inbox reads.
const broadcastCacheSize = 1024

var Module = fx.Module("service",
	fx.Provide(
		// Store contracts over the concrete repositories.
		func(r *postgres.BroadcastRepo) BroadcastStore { return r },
		func(r *postgres.DeliveryRepo) DeliveryStore { return r },
		func(r *postgres.StatisticsRepo) StatisticsStore { return r },
		func(r *postgres.DeadLetterRepo) DeadLetterStore { return r },
		func(r *postgres.SessionRepo) SessionStore { return r },
		func(r *postgres.PreferencesRepo) PreferenceStore { return r },
		func(o *postgres.Outbox) OutboxStore { return o },
		func(r *storageredis.SessionRegistry) SessionLocator { return r },
		func(c *storageredis.InboxCache) InboxCacher { return c },
		func(f *storageredis.FailureFlags) FailureInjector { return f },

		func(cfg *config.Config, logger *slog.Logger) Directory {
			return directory.NewClient(cfg.Directory, logger)
		},
		func(store BroadcastStore) (*BroadcastCache, error) {
			return NewBroadcastCache(store, broadcastCacheSize)
		},

		func(cfg *config.Config, broadcasts BroadcastStore, deliveries DeliveryStore,
			stats StatisticsStore, outbox OutboxStore, flags FailureInjector,
			cache *BroadcastCache, logger *slog.Logger) *BroadcastService {
			return NewBroadcastService(broadcasts, deliveries, stats, outbox, flags, cache,
				cfg.Bus.Exchange, logger)
		},
		NewTargetingService,
		func(cfg *config.Config, deliveries DeliveryStore, cache InboxCacher,
			broadcasts *BroadcastCache, outbox OutboxStore, logger *slog.Logger) *InboxService {
			return NewInboxService(deliveries, cache, broadcasts, outbox,
				cfg.Bus.Exchange, cfg.Inbox.CacheSize, logger)
		},
		func(cfg *config.Config, dead DeadLetterStore, broadcasts BroadcastStore,
			deliveries DeliveryStore, flags FailureInjector, outbox OutboxStore,
			logger *slog.Logger) *DLTService {
			return NewDLTService(dead, broadcasts, deliveries, flags, outbox,
				cfg.Bus.Exchange, logger)
		},
		NewDeliverer,

		// Push-layer callbacks, constructed before the hub.
		func(cfg *config.Config, outbox OutboxStore, logger *slog.Logger) registry.Sink {
			return NewSink(outbox, cfg.Bus.Exchange, logger)
		},
		fx.Annotate(NewSessionRefresher, fx.As(new(registry.HeartbeatRefresher))),
	),
)
