package registry

import (
	"context"

	"github.com/google/uuid"
	"github.com/webitel/broadcast-delivery-service/config"
	"go.uber.org/fx"
)

// HeartbeatRefresher pushes the node's live connection ids into the
// distributed session registry on every heartbeat tick.
type HeartbeatRefresher interface {
	RefreshSessions(connIDs []uuid.UUID)
}

var Module = fx.Module("registry",
	fx.Provide(
		func(cfg *config.Config, sink Sink, refresher HeartbeatRefresher) *Hub {
			return NewHub(
				WithMailboxSize(cfg.Session.QueueSize),
				WithFlushTimeout(cfg.Session.FlushTimeout),
				WithHeartbeatInterval(cfg.Session.Heartbeat),
				WithDrainGrace(cfg.Session.DrainGrace),
				WithSink(sink),
				WithHeartbeatFunc(refresher.RefreshSessions),
			)
		},
		fx.Annotate(
			func(h *Hub) Hubber { return h },
			fx.As(new(Hubber)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, h Hubber) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				h.Drain(ctx)
				return nil
			},
		})
	}),
)
