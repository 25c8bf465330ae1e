package pubsub

import (
	"github.com/webitel/broadcast-delivery-service/config"
	"go.uber.org/fx"
)

// StateDispatcher publishes envelope events onto the orchestration exchange.
// The outbox relay is its main writer; the poison middleware reuses it for
// the DLT topic.
type StateDispatcher struct{ EventDispatcher }

// PushDispatcher publishes push frames onto the fan-out exchange that every
// node's local queue is bound to.
type PushDispatcher struct{ EventDispatcher }

var Module = fx.Module("pubsub",
	fx.Provide(
		NewPublisherProvider,
		NewSubscriberProvider,
		func(pp *PublisherProvider, cfg *config.Config) (*StateDispatcher, error) {
			pub, err := pp.Build(cfg.Bus.Exchange)
			if err != nil {
				return nil, err
			}
			return &StateDispatcher{NewEventDispatcher(pub)}, nil
		},
		func(pp *PublisherProvider, cfg *config.Config) (*PushDispatcher, error) {
			pub, err := pp.Build(cfg.Bus.PushExchange)
			if err != nil {
				return nil, err
			}
			return &PushDispatcher{NewEventDispatcher(pub)}, nil
		},
		// Default dispatcher for components that only need the state exchange.
		func(d *StateDispatcher) EventDispatcher { return d },
	),
)
