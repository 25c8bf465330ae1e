package amqp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/adapter/pubsub"
	"github.com/webitel/broadcast-delivery-service/internal/domain/registry"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

const (
	// ------------------- TOPICS (BINDING KEYS) -----------------
	TopicBroadcastEvents = "broadcast.#"
	TopicDeliveryEvents  = "delivery.#"
	TopicAllPush         = "#"
)

// Orchestrator consumes the bus and applies the delivery pipeline: targeting
// fan-out, guarded state transitions, cross-node push and DLT capture.
type Orchestrator struct {
	cfg        *config.Config
	hub        registry.Hubber
	broadcasts service.BroadcastStore
	deliveries service.DeliveryStore
	stats      service.StatisticsStore
	outbox     service.OutboxStore
	targeting  *service.TargetingService
	bcache     *service.BroadcastCache
	inbox      service.InboxCacher
	flags      service.FailureInjector
	dead       service.DeadLetterStore
	state      *pubsub.StateDispatcher
	push       *pubsub.PushDispatcher
	logger     *slog.Logger
}

func NewOrchestrator(
	cfg *config.Config,
	hub registry.Hubber,
	broadcasts service.BroadcastStore,
	deliveries service.DeliveryStore,
	stats service.StatisticsStore,
	outbox service.OutboxStore,
	targeting *service.TargetingService,
	bcache *service.BroadcastCache,
	inbox service.InboxCacher,
	flags service.FailureInjector,
	dead service.DeadLetterStore,
	state *pubsub.StateDispatcher,
	push *pubsub.PushDispatcher,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		hub:        hub,
		broadcasts: broadcasts,
		deliveries: deliveries,
		stats:      stats,
		outbox:     outbox,
		targeting:  targeting,
		bcache:     bcache,
		inbox:      inbox,
		flags:      flags,
		dead:       dead,
		state:      state,
		push:       push,
		logger:     logger.With(slog.String("component", "orchestrator")),
	}
}

func NewWatermillRouter(wmLogger watermill.LoggerAdapter) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{}, wmLogger)
}

// RegisterHandlers wires the consumer topology:
//
//   - two SHARED work queues on the state exchange (broadcast.# / delivery.#),
//     split across nodes as competing consumers;
//   - one PER-NODE queue on the push exchange, every node sees every frame
//     and the locality filter keeps only its own recipients;
//   - one shared DLT capture queue fed by the poison middleware.
func (o *Orchestrator) RegisterHandlers(router *message.Router, subProvider *pubsub.SubscriberProvider) error {
	poison, err := middleware.PoisonQueue(o.state.Publisher(), o.cfg.Bus.DLTTopic())
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	configs := []struct {
		name     string
		queue    string
		exchange string
		topic    string
		handler  message.NoPublishHandlerFunc
		shared   bool
	}{
		{"ON_BROADCAST_EVENT", o.cfg.Bus.ConsumerQueue + ".broadcast", o.cfg.Bus.Exchange,
			TopicBroadcastEvents, BindEnvelope(o, o.OnBroadcastEvent), true},
		{"ON_DELIVERY_EVENT", o.cfg.Bus.ConsumerQueue + ".delivery", o.cfg.Bus.Exchange,
			TopicDeliveryEvents, BindEnvelope(o, o.OnDeliveryEvent), true},
		{"ON_PUSH_FRAME", fmt.Sprintf("broadcast-delivery.push.v1.%s", o.cfg.Node.ID),
			o.cfg.Bus.PushExchange, TopicAllPush, BindPush(o), false},
	}

	for _, c := range configs {
		sub, err := subProvider.Build(c.queue, c.exchange, c.topic)
		if err != nil {
			return err
		}

		mws := []message.HandlerMiddleware{
			CorrelationIDMiddleware,
			LoggingMiddleware(o.logger),
		}
		if c.shared {
			// State mutations retry then dead-letter; push frames are
			// best-effort and never poison.
			mws = append(mws,
				NewRetryMiddleware().Middleware,
				poison,
				middleware.Timeout(time.Second*30),
			)
		}
		router.AddNoPublisherHandler(c.name, c.topic, sub, c.handler).AddMiddleware(mws...)
	}

	// DLT capture runs outside the poison chain: a failure here NACKs and the
	// broker redelivers until the letter is persisted.
	dltSub, err := subProvider.Build(o.cfg.Bus.DLTTopic(), o.cfg.Bus.Exchange, o.cfg.Bus.DLTTopic())
	if err != nil {
		return err
	}
	router.AddNoPublisherHandler("ON_DEAD_LETTER", o.cfg.Bus.DLTTopic(), dltSub, o.OnDeadLetter).
		AddMiddleware(CorrelationIDMiddleware, LoggingMiddleware(o.logger))

	o.logger.Info("AMQP_PIPELINE_READY",
		slog.String("state_queue", o.cfg.Bus.ConsumerQueue),
		slog.String("dlt", o.cfg.Bus.DLTTopic()))
	return nil
}
