package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/webitel/broadcast-delivery-service/config"
)

// PublisherProvider builds publishers bound to one durable topic exchange.
// The watermill "topic" parameter is mapped to the AMQP routing key, which is
// how the aggregate id becomes the bus partitioning key.
type PublisherProvider struct {
	url    string
	logger watermill.LoggerAdapter
}

func NewPublisherProvider(cfg *config.Config, logger watermill.LoggerAdapter) *PublisherProvider {
	return &PublisherProvider{url: cfg.Bus.URL, logger: logger}
}

func (pp *PublisherProvider) Build(exchange string) (message.Publisher, error) {
	conf := amqp.NewDurablePubSubConfig(pp.url, nil)
	conf.Exchange = amqp.ExchangeConfig{
		GenerateName: func(string) string { return exchange },
		Type:         "topic",
		Durable:      true,
	}
	conf.Publish.GenerateRoutingKey = func(topic string) string { return topic }

	pub, err := amqp.NewPublisher(conf, pp.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub: build publisher for %s: %w", exchange, err)
	}
	return pub, nil
}

// SubscriberProvider builds subscribers reading one durable queue bound to a
// topic exchange with an explicit binding key. Queues are durable and shared:
// competing consumers across nodes split the stream, per-key order is kept by
// the single relay publisher.
type SubscriberProvider struct {
	url    string
	qos    int
	logger watermill.LoggerAdapter
}

func NewSubscriberProvider(cfg *config.Config, logger watermill.LoggerAdapter) *SubscriberProvider {
	return &SubscriberProvider{url: cfg.Bus.URL, qos: cfg.Bus.ConsumersPerQ, logger: logger}
}

func (sp *SubscriberProvider) Build(queue, exchange, bindingKey string) (message.Subscriber, error) {
	conf := amqp.NewDurablePubSubConfig(sp.url, func(string) string { return queue })
	conf.Exchange = amqp.ExchangeConfig{
		GenerateName: func(string) string { return exchange },
		Type:         "topic",
		Durable:      true,
	}
	conf.QueueBind.GenerateRoutingKey = func(string) string { return bindingKey }
	conf.Consume.Qos.PrefetchCount = sp.qos

	sub, err := amqp.NewSubscriber(conf, sp.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub: build subscriber %s on %s: %w", queue, exchange, err)
	}
	return sub, nil
}
