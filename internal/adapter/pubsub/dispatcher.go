package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// EventDispatcher is the high-level contract for outgoing bus traffic.
// Handlers stay agnostic of the transport implementation; tests substitute a
// gochannel publisher.
type EventDispatcher interface {
	// Publish sends an envelope with the given routing key.
	Publish(ctx context.Context, routingKey string, env *model.Envelope) error
	// Raw re-publishes an already-encoded payload, used by the outbox relay
	// and the redrive path.
	Raw(ctx context.Context, routingKey string, payload []byte, metadata map[string]string) error
	Publisher() message.Publisher
}

type eventDispatcher struct {
	publisher message.Publisher
}

func NewEventDispatcher(pub message.Publisher) EventDispatcher {
	return &eventDispatcher{publisher: pub}
}

func (d *eventDispatcher) Publish(ctx context.Context, routingKey string, env *model.Envelope) error {
	if env == nil {
		return fmt.Errorf("event dispatcher: cannot publish nil envelope")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("event dispatcher: marshal failure: %w", err)
	}
	return d.Raw(ctx, routingKey, payload, map[string]string{
		"correlation_id": env.CorrelationID,
	})
}

func (d *eventDispatcher) Raw(ctx context.Context, routingKey string, payload []byte, metadata map[string]string) error {
	msg := message.NewMessage(uuidOf(payload), payload)
	msg.SetContext(ctx)
	for k, v := range metadata {
		if v != "" {
			msg.Metadata.Set(k, v)
		}
	}
	if err := d.publisher.Publish(routingKey, msg); err != nil {
		return fmt.Errorf("event dispatcher: publish to %s: %w", routingKey, err)
	}
	return nil
}

func (d *eventDispatcher) Publisher() message.Publisher {
	return d.publisher
}

// uuidOf reuses the envelope's event id as the message UUID so replays keep
// a stable identity for consumer-side deduplication.
func uuidOf(payload []byte) string {
	var probe struct {
		EventID string `json:"event_id"`
	}
	if json.Unmarshal(payload, &probe) == nil && probe.EventID != "" {
		return probe.EventID
	}
	return watermill.NewUUID()
}
