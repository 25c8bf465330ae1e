package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
)

// PushFrame is the cross-node fan-out instruction. It deliberately carries no
// content: the consuming node rehydrates the broadcast from its metadata
// cache so a frame stays small regardless of payload size.
type PushFrame struct {
	Kind        event.Kind `json:"kind"`
	RecipientID string     `json:"recipient_id"`
	BroadcastID uuid.UUID  `json:"broadcast_id"`
	Reason      string     `json:"reason,omitempty"`
}

func DecodePushFrame(raw []byte) (*PushFrame, error) {
	f := new(PushFrame)
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, err
	}
	if f.RecipientID == "" {
		return nil, fmt.Errorf("push frame without recipient")
	}
	return f, nil
}

// publishPush sends one frame onto the push exchange, keyed by recipient so
// one recipient's frames stay ordered.
func (o *Orchestrator) publishPush(ctx context.Context, f PushFrame) {
	payload, err := json.Marshal(f)
	if err != nil {
		o.logger.Error("PUSH_ENCODE_FAILED", "err", err)
		return
	}
	if err := o.push.Raw(ctx, f.RecipientID, payload, map[string]string{
		"kind": string(f.Kind),
	}); err != nil {
		o.logger.Warn("PUSH_PUBLISH_FAILED",
			"recipient_id", f.RecipientID, "err", err)
	}
}

// OnPushFrame materializes a frame for a locally connected recipient. The
// delivery outcome flows back through the hub sink, never from here.
func (o *Orchestrator) OnPushFrame(ctx context.Context, f *PushFrame) error {
	switch f.Kind {
	case event.KindMessage:
		b, err := o.bcache.Get(ctx, f.BroadcastID)
		if err != nil {
			return err
		}
		if !b.Deliverable(time.Now()) {
			return nil // went terminal while the frame was in flight
		}
		o.hub.Broadcast(event.NewMessage(f.RecipientID, b))

	case event.KindMessageRemoved:
		o.hub.Broadcast(event.NewMessageRemoved(f.RecipientID, f.BroadcastID, f.Reason))

	case event.KindReadReceipt:
		o.hub.Broadcast(event.NewReadReceipt(f.RecipientID, f.BroadcastID))

	default:
		o.logger.Warn("PUSH_KIND_UNKNOWN", "kind", string(f.Kind))
	}
	return nil
}
