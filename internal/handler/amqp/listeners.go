package amqp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

// OnBroadcastEvent dispatches lifecycle events of one broadcast. The routing
// key carries the broadcast id, so all events of one broadcast arrive in
// publish order.
func (o *Orchestrator) OnBroadcastEvent(ctx context.Context, env *model.Envelope) error {
	switch env.EventType {
	case "BROADCAST.CREATED":
		return o.onBroadcastCreated(ctx, env)
	case "BROADCAST.REDRIVE_REQUESTED":
		// Replay is a re-run of the fan-out; every step below is idempotent.
		return o.onBroadcastCreated(ctx, env)
	case "BROADCAST.CANCELLED":
		return o.onBroadcastRemoved(ctx, env, "cancelled")
	case "BROADCAST.EXPIRED":
		return o.onBroadcastRemoved(ctx, env, "expired")
	default:
		o.logger.Warn("EVENT_UNKNOWN", "event_type", env.EventType)
		return nil
	}
}

// OnDeliveryEvent dispatches per-recipient events. The routing key carries
// the recipient id, which serializes one recipient's transitions.
func (o *Orchestrator) OnDeliveryEvent(ctx context.Context, env *model.Envelope) error {
	switch env.EventType {
	case "DELIVERY.DELIVERED":
		return o.onDelivered(ctx, env)
	case "DELIVERY.READ":
		return o.onRead(ctx, env)
	default:
		o.logger.Warn("EVENT_UNKNOWN", "event_type", env.EventType)
		return nil
	}
}

// onBroadcastCreated performs the fan-out: audience expansion, PENDING row
// precomputation, inbox write-through and push frames. A directory outage
// NACKs the message so the whole expansion is retried later; partially
// inserted rows are resumed, not duplicated.
func (o *Orchestrator) onBroadcastCreated(ctx context.Context, env *model.Envelope) error {
	b, err := o.broadcasts.GetByID(ctx, nil, env.BroadcastID)
	if errors.Is(err, model.ErrNotFound) {
		o.logger.Warn("BROADCAST_GONE", "broadcast_id", env.BroadcastID.String())
		return nil
	}
	if err != nil {
		return err
	}
	if b.Terminal() {
		return nil // cancelled before fan-out started
	}

	recipients, err := o.targeting.Expand(ctx, b.TargetType, b.TargetIDs)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		o.logger.Info("AUDIENCE_EMPTY", "broadcast_id", b.ID.String())
		return nil
	}

	err = o.outbox.PublishWithState(ctx, func(tx pgx.Tx) error {
		_, err := o.targeting.Precompute(ctx, tx, b.ID, recipients)
		return err
	})
	if err != nil {
		return err
	}

	// [FORCED_FAILURE]
	// Test harness: the durable rows exist, consumption fails afterwards so
	// retries exhaust into the DLT with recoverable state behind them.
	if fail, ferr := o.flags.ShouldFail(ctx, b.ID); ferr == nil && fail {
		return fmt.Errorf("forced consumer failure for broadcast %s", b.ID)
	}

	for _, r := range recipients {
		if err := o.inbox.Upsert(ctx, r, service.NewPendingEntry(b.ID, r, b.CreatedAt)); err != nil {
			o.logger.Warn("INBOX_WRITE_THROUGH_FAILED", "recipient_id", r, "err", err)
		}
		o.publishPush(ctx, PushFrame{
			Kind:        event.KindMessage,
			RecipientID: r,
			BroadcastID: b.ID,
		})
	}

	o.logger.Info("FANOUT_COMPLETE",
		"broadcast_id", b.ID.String(), "recipients", len(recipients))
	return nil
}

// onBroadcastRemoved retires the broadcast everywhere: remaining PENDING rows
// become SUPERSEDED, cached snapshots drop the entry and connected clients
// get a removal frame.
func (o *Orchestrator) onBroadcastRemoved(ctx context.Context, env *model.Envelope, reason string) error {
	o.bcache.Invalidate(env.BroadcastID)

	recipients, err := o.deliveries.RecipientsOf(ctx, nil, env.BroadcastID)
	if err != nil {
		return err
	}

	err = o.outbox.PublishWithState(ctx, func(tx pgx.Tx) error {
		_, err := o.deliveries.SupersedePending(ctx, tx, env.BroadcastID)
		return err
	})
	if err != nil {
		return err
	}

	for _, r := range recipients {
		if err := o.inbox.RemoveBroadcast(ctx, r, env.BroadcastID); err != nil {
			o.logger.Warn("INBOX_EVICT_FAILED", "recipient_id", r, "err", err)
		}
		o.publishPush(ctx, PushFrame{
			Kind:        event.KindMessageRemoved,
			RecipientID: r,
			BroadcastID: env.BroadcastID,
			Reason:      reason,
		})
	}
	return nil
}

// onDelivered applies the guarded PENDING -> DELIVERED transition plus the
// statistics counters in one transaction. For fire-and-forget broadcasts the
// first transition also expires the broadcast, inside the same commit.
func (o *Orchestrator) onDelivered(ctx context.Context, env *model.Envelope) error {
	b, err := o.bcache.Get(ctx, env.BroadcastID)
	if errors.Is(err, model.ErrNotFound) {
		o.logger.Warn("BROADCAST_GONE", "broadcast_id", env.BroadcastID.String())
		return nil
	}
	if err != nil {
		return err
	}

	applied := false
	err = o.outbox.PublishWithStateFn(ctx, func(tx pgx.Tx) ([]model.OutboxEvent, error) {
		ok, err := o.deliveries.MarkDelivered(ctx, tx, env.BroadcastID, env.RecipientID, env.Timestamp)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil // duplicate ack, already DELIVERED or READ
		}
		applied = true

		if err := o.stats.IncrDelivered(ctx, tx, env.BroadcastID, latencyMs(b, env.Timestamp)); err != nil {
			return nil, err
		}

		if !b.FireAndForget {
			return nil, nil
		}
		// One delivery is the whole job: expire in the same commit so the
		// EXPIRED fan-out supersedes everyone still owed.
		ok, err = o.broadcasts.Transition(ctx, tx, env.BroadcastID,
			[]model.BroadcastStatus{model.StatusActive}, model.StatusExpired)
		if err != nil || !ok {
			return nil, err
		}
		expired := *b
		expired.Status = model.StatusExpired
		return []model.OutboxEvent{
			model.NewBroadcastEvent(&expired, model.EventExpired, o.cfg.Bus.Exchange),
		}, nil
	})
	if err != nil || !applied {
		return err
	}

	entry := service.NewPendingEntry(env.BroadcastID, env.RecipientID, b.CreatedAt)
	entry.DeliveryStatus = model.DeliveryDelivered
	if err := o.inbox.Upsert(ctx, env.RecipientID, entry); err != nil {
		o.logger.Warn("INBOX_WRITE_THROUGH_FAILED", "recipient_id", env.RecipientID, "err", err)
	}
	return nil
}

// onRead applies the sticky READ transition. READ implies DELIVERED: a read
// racing ahead of its delivery ack settles both counters here. Other devices
// of the recipient get a receipt frame so their badges converge.
func (o *Orchestrator) onRead(ctx context.Context, env *model.Envelope) error {
	row, err := o.deliveries.Get(ctx, nil, env.BroadcastID, env.RecipientID)
	if errors.Is(err, model.ErrNotFound) {
		o.logger.Warn("DELIVERY_ROW_GONE",
			"broadcast_id", env.BroadcastID.String(), "recipient_id", env.RecipientID)
		return nil
	}
	if err != nil {
		return err
	}

	applied := false
	err = o.outbox.PublishWithState(ctx, func(tx pgx.Tx) error {
		ok, err := o.deliveries.MarkRead(ctx, tx, env.BroadcastID, env.RecipientID, env.Timestamp)
		if err != nil {
			return err
		}
		if !ok {
			return nil // duplicate, or row not readable
		}
		applied = true

		if row.DeliveryStatus == model.DeliveryPending {
			b, err := o.bcache.Get(ctx, env.BroadcastID)
			if err != nil {
				return err
			}
			if err := o.stats.IncrDelivered(ctx, tx, env.BroadcastID, latencyMs(b, env.Timestamp)); err != nil {
				return err
			}
		}
		return o.stats.IncrRead(ctx, tx, env.BroadcastID)
	})
	if err != nil || !applied {
		return err
	}

	entry := service.NewPendingEntry(env.BroadcastID, env.RecipientID, row.CreatedAt)
	entry.DeliveryStatus = model.DeliveryDelivered
	entry.ReadStatus = model.ReadRead
	if err := o.inbox.Upsert(ctx, env.RecipientID, entry); err != nil {
		o.logger.Warn("INBOX_WRITE_THROUGH_FAILED", "recipient_id", env.RecipientID, "err", err)
	}

	o.publishPush(ctx, PushFrame{
		Kind:        event.KindReadReceipt,
		RecipientID: env.RecipientID,
		BroadcastID: env.BroadcastID,
	})
	return nil
}

// latencyMs measures creation-to-delivery, clamped at zero against clock
// skew between nodes.
func latencyMs(b *model.Broadcast, deliveredAt time.Time) int64 {
	ms := deliveredAt.Sub(b.CreatedAt).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
