package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/domain/registry"
)

// ackTimeout bounds the outbox write performed from a cell loop. Cells must
// not stall behind a slow database; a lost ack only means the row stays
// PENDING and is re-pushed on the next reconnect.
const ackTimeout = 5 * time.Second

// ackSink turns push-layer outcomes into durable state. A live-connection ack
// becomes a DELIVERY.DELIVERED outbox event; a spooled frame is a no-op
// because the delivery row is already PENDING and the inbox is authoritative.
type ackSink struct {
	outbox   OutboxStore
	exchange string
	logger   *slog.Logger
}

func NewSink(outbox OutboxStore, exchange string, logger *slog.Logger) registry.Sink {
	return &ackSink{
		outbox:   outbox,
		exchange: exchange,
		logger:   logger.With(slog.String("component", "ack-sink")),
	}
}

func (s *ackSink) Delivered(recipientID string, broadcastID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	ev := model.NewDeliveryEvent(broadcastID, recipientID, model.EventDelivered, s.exchange, "")
	if err := s.outbox.PublishWithState(ctx, nil, ev); err != nil {
		s.logger.Error("delivery ack dropped",
			slog.String("recipient_id", recipientID),
			slog.String("broadcast_id", broadcastID.String()),
			slog.Any("err", err))
	}
}

func (s *ackSink) Spooled(recipientID string, ev event.Eventer) {
	s.logger.Debug("frame spooled to durable inbox",
		slog.String("recipient_id", recipientID),
		slog.String("kind", string(ev.GetKind())))
}
