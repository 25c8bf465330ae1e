package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// InboxMessage is the pull-surface view of one delivery: the status row
// hydrated with the broadcast content recipients actually read.
type InboxMessage struct {
	MessageID      uuid.UUID            `json:"message_id"`
	BroadcastID    uuid.UUID            `json:"broadcast_id"`
	SenderID       string               `json:"sender_id"`
	SenderName     string               `json:"sender_name"`
	Content        string               `json:"content"`
	Priority       model.Priority       `json:"priority"`
	Category       string               `json:"category,omitempty"`
	DeliveryStatus model.DeliveryStatus `json:"delivery_status"`
	ReadStatus     model.ReadStatus     `json:"read_status"`
	CreatedAt      int64                `json:"created_at"`
}

// InboxService is the read-model: cache-aside snapshots over the delivery
// rows, plus the read acknowledgement intake.
type InboxService struct {
	deliveries DeliveryStore
	cache      InboxCacher
	broadcasts *BroadcastCache
	outbox     OutboxStore
	exchange   string
	limit      int
	logger     *slog.Logger
}

func NewInboxService(
	deliveries DeliveryStore,
	cache InboxCacher,
	broadcasts *BroadcastCache,
	outbox OutboxStore,
	exchange string,
	limit int,
	logger *slog.Logger,
) *InboxService {
	return &InboxService{
		deliveries: deliveries,
		cache:      cache,
		broadcasts: broadcasts,
		outbox:     outbox,
		exchange:   exchange,
		limit:      limit,
		logger:     logger.With(slog.String("component", "inbox")),
	}
}

// Messages returns the recipient's inbox, newest first. The cluster cache
// holds only the canonical shape (all active deliveries); filtered variants
// always hit the database. Cache failures degrade to a database read.
func (s *InboxService) Messages(ctx context.Context, recipientID string, unreadOnly, activeOnly bool) ([]*InboxMessage, error) {
	canonical := !unreadOnly && activeOnly

	if canonical {
		entries, ok, err := s.cache.Get(ctx, recipientID)
		if err != nil {
			s.logger.Warn("inbox cache read failed",
				slog.String("recipient_id", recipientID), slog.Any("err", err))
		} else if ok {
			return s.hydrate(ctx, entries)
		}
	}

	rows, err := s.deliveries.ListByRecipient(ctx, recipientID, unreadOnly, activeOnly, s.limit)
	if err != nil {
		return nil, err
	}
	entries := toEntries(rows)

	if canonical {
		if err := s.cache.Put(ctx, recipientID, entries); err != nil {
			s.logger.Warn("inbox cache write failed",
				slog.String("recipient_id", recipientID), slog.Any("err", err))
		}
	}
	return s.hydrate(ctx, entries)
}

// Unread is the badge-count shortcut.
func (s *InboxService) Unread(ctx context.Context, recipientID string) ([]*InboxMessage, error) {
	return s.Messages(ctx, recipientID, true, true)
}

// MarkRead accepts a read acknowledgement. The row must exist; the guarded
// READ transition itself happens in the bus consumer so replays and races
// resolve in one place. The cached snapshot is updated optimistically.
func (s *InboxService) MarkRead(ctx context.Context, recipientID string, broadcastID uuid.UUID) error {
	row, err := s.deliveries.Get(ctx, nil, broadcastID, recipientID)
	if err != nil {
		return err
	}
	if row.ReadStatus == model.ReadRead {
		return nil // duplicate ack
	}
	if row.DeliveryStatus == model.DeliverySuperseded || row.DeliveryStatus == model.DeliveryFailed {
		return model.Conflictf("delivery %s/%s is %s", broadcastID, recipientID, row.DeliveryStatus)
	}

	ev := model.NewDeliveryEvent(broadcastID, recipientID, model.EventRead, s.exchange, "")
	if err := s.outbox.PublishWithState(ctx, nil, ev); err != nil {
		return err
	}

	entry := entryOf(row)
	entry.ReadStatus = model.ReadRead
	entry.DeliveryStatus = model.DeliveryDelivered
	if err := s.cache.Upsert(ctx, recipientID, entry); err != nil {
		s.logger.Warn("inbox cache upsert failed",
			slog.String("recipient_id", recipientID), slog.Any("err", err))
	}
	return nil
}

// hydrate joins entries with broadcast metadata. Entries whose broadcast went
// terminal since the snapshot was cut are filtered out here, which keeps the
// cache honest without another invalidation channel.
func (s *InboxService) hydrate(ctx context.Context, entries []model.InboxEntry) ([]*InboxMessage, error) {
	out := make([]*InboxMessage, 0, len(entries))
	for _, e := range entries {
		b, err := s.broadcasts.Get(ctx, e.BroadcastID)
		if err != nil {
			s.logger.Warn("inbox hydration miss",
				slog.String("broadcast_id", e.BroadcastID.String()), slog.Any("err", err))
			continue
		}
		if b.Terminal() {
			continue
		}
		out = append(out, &InboxMessage{
			MessageID:      e.MessageID,
			BroadcastID:    e.BroadcastID,
			SenderID:       b.SenderID,
			SenderName:     b.SenderName,
			Content:        b.Content,
			Priority:       b.Priority,
			Category:       b.Category,
			DeliveryStatus: e.DeliveryStatus,
			ReadStatus:     e.ReadStatus,
			CreatedAt:      e.CreatedAt,
		})
	}
	return out, nil
}

// NewPendingEntry is the snapshot element for a freshly materialized
// delivery, used by the fan-out write-through.
func NewPendingEntry(broadcastID uuid.UUID, recipientID string, at time.Time) model.InboxEntry {
	return model.InboxEntry{
		MessageID:      model.MessageIDFor(broadcastID, recipientID),
		BroadcastID:    broadcastID,
		DeliveryStatus: model.DeliveryPending,
		ReadStatus:     model.ReadUnread,
		CreatedAt:      at.UnixMilli(),
	}
}

func entryOf(d *model.Delivery) model.InboxEntry {
	return model.InboxEntry{
		MessageID:      model.MessageIDFor(d.BroadcastID, d.RecipientID),
		BroadcastID:    d.BroadcastID,
		DeliveryStatus: d.DeliveryStatus,
		ReadStatus:     d.ReadStatus,
		CreatedAt:      d.CreatedAt.UnixMilli(),
	}
}

func toEntries(rows []*model.Delivery) []model.InboxEntry {
	entries := make([]model.InboxEntry, 0, len(rows))
	for _, d := range rows {
		entries = append(entries, entryOf(d))
	}
	return entries
}
