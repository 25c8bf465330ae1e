package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// base carries the fields shared by every push frame.
type base struct {
	id          uuid.UUID
	kind        Kind
	recipientID string
	priority    Priority
	occurredAt  int64
	data        any
}

func (b *base) GetID() string          { return b.id.String() }
func (b *base) GetKind() Kind          { return b.kind }
func (b *base) GetRecipientID() string { return b.recipientID }
func (b *base) GetPriority() Priority  { return b.priority }
func (b *base) GetOccurredAt() int64   { return b.occurredAt }
func (b *base) GetData() any           { return b.data }

func newBase(kind Kind, recipientID string, priority Priority, data any) base {
	return base{
		id:          uuid.New(),
		kind:        kind,
		recipientID: recipientID,
		priority:    priority,
		occurredAt:  time.Now().UnixMilli(),
		data:        data,
	}
}

// ConnectedPayload greets a freshly attached connection.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	NodeID       string `json:"node_id"`
	RecipientID  string `json:"recipient_id"`
}

type Connected struct{ base }

func NewConnected(recipientID string, connID uuid.UUID, nodeID string) *Connected {
	return &Connected{newBase(KindConnected, recipientID, PriorityHigh, &ConnectedPayload{
		ConnectionID: connID.String(),
		NodeID:       nodeID,
		RecipientID:  recipientID,
	})}
}

// MessagePayload is the broadcast content as seen by recipients.
type MessagePayload struct {
	MessageID   string         `json:"message_id"`
	BroadcastID string         `json:"broadcast_id"`
	SenderID    string         `json:"sender_id"`
	SenderName  string         `json:"sender_name"`
	Content     string         `json:"content"`
	Priority    model.Priority `json:"priority"`
	Category    string         `json:"category,omitempty"`
	CreatedAt   int64          `json:"created_at"`
}

// Message is the MESSAGE frame delivering one broadcast to one recipient.
type Message struct {
	base
	broadcastID uuid.UUID
}

var _ Spoolable = (*Message)(nil)

func NewMessage(recipientID string, b *model.Broadcast) *Message {
	prio := PriorityNormal
	if b.Priority == model.PriorityHigh {
		prio = PriorityHigh
	} else if b.Priority == model.PriorityLow {
		prio = PriorityLow
	}
	return &Message{
		base: newBase(KindMessage, recipientID, prio, &MessagePayload{
			// Same id as the pull surface, so clients deduplicate the frame
			// against the inbox snapshot.
			MessageID:   model.MessageIDFor(b.ID, recipientID).String(),
			BroadcastID: b.ID.String(),
			SenderID:    b.SenderID,
			SenderName:  b.SenderName,
			Content:     b.Content,
			Priority:    b.Priority,
			Category:    b.Category,
			CreatedAt:   b.CreatedAt.UnixMilli(),
		}),
		broadcastID: b.ID,
	}
}

func (m *Message) GetBroadcastID() uuid.UUID { return m.broadcastID }

// ReadReceipt propagates a read acknowledgement to the recipient's other
// devices.
type ReadReceipt struct{ base }

func NewReadReceipt(recipientID string, broadcastID uuid.UUID) *ReadReceipt {
	return &ReadReceipt{newBase(KindReadReceipt, recipientID, PriorityLow, map[string]string{
		"broadcast_id": broadcastID.String(),
	})}
}

// MessageRemoved tells connected clients to drop a cancelled or expired
// broadcast from view.
type MessageRemoved struct{ base }

func NewMessageRemoved(recipientID string, broadcastID uuid.UUID, reason string) *MessageRemoved {
	return &MessageRemoved{newBase(KindMessageRemoved, recipientID, PriorityNormal, map[string]string{
		"broadcast_id": broadcastID.String(),
		"reason":       reason,
	})}
}

// Heartbeat keeps idle transports warm and observable.
type Heartbeat struct{ base }

func NewHeartbeat(recipientID string) *Heartbeat {
	return &Heartbeat{newBase(KindHeartbeat, recipientID, PriorityLow, nil)}
}
