package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AggregateType string

const (
	AggregateBroadcast AggregateType = "BROADCAST"
	AggregateDelivery  AggregateType = "DELIVERY"
	AggregateUser      AggregateType = "USER"
)

type EventType string

const (
	EventCreated          EventType = "CREATED"
	EventCancelled        EventType = "CANCELLED"
	EventExpired          EventType = "EXPIRED"
	EventDelivered        EventType = "DELIVERED"
	EventRead             EventType = "READ"
	EventRedriveRequested EventType = "REDRIVE_REQUESTED"
)

// OutboxEvent is one durable row co-written with a state mutation and drained
// by the relay. Rows are deleted after a successful publish; drain order is
// strictly (CreatedAt, ID).
type OutboxEvent struct {
	ID            uuid.UUID
	AggregateType AggregateType
	AggregateID   string
	EventType     EventType
	Topic         string
	Payload       []byte
	CreatedAt     time.Time
}

// Envelope is the wire message carried on the orchestration bus.
// Every timestamp on the bus is UTC offset-bearing.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	BroadcastID   uuid.UUID       `json:"broadcast_id"`
	RecipientID   string          `json:"recipient_id,omitempty"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func DecodeEnvelope(raw []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, err
	}
	return env, nil
}

// NewBroadcastEvent builds an outbox row keyed by the broadcast id so every
// lifecycle event of one broadcast keeps bus ordering.
func NewBroadcastEvent(b *Broadcast, et EventType, topic string) OutboxEvent {
	env := Envelope{
		EventID:       uuid.New(),
		BroadcastID:   b.ID,
		EventType:     "BROADCAST." + string(et),
		Timestamp:     time.Now().UTC(),
		CorrelationID: b.CorrelationID,
	}
	payload, _ := json.Marshal(env)
	return OutboxEvent{
		ID:            env.EventID,
		AggregateType: AggregateBroadcast,
		AggregateID:   b.ID.String(),
		EventType:     et,
		Topic:         topic,
		Payload:       payload,
		CreatedAt:     env.Timestamp,
	}
}

// NewDeliveryEvent builds an outbox row keyed by the recipient id, which is
// the bus partitioning key guaranteeing per-recipient ordering.
func NewDeliveryEvent(broadcastID uuid.UUID, recipientID string, et EventType, topic, correlationID string) OutboxEvent {
	env := Envelope{
		EventID:       uuid.New(),
		BroadcastID:   broadcastID,
		RecipientID:   recipientID,
		EventType:     "DELIVERY." + string(et),
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	payload, _ := json.Marshal(env)
	return OutboxEvent{
		ID:            env.EventID,
		AggregateType: AggregateDelivery,
		AggregateID:   recipientID,
		EventType:     et,
		Topic:         topic,
		Payload:       payload,
		CreatedAt:     env.Timestamp,
	}
}
