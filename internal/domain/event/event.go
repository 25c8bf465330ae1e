package event

import "github.com/google/uuid"

// Kind is the wire-level type of a push frame.
type Kind string

const (
	KindConnected      Kind = "CONNECTED"
	KindMessage        Kind = "MESSAGE"
	KindReadReceipt    Kind = "READ_RECEIPT"
	KindMessageRemoved Kind = "MESSAGE_REMOVED"
	KindHeartbeat      Kind = "HEARTBEAT"
)

type Priority int32

const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 20
	PriorityHigh   Priority = 30
)

// Eventer defines the contract for all data packets flowing through the Hub.
type Eventer interface {
	GetID() string
	GetKind() Kind
	GetRecipientID() string
	GetPriority() Priority
	GetOccurredAt() int64
	GetData() any
}

// Spoolable marks events whose loss on a saturated connection must be
// compensated by the durable inbox instead of being dropped silently.
type Spoolable interface {
	GetBroadcastID() uuid.UUID
}
