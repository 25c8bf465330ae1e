package model

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "PENDING"
	DeliveryDelivered  DeliveryStatus = "DELIVERED"
	DeliveryFailed     DeliveryStatus = "FAILED"
	DeliverySuperseded DeliveryStatus = "SUPERSEDED"
)

type ReadStatus string

const (
	ReadUnread ReadStatus = "UNREAD"
	ReadRead   ReadStatus = "READ"
)

// Delivery is the per-recipient record of a broadcast's lifecycle.
// Unique on (BroadcastID, RecipientID). DELIVERED and READ are sticky;
// only the redrive path may move a row back to PENDING.
type Delivery struct {
	BroadcastID    uuid.UUID
	RecipientID    string
	DeliveryStatus DeliveryStatus
	ReadStatus     ReadStatus
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
