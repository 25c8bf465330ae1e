package model

import "github.com/google/uuid"

// MessageIDFor derives the stable per-(broadcast, recipient) message id. Push
// frames and inbox snapshots carry the same id, so clients deduplicate across
// reconnects, redrives and pull/push seams.
func MessageIDFor(broadcastID uuid.UUID, recipientID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(broadcastID.String()+"/"+recipientID))
}

// InboxEntry is one element of a recipient's cached inbox snapshot, ordered
// by CreatedAt descending in the shared region.
type InboxEntry struct {
	MessageID      uuid.UUID      `json:"message_id"`
	BroadcastID    uuid.UUID      `json:"broadcast_id"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	ReadStatus     ReadStatus     `json:"read_status"`
	CreatedAt      int64          `json:"created_at"` // epoch millis
}
