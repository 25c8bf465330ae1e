package model

import "github.com/google/uuid"

// Session is one live push connection between a recipient and a node,
// published into the distributed registry. A recipient may hold sessions on
// several nodes at once; ConnectionID is globally unique.
type Session struct {
	RecipientID    string    `json:"recipient_id"`
	ConnectionID   uuid.UUID `json:"connection_id"`
	NodeID         string    `json:"node_id"`
	ClusterID      string    `json:"cluster_id"`
	ConnectedAt    int64     `json:"connected_at"`      // epoch millis
	LastActivityAt int64     `json:"last_activity_at"`  // epoch millis
}
