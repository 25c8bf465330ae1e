package model

import (
	"time"

	"github.com/google/uuid"
)

// Statistics carries the per-broadcast delivery counters. Counters are
// monotonic; they advance only on first state transitions.
type Statistics struct {
	BroadcastID       uuid.UUID `json:"broadcast_id"`
	TotalTargeted     int64     `json:"total_targeted"`
	TotalDelivered    int64     `json:"total_delivered"`
	TotalRead         int64     `json:"total_read"`
	TotalFailed       int64     `json:"total_failed"`
	AvgDeliveryTimeMs int64     `json:"avg_delivery_time_ms"`
	CalculatedAt      time.Time `json:"calculated_at"`
}

func (s Statistics) DeliveryRate() float64 {
	if s.TotalTargeted == 0 {
		return 0
	}
	return float64(s.TotalDelivered) / float64(s.TotalTargeted)
}

func (s Statistics) ReadRate() float64 {
	if s.TotalDelivered == 0 {
		return 0
	}
	return float64(s.TotalRead) / float64(s.TotalDelivered)
}
