package model

import (
	"time"

	"github.com/google/uuid"
)

type TargetType string

const (
	TargetAll      TargetType = "ALL"
	TargetSelected TargetType = "SELECTED"
	TargetRole     TargetType = "ROLE"
)

type BroadcastStatus string

const (
	StatusScheduled BroadcastStatus = "SCHEDULED"
	StatusActive    BroadcastStatus = "ACTIVE"
	StatusExpired   BroadcastStatus = "EXPIRED"
	StatusCancelled BroadcastStatus = "CANCELLED"
)

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// Broadcast is the administrator-authored message aggregate. Immutable after
// creation except for Status/UpdatedAt.
type Broadcast struct {
	ID            uuid.UUID
	SenderID      string
	SenderName    string
	Content       string
	TargetType    TargetType
	TargetIDs     []string
	Priority      Priority
	Category      string
	ScheduledAt   *time.Time
	ExpiresAt     *time.Time
	FireAndForget bool
	CorrelationID string
	Status        BroadcastStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate enforces the creation-time invariants.
func (b *Broadcast) Validate() error {
	if b.Content == "" {
		return Validationf("content is required")
	}
	switch b.TargetType {
	case TargetAll:
		if len(b.TargetIDs) != 0 {
			return Validationf("target_ids must be empty for target_type=ALL")
		}
	case TargetSelected, TargetRole:
		if len(b.TargetIDs) == 0 {
			return Validationf("target_ids are required for target_type=%s", b.TargetType)
		}
	default:
		return Validationf("unknown target_type %q", b.TargetType)
	}
	switch b.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return Validationf("unknown priority %q", b.Priority)
	}
	if b.ScheduledAt != nil && b.ExpiresAt != nil && b.ExpiresAt.Before(*b.ScheduledAt) {
		return Validationf("expires_at precedes scheduled_at")
	}
	return nil
}

// Deliverable reports whether the broadcast may fan out right now:
// ACTIVE, inside the scheduling window and not past expiry.
func (b *Broadcast) Deliverable(now time.Time) bool {
	if b.Status != StatusActive {
		return false
	}
	if b.ScheduledAt != nil && b.ScheduledAt.After(now) {
		return false
	}
	if b.ExpiresAt != nil && b.ExpiresAt.Before(now) {
		return false
	}
	return true
}

// Terminal reports whether the status admits no further transitions.
func (b *Broadcast) Terminal() bool {
	return b.Status == StatusExpired || b.Status == StatusCancelled
}

// CanTransition guards the monotonic status machine:
// SCHEDULED -> ACTIVE -> EXPIRED|CANCELLED, SCHEDULED -> CANCELLED.
func (b *Broadcast) CanTransition(next BroadcastStatus) bool {
	switch b.Status {
	case StatusScheduled:
		return next == StatusActive || next == StatusCancelled || next == StatusExpired
	case StatusActive:
		return next == StatusExpired || next == StatusCancelled
	default:
		return false
	}
}
