package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// Narrow store contracts, one per entity, satisfied by the postgres and
// redis implementations. Services depend on these so tests can substitute
// in-memory fakes. The optional pgx.Tx argument lets a method join an outbox
// transaction.

type BroadcastStore interface {
	Insert(ctx context.Context, tx pgx.Tx, b *model.Broadcast) error
	GetByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.Broadcast, error)
	List(ctx context.Context, limit, offset int) ([]*model.Broadcast, error)
	Transition(ctx context.Context, tx pgx.Tx, id uuid.UUID, from []model.BroadcastStatus, to model.BroadcastStatus) (bool, error)
	FindScheduledDue(ctx context.Context, before time.Time, limit int) ([]*model.Broadcast, error)
	FindActiveExpired(ctx context.Context, now time.Time, limit int) ([]*model.Broadcast, error)
}

type DeliveryStore interface {
	InsertPendingBatch(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, recipients []string) (int64, error)
	MarkDelivered(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, recipientID string, at time.Time) (bool, error)
	MarkRead(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, recipientID string, at time.Time) (bool, error)
	ResetToPending(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, recipientID string) (bool, error)
	SupersedePending(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID) (int64, error)
	Get(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, recipientID string) (*model.Delivery, error)
	ListByRecipient(ctx context.Context, recipientID string, unreadOnly, activeOnly bool, limit int) ([]*model.Delivery, error)
	ListPendingByRecipient(ctx context.Context, recipientID string, limit int) ([]*model.Delivery, error)
	RecipientsOf(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID) ([]string, error)
}

type StatisticsStore interface {
	Insert(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, totalTargeted int64) error
	IncrDelivered(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, deliveryMs int64) error
	IncrRead(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID) error
	IncrFailed(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID) error
	Get(ctx context.Context, broadcastID uuid.UUID) (*model.Statistics, error)
}

type DeadLetterStore interface {
	Insert(ctx context.Context, dl *model.DeadLetter) error
	Get(ctx context.Context, id uuid.UUID) (*model.DeadLetter, error)
	List(ctx context.Context, limit, offset int) ([]*model.DeadLetter, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	DeleteAll(ctx context.Context) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type SessionStore interface {
	Insert(ctx context.Context, s *model.Session) error
	MarkDisconnected(ctx context.Context, connectionID uuid.UUID) error
	PurgeDisconnectedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type PreferenceStore interface {
	SetMuted(ctx context.Context, recipientID string, muted bool) error
	FilterMuted(ctx context.Context, recipients []string) (map[string]bool, error)
}

type OutboxStore interface {
	PublishWithState(ctx context.Context, mutate func(tx pgx.Tx) error, events ...model.OutboxEvent) error
	PublishWithStateFn(ctx context.Context, mutate func(tx pgx.Tx) ([]model.OutboxEvent, error)) error
}

// SessionLocator is the distributed session registry (C4).
type SessionLocator interface {
	Register(ctx context.Context, s *model.Session) error
	Heartbeat(ctx context.Context, nodeID string, connIDs []uuid.UUID) error
	Lookup(ctx context.Context, recipientID string) ([]*model.Session, error)
	IsOnline(ctx context.Context, recipientID string) (bool, error)
	StaleBefore(ctx context.Context, threshold time.Time) ([]uuid.UUID, error)
	Remove(ctx context.Context, connIDs []uuid.UUID) error
	CountByNode(ctx context.Context, nodeID string) (int64, error)
	CountTotal(ctx context.Context) (int64, error)
}

// InboxCacher is the cluster-shared inbox snapshot region.
type InboxCacher interface {
	Get(ctx context.Context, recipientID string) ([]model.InboxEntry, bool, error)
	Put(ctx context.Context, recipientID string, entries []model.InboxEntry) error
	Upsert(ctx context.Context, recipientID string, entry model.InboxEntry) error
	RemoveBroadcast(ctx context.Context, recipientID string, broadcastID uuid.UUID) error
	Invalidate(ctx context.Context, recipientID string) error
	Size(ctx context.Context) (int64, error)
	EvictRandom(ctx context.Context, n int64) (int64, error)
}

// FailureInjector is the cluster-visible failure harness (tests only).
type FailureInjector interface {
	Arm(ctx context.Context) error
	ConsumeArmed(ctx context.Context) (bool, error)
	MarkBroadcast(ctx context.Context, id uuid.UUID) error
	ShouldFail(ctx context.Context, id uuid.UUID) (bool, error)
	ClearBroadcast(ctx context.Context, id uuid.UUID) error
	Disarm(ctx context.Context) error
	State(ctx context.Context) (bool, []string, error)
}

// Directory is the external recipient directory: expands (targetType,
// targetIds) into the concrete recipient-id set. Failures surface as
// model.ErrUnavailable so the scheduler retries on the next tick.
type Directory interface {
	ResolveRecipients(ctx context.Context, targetType model.TargetType, targetIDs []string) ([]string, error)
}
