package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// BroadcastService owns the administrative lifecycle: creation, cancellation
// and the statistics surface. Every state change rides the outbox, never the
// bus directly, so admin writes and fan-out stay atomic.
type BroadcastService struct {
	broadcasts BroadcastStore
	deliveries DeliveryStore
	stats      StatisticsStore
	outbox     OutboxStore
	flags      FailureInjector
	cache      *BroadcastCache
	exchange   string
	logger     *slog.Logger
}

func NewBroadcastService(
	broadcasts BroadcastStore,
	deliveries DeliveryStore,
	stats StatisticsStore,
	outbox OutboxStore,
	flags FailureInjector,
	cache *BroadcastCache,
	exchange string,
	logger *slog.Logger,
) *BroadcastService {
	return &BroadcastService{
		broadcasts: broadcasts,
		deliveries: deliveries,
		stats:      stats,
		outbox:     outbox,
		flags:      flags,
		cache:      cache,
		exchange:   exchange,
		logger:     logger.With(slog.String("component", "broadcast-service")),
	}
}

// Create validates and persists a broadcast. Immediate broadcasts emit
// BROADCAST.CREATED in the same transaction; scheduled ones wait for the
// activator job. An armed failure flag binds to the new broadcast here, before
// any event leaves the node, so the forced failure is observed cluster-wide.
func (s *BroadcastService) Create(ctx context.Context, b *model.Broadcast) (*model.Broadcast, error) {
	if b.Priority == "" {
		b.Priority = model.PriorityNormal
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	b.ID = uuid.New()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.CorrelationID == "" {
		b.CorrelationID = uuid.NewString()
	}
	b.Status = model.StatusActive
	if b.ScheduledAt != nil && b.ScheduledAt.After(now) {
		b.Status = model.StatusScheduled
	}

	if armed, err := s.flags.ConsumeArmed(ctx); err != nil {
		s.logger.Warn("failure harness unavailable", slog.Any("err", err))
	} else if armed {
		if err := s.flags.MarkBroadcast(ctx, b.ID); err != nil {
			s.logger.Warn("failed to bind armed failure", slog.Any("err", err))
		} else {
			s.logger.Info("armed failure bound to broadcast",
				slog.String("broadcast_id", b.ID.String()))
		}
	}

	var events []model.OutboxEvent
	if b.Status == model.StatusActive {
		events = append(events, model.NewBroadcastEvent(b, model.EventCreated, s.exchange))
	}
	err := s.outbox.PublishWithState(ctx, func(tx pgx.Tx) error {
		return s.broadcasts.Insert(ctx, tx, b)
	}, events...)
	if err != nil {
		return nil, err
	}

	s.logger.Info("broadcast created",
		slog.String("broadcast_id", b.ID.String()),
		slog.String("status", string(b.Status)),
		slog.String("target_type", string(b.TargetType)))
	return b, nil
}

// Cancel moves a non-terminal broadcast to CANCELLED, retires its PENDING
// rows as SUPERSEDED and emits BROADCAST.CANCELLED, all in one transaction.
// A concurrent expiry or cancel winning the guarded transition surfaces as a
// conflict.
func (s *BroadcastService) Cancel(ctx context.Context, id uuid.UUID) (*model.Broadcast, error) {
	b, err := s.broadcasts.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if b.Terminal() {
		return nil, model.Conflictf("broadcast %s is already %s", id, b.Status)
	}

	err = s.outbox.PublishWithStateFn(ctx, func(tx pgx.Tx) ([]model.OutboxEvent, error) {
		ok, err := s.broadcasts.Transition(ctx, tx, id,
			[]model.BroadcastStatus{model.StatusScheduled, model.StatusActive}, model.StatusCancelled)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, model.Conflictf("broadcast %s reached a terminal status concurrently", id)
		}
		if _, err := s.deliveries.SupersedePending(ctx, tx, id); err != nil {
			return nil, err
		}
		b.Status = model.StatusCancelled
		return []model.OutboxEvent{model.NewBroadcastEvent(b, model.EventCancelled, s.exchange)}, nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(id)
	s.logger.Info("broadcast cancelled", slog.String("broadcast_id", id.String()))
	return b, nil
}

func (s *BroadcastService) Get(ctx context.Context, id uuid.UUID) (*model.Broadcast, error) {
	return s.broadcasts.GetByID(ctx, nil, id)
}

func (s *BroadcastService) List(ctx context.Context, limit, offset int) ([]*model.Broadcast, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.broadcasts.List(ctx, limit, offset)
}

// Statistics returns the live counters for one broadcast. A broadcast created
// but not yet precomputed has no row; that reads as zeroes rather than an
// error.
func (s *BroadcastService) Statistics(ctx context.Context, id uuid.UUID) (*model.Statistics, error) {
	if _, err := s.broadcasts.GetByID(ctx, nil, id); err != nil {
		return nil, err
	}
	st, err := s.stats.Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return &model.Statistics{BroadcastID: id, CalculatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}
