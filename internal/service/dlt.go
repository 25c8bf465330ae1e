package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// DLTService is the operator surface over captured dead letters: inspect,
// replay, purge. Redrive re-enters through the outbox (not the bus directly),
// so a replayed event gets the same at-least-once and ordering treatment as
// any first-time event.
type DLTService struct {
	dead       DeadLetterStore
	broadcasts BroadcastStore
	deliveries DeliveryStore
	flags      FailureInjector
	outbox     OutboxStore
	exchange   string
	logger     *slog.Logger
}

func NewDLTService(
	dead DeadLetterStore,
	broadcasts BroadcastStore,
	deliveries DeliveryStore,
	flags FailureInjector,
	outbox OutboxStore,
	exchange string,
	logger *slog.Logger,
) *DLTService {
	return &DLTService{
		dead:       dead,
		broadcasts: broadcasts,
		deliveries: deliveries,
		flags:      flags,
		outbox:     outbox,
		exchange:   exchange,
		logger:     logger.With(slog.String("component", "dlt")),
	}
}

func (s *DLTService) List(ctx context.Context, limit, offset int) ([]*model.DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.dead.List(ctx, limit, offset)
}

// Redrive replays one dead letter. Rules: the broadcast must still exist and
// must not be terminal (a delivery replayed into an EXPIRED or CANCELLED
// broadcast would violate the no-late-delivery guarantee). Any forced-failure
// flag on the broadcast is lifted first so the replay can actually succeed.
func (s *DLTService) Redrive(ctx context.Context, id uuid.UUID) error {
	dl, err := s.dead.Get(ctx, id)
	if err != nil {
		return err
	}
	if dl.BroadcastID == uuid.Nil {
		return model.Conflictf("dead letter %s carries no broadcast reference", id)
	}

	b, err := s.broadcasts.GetByID(ctx, nil, dl.BroadcastID)
	if err != nil {
		return err
	}
	if b.Terminal() {
		return model.Conflictf("broadcast %s is %s, refusing redrive", b.ID, b.Status)
	}

	if err := s.flags.ClearBroadcast(ctx, b.ID); err != nil {
		s.logger.Warn("failure flag not cleared", slog.Any("err", err))
	}

	ev := model.NewBroadcastEvent(b, model.EventRedriveRequested, s.exchange)
	err = s.outbox.PublishWithState(ctx, func(tx pgx.Tx) error {
		// A delivery-scoped letter names the recipient whose row got stuck;
		// move it back to PENDING so the replayed fan-out reaches them again.
		if dl.OriginalKey == "" {
			return nil
		}
		reset, err := s.deliveries.ResetToPending(ctx, tx, b.ID, dl.OriginalKey)
		if err != nil {
			return err
		}
		if !reset {
			s.logger.Warn("no delivery row to reset",
				slog.String("broadcast_id", b.ID.String()),
				slog.String("recipient_id", dl.OriginalKey))
		}
		return nil
	}, ev)
	if err != nil {
		return err
	}
	if _, err := s.dead.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("dead letter redriven",
		slog.String("dead_letter_id", id.String()),
		slog.String("broadcast_id", b.ID.String()))
	return nil
}

// RedriveAll replays the whole queue, page by page, and reports per-letter
// outcomes instead of aborting on the first failure. Each letter is attempted
// at most once per sweep: refused letters stay in the table and are skipped
// when the shrinking pages surface them again.
func (s *DLTService) RedriveAll(ctx context.Context) (*model.RedriveSummary, error) {
	summary := new(model.RedriveSummary)
	attempted := make(map[uuid.UUID]struct{})

	const page = 100
	refused := 0
	for {
		letters, err := s.dead.List(ctx, page, refused)
		if err != nil {
			return summary, err
		}

		fresh := false
		for _, dl := range letters {
			if _, seen := attempted[dl.ID]; seen {
				continue
			}
			attempted[dl.ID] = struct{}{}
			fresh = true

			summary.Requested++
			if err := s.Redrive(ctx, dl.ID); err != nil {
				summary.Failed++
				refused++
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", dl.ID, err))
				continue
			}
			summary.Succeeded++
		}
		if !fresh {
			return summary, nil
		}
	}
}

func (s *DLTService) Purge(ctx context.Context, id uuid.UUID) error {
	ok, err := s.dead.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return model.NotFoundf("dead letter %s", id)
	}
	return nil
}

func (s *DLTService) PurgeAll(ctx context.Context) (int64, error) {
	n, err := s.dead.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("dead letter queue purged", slog.Int64("removed", n))
	return n, nil
}

// PurgeOlderThan backs the retention job.
func (s *DLTService) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.dead.DeleteOlderThan(ctx, cutoff)
}
