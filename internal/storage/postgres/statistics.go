package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// StatisticsRepo folds delivery and read transitions into monotonic
// per-broadcast counters.
type StatisticsRepo struct {
	pool *pgxpool.Pool
}

func NewStatisticsRepo(pool *pgxpool.Pool) *StatisticsRepo {
	return &StatisticsRepo{pool: pool}
}

func (r *StatisticsRepo) Insert(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, totalTargeted int64) error {
	_, err := pick(r.pool, tx).Exec(ctx, `
		INSERT INTO broadcast_statistics (broadcast_id, total_targeted)
		VALUES ($1, $2)
		ON CONFLICT (broadcast_id) DO UPDATE
		SET total_targeted = GREATEST(broadcast_statistics.total_targeted, EXCLUDED.total_targeted),
		    calculated_at = now()`,
		broadcastID, totalTargeted,
	)
	if err != nil {
		return fmt.Errorf("statistics: insert: %w", err)
	}
	return nil
}

// IncrDelivered bumps total_delivered and folds the delivery latency into the
// running average. Called only on a first PENDING -> DELIVERED transition.
func (r *StatisticsRepo) IncrDelivered(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, deliveryMs int64) error {
	_, err := pick(r.pool, tx).Exec(ctx, `
		UPDATE broadcast_statistics
		SET avg_delivery_time_ms = (avg_delivery_time_ms * total_delivered + $2) / (total_delivered + 1),
		    total_delivered = total_delivered + 1,
		    calculated_at = now()
		WHERE broadcast_id = $1`,
		broadcastID, deliveryMs,
	)
	if err != nil {
		return fmt.Errorf("statistics: incr delivered: %w", err)
	}
	return nil
}

func (r *StatisticsRepo) IncrRead(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID) error {
	_, err := pick(r.pool, tx).Exec(ctx, `
		UPDATE broadcast_statistics
		SET total_read = total_read + 1, calculated_at = now()
		WHERE broadcast_id = $1`,
		broadcastID,
	)
	if err != nil {
		return fmt.Errorf("statistics: incr read: %w", err)
	}
	return nil
}

func (r *StatisticsRepo) IncrFailed(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID) error {
	_, err := pick(r.pool, tx).Exec(ctx, `
		UPDATE broadcast_statistics
		SET total_failed = total_failed + 1, calculated_at = now()
		WHERE broadcast_id = $1`,
		broadcastID,
	)
	if err != nil {
		return fmt.Errorf("statistics: incr failed: %w", err)
	}
	return nil
}

func (r *StatisticsRepo) Get(ctx context.Context, broadcastID uuid.UUID) (*model.Statistics, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT broadcast_id, total_targeted, total_delivered, total_read, total_failed,
		       avg_delivery_time_ms, calculated_at
		FROM broadcast_statistics WHERE broadcast_id = $1`, broadcastID)

	s := new(model.Statistics)
	err := row.Scan(&s.BroadcastID, &s.TotalTargeted, &s.TotalDelivered, &s.TotalRead,
		&s.TotalFailed, &s.AvgDeliveryTimeMs, &s.CalculatedAt)
	if err == pgx.ErrNoRows {
		return nil, model.NotFoundf("statistics")
	}
	if err != nil {
		return nil, fmt.Errorf("statistics: get: %w", err)
	}
	return s, nil
}
