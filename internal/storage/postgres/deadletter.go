package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// DeadLetterRepo stores exhausted bus messages with full replay context.
type DeadLetterRepo struct {
	pool *pgxpool.Pool
}

func NewDeadLetterRepo(pool *pgxpool.Pool) *DeadLetterRepo {
	return &DeadLetterRepo{pool: pool}
}

func (r *DeadLetterRepo) Insert(ctx context.Context, dl *model.DeadLetter) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, broadcast_id, original_key, original_topic,
			original_partition, original_offset, exception_message, payload, failed_at, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		dl.ID, nilUUID(dl.BroadcastID), dl.OriginalKey, dl.OriginalTopic,
		dl.OriginalPartition, dl.OriginalOffset, dl.ExceptionMessage, dl.Payload,
		dl.FailedAt, dl.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("deadletter: insert: %w", err)
	}
	return nil
}

func nilUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func (r *DeadLetterRepo) Get(ctx context.Context, id uuid.UUID) (*model.DeadLetter, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, COALESCE(broadcast_id, '00000000-0000-0000-0000-000000000000'),
		       original_key, original_topic, original_partition, original_offset,
		       exception_message, payload, failed_at, correlation_id
		FROM dead_letters WHERE id = $1`, id)
	return scanDeadLetter(row)
}

func scanDeadLetter(row pgx.Row) (*model.DeadLetter, error) {
	dl := new(model.DeadLetter)
	err := row.Scan(&dl.ID, &dl.BroadcastID, &dl.OriginalKey, &dl.OriginalTopic,
		&dl.OriginalPartition, &dl.OriginalOffset, &dl.ExceptionMessage,
		&dl.Payload, &dl.FailedAt, &dl.CorrelationID)
	if err == pgx.ErrNoRows {
		return nil, model.NotFoundf("dead letter")
	}
	if err != nil {
		return nil, fmt.Errorf("deadletter: scan: %w", err)
	}
	return dl, nil
}

func (r *DeadLetterRepo) List(ctx context.Context, limit, offset int) ([]*model.DeadLetter, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, COALESCE(broadcast_id, '00000000-0000-0000-0000-000000000000'),
		       original_key, original_topic, original_partition, original_offset,
		       exception_message, payload, failed_at, correlation_id
		FROM dead_letters ORDER BY failed_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	defer rows.Close()

	var out []*model.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (r *DeadLetterRepo) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deadletter: delete: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *DeadLetterRepo) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM dead_letters`)
	if err != nil {
		return 0, fmt.Errorf("deadletter: delete all: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOlderThan enforces the DLT retention window.
func (r *DeadLetterRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM dead_letters WHERE failed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deadletter: delete older than: %w", err)
	}
	return tag.RowsAffected(), nil
}
