package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

const broadcastColumns = `id, sender_id, sender_name, content, target_type, target_ids,
	priority, category, scheduled_at, expires_at, fire_and_forget, correlation_id,
	status, created_at, updated_at`

// BroadcastRepo persists the broadcast aggregate.
type BroadcastRepo struct {
	pool *pgxpool.Pool
}

func NewBroadcastRepo(pool *pgxpool.Pool) *BroadcastRepo {
	return &BroadcastRepo{pool: pool}
}

func scanBroadcast(row pgx.Row) (*model.Broadcast, error) {
	b := new(model.Broadcast)
	err := row.Scan(
		&b.ID, &b.SenderID, &b.SenderName, &b.Content, &b.TargetType, &b.TargetIDs,
		&b.Priority, &b.Category, &b.ScheduledAt, &b.ExpiresAt, &b.FireAndForget,
		&b.CorrelationID, &b.Status, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundf("broadcast")
	}
	if err != nil {
		return nil, fmt.Errorf("broadcast: scan: %w", err)
	}
	return b, nil
}

func (r *BroadcastRepo) Insert(ctx context.Context, tx pgx.Tx, b *model.Broadcast) error {
	_, err := pick(r.pool, tx).Exec(ctx, `
		INSERT INTO broadcasts (`+broadcastColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		b.ID, b.SenderID, b.SenderName, b.Content, b.TargetType, b.TargetIDs,
		b.Priority, b.Category, b.ScheduledAt, b.ExpiresAt, b.FireAndForget,
		b.CorrelationID, b.Status, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("broadcast: insert: %w", err)
	}
	return nil
}

func (r *BroadcastRepo) GetByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.Broadcast, error) {
	row := pick(r.pool, tx).QueryRow(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE id = $1`, id)
	return scanBroadcast(row)
}

func (r *BroadcastRepo) List(ctx context.Context, limit, offset int) ([]*model.Broadcast, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+broadcastColumns+` FROM broadcasts
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("broadcast: list: %w", err)
	}
	defer rows.Close()

	var out []*model.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Transition advances the status machine with a guarded update; zero rows
// affected means the broadcast was not in any of the expected states.
func (r *BroadcastRepo) Transition(ctx context.Context, tx pgx.Tx, id uuid.UUID, from []model.BroadcastStatus, to model.BroadcastStatus) (bool, error) {
	tag, err := pick(r.pool, tx).Exec(ctx, `
		UPDATE broadcasts SET status = $1, updated_at = now()
		WHERE id = $2 AND status = ANY($3)`,
		to, id, statusStrings(from),
	)
	if err != nil {
		return false, fmt.Errorf("broadcast: transition to %s: %w", to, err)
	}
	return tag.RowsAffected() == 1, nil
}

func statusStrings(in []model.BroadcastStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// FindScheduledDue returns SCHEDULED broadcasts entering the prefetch window,
// for targeting precomputation and activation.
func (r *BroadcastRepo) FindScheduledDue(ctx context.Context, before time.Time, limit int) ([]*model.Broadcast, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+broadcastColumns+` FROM broadcasts
		WHERE status = 'SCHEDULED' AND scheduled_at <= $1
		ORDER BY scheduled_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("broadcast: find scheduled: %w", err)
	}
	defer rows.Close()

	var out []*model.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// FindActiveExpired returns ACTIVE broadcasts whose expiry has passed.
func (r *BroadcastRepo) FindActiveExpired(ctx context.Context, now time.Time, limit int) ([]*model.Broadcast, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+broadcastColumns+` FROM broadcasts
		WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("broadcast: find expired: %w", err)
	}
	defer rows.Close()

	var out []*model.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
