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

// DeliveryRepo persists the per-recipient delivery rows. Every transition is
// a guarded update keyed on the unique (broadcast_id, recipient_id) pair so
// replayed bus messages cannot regress state.
type DeliveryRepo struct {
	pool *pgxpool.Pool
}

func NewDeliveryRepo(pool *pgxpool.Pool) *DeliveryRepo {
	return &DeliveryRepo{pool: pool}
}

// InsertPendingBatch materializes PENDING rows for a recipient set.
// ON CONFLICT DO NOTHING makes precomputation retries idempotent; partial
// progress from a failed earlier attempt is simply completed.
func (r *DeliveryRepo) InsertPendingBatch(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, recipients []string) (int64, error) {
	if len(recipients) == 0 {
		return 0, nil
	}
	tag, err := pick(r.pool, tx).Exec(ctx, `
		INSERT INTO recipient_deliveries (broadcast_id, recipient_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT (broadcast_id, recipient_id) DO NOTHING`,
		broadcastID, recipients,
	)
	if err != nil {
		return 0, fmt.Errorf("delivery: insert pending batch: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkDelivered performs the sticky PENDING -> DELIVERED transition.
// Returns false when the row was already DELIVERED (or READ), which callers
// treat as a duplicate to ignore.
func (r *DeliveryRepo) MarkDelivered(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, recipientID string, at time.Time) (bool, error) {
	tag, err := pick(r.pool, tx).Exec(ctx, `
		UPDATE recipient_deliveries
		SET delivery_status = 'DELIVERED', delivered_at = $3, updated_at = now()
		WHERE broadcast_id = $1 AND recipient_id = $2 AND delivery_status = 'PENDING'`,
		broadcastID, recipientID, at,
	)
	if err != nil {
		return false, fmt.Errorf("delivery: mark delivered: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRead performs the sticky -> READ transition. READ implies DELIVERED, so
// a row still PENDING (read raced ahead of the delivery ack) is stamped
// DELIVERED in the same statement.
func (r *DeliveryRepo) MarkRead(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, recipientID string, at time.Time) (bool, error) {
	tag, err := pick(r.pool, tx).Exec(ctx, `
		UPDATE recipient_deliveries
		SET read_status = 'READ',
		    read_at = $3,
		    delivery_status = 'DELIVERED',
		    delivered_at = COALESCE(delivered_at, $3),
		    updated_at = now()
		WHERE broadcast_id = $1 AND recipient_id = $2 AND read_status = 'UNREAD'
		  AND delivery_status IN ('PENDING', 'DELIVERED')`,
		broadcastID, recipientID, at,
	)
	if err != nil {
		return false, fmt.Errorf("delivery: mark read: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetToPending is the redrive path: the one sanctioned regression, moving a
// row back to PENDING and clearing its delivery stamp.
func (r *DeliveryRepo) ResetToPending(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, recipientID string) (bool, error) {
	tag, err := pick(r.pool, tx).Exec(ctx, `
		UPDATE recipient_deliveries
		SET delivery_status = 'PENDING', delivered_at = NULL, updated_at = now()
		WHERE broadcast_id = $1 AND recipient_id = $2`,
		broadcastID, recipientID,
	)
	if err != nil {
		return false, fmt.Errorf("delivery: reset to pending: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SupersedePending retires still-PENDING rows when their broadcast is
// cancelled before reaching those recipients.
func (r *DeliveryRepo) SupersedePending(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID) (int64, error) {
	tag, err := pick(r.pool, tx).Exec(ctx, `
		UPDATE recipient_deliveries
		SET delivery_status = 'SUPERSEDED', updated_at = now()
		WHERE broadcast_id = $1 AND delivery_status = 'PENDING'`,
		broadcastID,
	)
	if err != nil {
		return 0, fmt.Errorf("delivery: supersede pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *DeliveryRepo) Get(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID, recipientID string) (*model.Delivery, error) {
	row := pick(r.pool, tx).QueryRow(ctx, `
		SELECT broadcast_id, recipient_id, delivery_status, read_status,
		       delivered_at, read_at, created_at, updated_at
		FROM recipient_deliveries
		WHERE broadcast_id = $1 AND recipient_id = $2`,
		broadcastID, recipientID,
	)
	d := new(model.Delivery)
	err := row.Scan(&d.BroadcastID, &d.RecipientID, &d.DeliveryStatus, &d.ReadStatus,
		&d.DeliveredAt, &d.ReadAt, &d.CreatedAt, &d.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, model.NotFoundf("delivery row")
	}
	if err != nil {
		return nil, fmt.Errorf("delivery: get: %w", err)
	}
	return d, nil
}

// ListByRecipient returns the recipient's delivery rows, newest first.
// unreadOnly narrows to rows not yet read; activeOnly keeps rows of
// non-terminal broadcasts.
func (r *DeliveryRepo) ListByRecipient(ctx context.Context, recipientID string, unreadOnly, activeOnly bool, limit int) ([]*model.Delivery, error) {
	q := `
		SELECT d.broadcast_id, d.recipient_id, d.delivery_status, d.read_status,
		       d.delivered_at, d.read_at, d.created_at, d.updated_at
		FROM recipient_deliveries d
		JOIN broadcasts b ON b.id = d.broadcast_id
		WHERE d.recipient_id = $1
		  AND d.delivery_status IN ('PENDING', 'DELIVERED')`
	if unreadOnly {
		q += ` AND d.read_status = 'UNREAD'`
	}
	if activeOnly {
		q += ` AND b.status = 'ACTIVE'`
	}
	q += ` ORDER BY d.created_at DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, q, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("delivery: list by recipient: %w", err)
	}
	defer rows.Close()

	var out []*model.Delivery
	for rows.Next() {
		d := new(model.Delivery)
		if err := rows.Scan(&d.BroadcastID, &d.RecipientID, &d.DeliveryStatus, &d.ReadStatus,
			&d.DeliveredAt, &d.ReadAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("delivery: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListPendingByRecipient feeds the connect-time catch-up: rows still owed to
// a reconnecting recipient, oldest first so push order matches creation
// order.
func (r *DeliveryRepo) ListPendingByRecipient(ctx context.Context, recipientID string, limit int) ([]*model.Delivery, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT d.broadcast_id, d.recipient_id, d.delivery_status, d.read_status,
		       d.delivered_at, d.read_at, d.created_at, d.updated_at
		FROM recipient_deliveries d
		JOIN broadcasts b ON b.id = d.broadcast_id
		WHERE d.recipient_id = $1 AND d.delivery_status = 'PENDING' AND b.status = 'ACTIVE'
		ORDER BY d.created_at
		LIMIT $2`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("delivery: list pending: %w", err)
	}
	defer rows.Close()

	var out []*model.Delivery
	for rows.Next() {
		d := new(model.Delivery)
		if err := rows.Scan(&d.BroadcastID, &d.RecipientID, &d.DeliveryStatus, &d.ReadStatus,
			&d.DeliveredAt, &d.ReadAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("delivery: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecipientsOf lists every recipient holding a row for the broadcast, used to
// target removal notifications and cache invalidation.
func (r *DeliveryRepo) RecipientsOf(ctx context.Context, tx pgx.Tx, broadcastID uuid.UUID) ([]string, error) {
	rows, err := pick(r.pool, tx).Query(ctx, `
		SELECT recipient_id FROM recipient_deliveries WHERE broadcast_id = $1`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("delivery: recipients of: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
