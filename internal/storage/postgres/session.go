package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// SessionRepo keeps the durable session history. The Redis registry is the
// live lookup path; these rows exist for audit and are reaped by the daily
// purge job.
type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func (r *SessionRepo) Insert(ctx context.Context, s *model.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (connection_id, recipient_id, node_id, cluster_id, connected_at, last_activity_at)
		VALUES ($1, $2, $3, $4, to_timestamp($5::double precision / 1000), to_timestamp($6::double precision / 1000))
		ON CONFLICT (connection_id) DO NOTHING`,
		s.ConnectionID, s.RecipientID, s.NodeID, s.ClusterID, s.ConnectedAt, s.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("session: insert: %w", err)
	}
	return nil
}

func (r *SessionRepo) MarkDisconnected(ctx context.Context, connectionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions SET disconnected_at = now(), last_activity_at = now()
		WHERE connection_id = $1 AND disconnected_at IS NULL`,
		connectionID,
	)
	if err != nil {
		return fmt.Errorf("session: mark disconnected: %w", err)
	}
	return nil
}

// PurgeDisconnectedBefore deletes session rows that disconnected before the
// retention cutoff.
func (r *SessionRepo) PurgeDisconnectedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM sessions
		WHERE disconnected_at IS NOT NULL AND disconnected_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("session: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
