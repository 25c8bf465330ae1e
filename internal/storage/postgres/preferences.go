package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PreferencesRepo tracks per-recipient delivery opt-outs. Muted recipients
// are excluded at fan-out time.
type PreferencesRepo struct {
	pool *pgxpool.Pool
}

func NewPreferencesRepo(pool *pgxpool.Pool) *PreferencesRepo {
	return &PreferencesRepo{pool: pool}
}

func (r *PreferencesRepo) SetMuted(ctx context.Context, recipientID string, muted bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO recipient_preferences (recipient_id, muted)
		VALUES ($1, $2)
		ON CONFLICT (recipient_id) DO UPDATE SET muted = EXCLUDED.muted, updated_at = now()`,
		recipientID, muted,
	)
	if err != nil {
		return fmt.Errorf("preferences: set muted: %w", err)
	}
	return nil
}

// FilterMuted returns the subset of the given recipients that opted out.
func (r *PreferencesRepo) FilterMuted(ctx context.Context, recipients []string) (map[string]bool, error) {
	muted := make(map[string]bool)
	if len(recipients) == 0 {
		return muted, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT recipient_id FROM recipient_preferences
		WHERE muted AND recipient_id = ANY($1)`, recipients)
	if err != nil {
		return nil, fmt.Errorf("preferences: filter muted: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		muted[id] = true
	}
	return muted, rows.Err()
}
