package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// Outbox is the single synchronization point between admin writes and
// delivery fan-out. State mutations and their events commit atomically;
// readers claim rows with skip-locked semantics so concurrent drains never
// double-publish.
type Outbox struct {
	pool *pgxpool.Pool
}

func NewOutbox(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool}
}

// PublishWithState applies the state mutation and appends the events inside
// one transaction: either both persist or neither does.
func (o *Outbox) PublishWithState(ctx context.Context, mutate func(tx pgx.Tx) error, events ...model.OutboxEvent) error {
	return o.PublishWithStateFn(ctx, func(tx pgx.Tx) ([]model.OutboxEvent, error) {
		if mutate != nil {
			if err := mutate(tx); err != nil {
				return nil, err
			}
		}
		return events, nil
	})
}

// PublishWithStateFn is the variant whose event set depends on the mutation
// outcome (e.g. fire-and-forget expiry folded into the first DELIVERED
// transition).
func (o *Outbox) PublishWithStateFn(ctx context.Context, mutate func(tx pgx.Tx) ([]model.OutboxEvent, error)) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	events, err := mutate(tx)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if _, err := tx.Exec(ctx, `
			INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, topic, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType, ev.Topic, ev.Payload, ev.CreatedAt,
		); err != nil {
			return fmt.Errorf("outbox: append event %s: %w", ev.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// Drain claims up to n rows with FOR UPDATE SKIP LOCKED, hands them to the
// publish callback and deletes them on success. If publish fails the
// transaction rolls back and the rows are retried on the next tick; if the
// delete commit fails the rows are re-published, which consumers must absorb
// idempotently.
func (o *Outbox) Drain(ctx context.Context, n int, publish func(batch []model.OutboxEvent) error) (int, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin drain: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch, err := readBatch(ctx, tx, n)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if err := publish(batch); err != nil {
		return 0, err
	}

	ids := make([]uuid.UUID, len(batch))
	for i, ev := range batch {
		ids[i] = ev.ID
	}
	if _, err := tx.Exec(ctx, `DELETE FROM outbox_events WHERE id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("outbox: delete published: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit drain: %w", err)
	}
	return len(batch), nil
}

// readBatch returns unprocessed events in strict (created_at, id) order,
// locked for the duration of the transaction.
func readBatch(ctx context.Context, tx pgx.Tx, n int) ([]model.OutboxEvent, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, topic, payload, created_at
		FROM outbox_events
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, n)
	if err != nil {
		return nil, fmt.Errorf("outbox: read batch: %w", err)
	}
	defer rows.Close()

	var batch []model.OutboxEvent
	for rows.Next() {
		var ev model.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.EventType, &ev.Topic, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		batch = append(batch, ev)
	}
	return batch, rows.Err()
}

// Pending reports the number of undrained rows, exposed on the health
// surface.
func (o *Outbox) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := o.pool.QueryRow(ctx, `SELECT count(*) FROM outbox_events`).Scan(&n)
	return n, err
}
