// Package outbox drains the transactional outbox onto the orchestration bus.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/webitel/broadcast-delivery-service/internal/adapter/pubsub"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

const lockName = "outbox-relay"

// Drainer claims, hands off and deletes outbox rows transactionally.
// Implemented by the postgres outbox store.
type Drainer interface {
	Drain(ctx context.Context, n int, publish func(batch []model.OutboxEvent) error) (int, error)
}

// Locker provides the cluster-wide single-winner lock guarding the drain.
type Locker interface {
	Acquire(ctx context.Context, name string, lockAtLeast, lockAtMost time.Duration) (release func(context.Context), ok bool, err error)
}

// Relay is the single-winner worker that moves outbox rows to the bus.
// At-least-once on the bus; consumers deduplicate by event id.
type Relay struct {
	drainer    Drainer
	dispatcher pubsub.EventDispatcher
	locker     Locker
	logger     *slog.Logger

	batchSize   int
	interval    time.Duration
	lockAtLeast time.Duration
	lockAtMost  time.Duration
}

func NewRelay(drainer Drainer, dispatcher pubsub.EventDispatcher, locker Locker, logger *slog.Logger,
	batchSize int, interval, lockAtLeast, lockAtMost time.Duration) *Relay {
	return &Relay{
		drainer:     drainer,
		dispatcher:  dispatcher,
		locker:      locker,
		logger:      logger.With(slog.String("component", "outbox-relay")),
		batchSize:   batchSize,
		interval:    interval,
		lockAtLeast: lockAtLeast,
		lockAtMost:  lockAtMost,
	}
}

// Run loops until the context is cancelled. Backoff is linear on bus errors
// and immediate while full batches keep coming.
func (r *Relay) Run(ctx context.Context) {
	errStreak := 0
	for {
		wait := r.interval
		if errStreak > 0 {
			wait = r.interval * time.Duration(errStreak+1)
			if wait > 10*time.Second {
				wait = 10 * time.Second
			}
		}

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return
		case <-time.After(wait):
		}

		n, err := r.tick(ctx)
		switch {
		case err != nil:
			errStreak++
			r.logger.Warn("drain failed", slog.Any("err", err))
		case n == r.batchSize:
			// A full batch suggests backlog: drain again without waiting.
			errStreak = 0
			for n == r.batchSize && ctx.Err() == nil {
				if n, err = r.tick(ctx); err != nil {
					errStreak++
					break
				}
			}
		default:
			errStreak = 0
		}
	}
}

// tick performs one locked drain round.
func (r *Relay) tick(ctx context.Context) (int, error) {
	release, ok, err := r.locker.Acquire(ctx, lockName, r.lockAtLeast, r.lockAtMost)
	if err != nil {
		return 0, fmt.Errorf("relay: lock: %w", err)
	}
	if !ok {
		return 0, nil
	}
	defer release(ctx)

	return r.drainer.Drain(ctx, r.batchSize, func(batch []model.OutboxEvent) error {
		for _, ev := range batch {
			if err := r.dispatcher.Raw(ctx, RoutingKey(ev), ev.Payload, map[string]string{
				"event_type":     string(ev.EventType),
				"aggregate_type": string(ev.AggregateType),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// RoutingKey maps an outbox row to its bus partitioning key: the aggregate
// id, prefixed by type. DELIVERY/READ events carry the recipient id,
// BROADCAST events the broadcast id, which yields per-recipient ordering.
func RoutingKey(ev model.OutboxEvent) string {
	return strings.ToLower(string(ev.AggregateType)) + "." + ev.AggregateID
}
