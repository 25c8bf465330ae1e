package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

// Jobs bundles the periodic maintenance work of the delivery pipeline.
type Jobs struct {
	cfg        *config.Config
	broadcasts service.BroadcastStore
	outbox     service.OutboxStore
	locator    service.SessionLocator
	sessions   service.SessionStore
	inbox      service.InboxCacher
	dlt        *service.DLTService
	targeting  *service.TargetingService
	logger     *slog.Logger
}

func NewJobs(
	cfg *config.Config,
	broadcasts service.BroadcastStore,
	outbox service.OutboxStore,
	locator service.SessionLocator,
	sessions service.SessionStore,
	inbox service.InboxCacher,
	dlt *service.DLTService,
	targeting *service.TargetingService,
	logger *slog.Logger,
) *Jobs {
	return &Jobs{
		cfg:        cfg,
		broadcasts: broadcasts,
		outbox:     outbox,
		locator:    locator,
		sessions:   sessions,
		inbox:      inbox,
		dlt:        dlt,
		targeting:  targeting,
		logger:     logger,
	}
}

// ActivateDue walks SCHEDULED broadcasts inside the prefetch window. Rows not
// yet due get their audience precomputed so activation is a cheap status flip;
// due rows transition to ACTIVE and emit their BROADCAST.CREATED event, one
// transaction per broadcast so a single bad row cannot wedge the whole batch.
// The fan-out consumer re-runs the same conflict-free expansion, so a missed
// or partial precomputation only costs latency, never correctness.
func (j *Jobs) ActivateDue(ctx context.Context) error {
	now := time.Now().UTC()
	window, err := j.broadcasts.FindScheduledDue(ctx, now.Add(j.cfg.Jobs.PrefetchWindow), j.cfg.Jobs.BatchSize)
	if err != nil {
		return err
	}

	for _, b := range window {
		if b.ScheduledAt != nil && b.ScheduledAt.After(now) {
			j.precomputeTargets(ctx, b)
			continue
		}
		err := j.outbox.PublishWithStateFn(ctx, func(tx pgx.Tx) ([]model.OutboxEvent, error) {
			ok, err := j.broadcasts.Transition(ctx, tx, b.ID,
				[]model.BroadcastStatus{model.StatusScheduled}, model.StatusActive)
			if err != nil || !ok {
				return nil, err // lost to a concurrent cancel, skip quietly
			}
			b.Status = model.StatusActive
			return []model.OutboxEvent{
				model.NewBroadcastEvent(b, model.EventCreated, j.cfg.Bus.Exchange),
			}, nil
		})
		if err != nil {
			j.logger.Warn("activation failed",
				slog.String("broadcast_id", b.ID.String()), slog.Any("err", err))
			continue
		}
		j.logger.Info("broadcast activated", slog.String("broadcast_id", b.ID.String()))
	}
	return nil
}

// precomputeTargets materializes the delivery rows of an upcoming broadcast
// ahead of its scheduled time. Failures are only logged: the next tick retries,
// and the activation fan-out expands the audience again regardless.
func (j *Jobs) precomputeTargets(ctx context.Context, b *model.Broadcast) {
	recipients, err := j.targeting.Expand(ctx, b.TargetType, b.TargetIDs)
	if err != nil {
		j.logger.Warn("target precomputation failed",
			slog.String("broadcast_id", b.ID.String()), slog.Any("err", err))
		return
	}
	if len(recipients) == 0 {
		return
	}
	if _, err := j.targeting.Precompute(ctx, nil, b.ID, recipients); err != nil {
		j.logger.Warn("target precomputation failed",
			slog.String("broadcast_id", b.ID.String()), slog.Any("err", err))
	}
}

// SweepExpired retires ACTIVE broadcasts past their expires_at. The guarded
// transition makes the sweep race-safe against cancels and against the
// fire-and-forget completion path.
func (j *Jobs) SweepExpired(ctx context.Context) error {
	expired, err := j.broadcasts.FindActiveExpired(ctx, time.Now().UTC(), j.cfg.Jobs.BatchSize)
	if err != nil {
		return err
	}

	for _, b := range expired {
		err := j.outbox.PublishWithStateFn(ctx, func(tx pgx.Tx) ([]model.OutboxEvent, error) {
			ok, err := j.broadcasts.Transition(ctx, tx, b.ID,
				[]model.BroadcastStatus{model.StatusActive}, model.StatusExpired)
			if err != nil || !ok {
				return nil, err
			}
			b.Status = model.StatusExpired
			return []model.OutboxEvent{
				model.NewBroadcastEvent(b, model.EventExpired, j.cfg.Bus.Exchange),
			}, nil
		})
		if err != nil {
			j.logger.Warn("expiry failed",
				slog.String("broadcast_id", b.ID.String()), slog.Any("err", err))
			continue
		}
		j.logger.Info("broadcast expired", slog.String("broadcast_id", b.ID.String()))
	}
	return nil
}

// ReapStaleSessions removes registry rows whose heartbeat stopped: crashed
// nodes leave sessions behind, and routing to them would silently drop
// frames.
func (j *Jobs) ReapStaleSessions(ctx context.Context) error {
	threshold := time.Now().Add(-j.cfg.Session.StaleThreshold)
	stale, err := j.locator.StaleBefore(ctx, threshold)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	if err := j.locator.Remove(ctx, stale); err != nil {
		return err
	}
	for _, id := range stale {
		if err := j.sessions.MarkDisconnected(ctx, id); err != nil {
			j.logger.Warn("stale session audit close failed",
				slog.String("connection_id", id.String()), slog.Any("err", err))
		}
	}
	j.logger.Info("stale sessions reaped", slog.Int("count", len(stale)))
	return nil
}

// TrimInboxCache keeps the shared cache region inside its budget by evicting
// random snapshots above the threshold.
func (j *Jobs) TrimInboxCache(ctx context.Context) error {
	size, err := j.inbox.Size(ctx)
	if err != nil {
		return err
	}
	over := size - j.cfg.Inbox.CleanupThreshold
	if over <= 0 {
		return nil
	}

	evicted, err := j.inbox.EvictRandom(ctx, over)
	if err != nil {
		return err
	}
	j.logger.Info("inbox cache trimmed",
		slog.Int64("size", size), slog.Int64("evicted", evicted))
	return nil
}

// PurgeRetention drops aged audit rows and dead letters.
func (j *Jobs) PurgeRetention(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-j.cfg.Session.PurgeRetention)

	sessions, err := j.sessions.PurgeDisconnectedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	letters, err := j.dlt.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if sessions > 0 || letters > 0 {
		j.logger.Info("retention purge",
			slog.Int64("sessions", sessions), slog.Int64("dead_letters", letters))
	}
	return nil
}
