package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"github.com/webitel/broadcast-delivery-service/internal/domain/registry"
)

// catchUpLimit caps how many owed messages are re-pushed on one reconnect;
// anything beyond stays in the inbox for explicit pull.
const catchUpLimit = 100

// Deliverer binds transports to the push layer: it opens and closes
// connections, publishes them into the distributed registry and replays owed
// messages on reconnect.
type Deliverer struct {
	hub        registry.Hubber
	locator    SessionLocator
	sessions   SessionStore
	deliveries DeliveryStore
	cache      *BroadcastCache
	logger     *slog.Logger

	nodeID    string
	clusterID string
	session   config.Session
}

func NewDeliverer(
	cfg *config.Config,
	hub registry.Hubber,
	locator SessionLocator,
	sessions SessionStore,
	deliveries DeliveryStore,
	cache *BroadcastCache,
	logger *slog.Logger,
) *Deliverer {
	return &Deliverer{
		hub:        hub,
		locator:    locator,
		sessions:   sessions,
		deliveries: deliveries,
		cache:      cache,
		logger:     logger.With(slog.String("component", "deliverer")),
		nodeID:     cfg.Node.ID,
		clusterID:  cfg.Node.ClusterID,
		session:    cfg.Session,
	}
}

// Subscribe opens a push connection for the recipient: local hub attach,
// distributed registry row, durable audit row, then a CONNECTED greeting and
// the pending catch-up. The registry write is mandatory (without it no other
// node can route to this session); the audit row is best-effort.
func (d *Deliverer) Subscribe(ctx context.Context, recipientID string) (registry.Connector, error) {
	conn := registry.NewConnector(ctx, recipientID,
		d.session.QueueSize, d.session.MaxFlushTimeouts, d.session.FlushWindow, d.session.MaxLifetime)

	if err := d.hub.Register(conn); err != nil {
		conn.Close()
		return nil, err
	}

	now := time.Now()
	sess := &model.Session{
		RecipientID:    recipientID,
		ConnectionID:   conn.GetID(),
		NodeID:         d.nodeID,
		ClusterID:      d.clusterID,
		ConnectedAt:    now.UnixMilli(),
		LastActivityAt: now.UnixMilli(),
	}
	if err := d.locator.Register(ctx, sess); err != nil {
		d.hub.Unregister(recipientID, conn.GetID())
		conn.Close()
		return nil, err
	}
	if err := d.sessions.Insert(ctx, sess); err != nil {
		d.logger.Warn("session audit row not written",
			slog.String("connection_id", conn.GetID().String()), slog.Any("err", err))
	}

	d.hub.Broadcast(event.NewConnected(recipientID, conn.GetID(), d.nodeID))
	go d.catchUp(recipientID)

	d.logger.Info("session opened",
		slog.String("recipient_id", recipientID),
		slog.String("connection_id", conn.GetID().String()))
	return conn, nil
}

// Unsubscribe tears the connection down across all three layers. Registry
// removal is best-effort: an orphaned row expires by TTL and is swept by the
// stale-session job.
func (d *Deliverer) Unsubscribe(ctx context.Context, conn registry.Connector) {
	d.hub.Unregister(conn.GetRecipientID(), conn.GetID())
	conn.Close()

	if err := d.locator.Remove(ctx, []uuid.UUID{conn.GetID()}); err != nil {
		d.logger.Warn("registry remove failed",
			slog.String("connection_id", conn.GetID().String()), slog.Any("err", err))
	}
	if err := d.sessions.MarkDisconnected(ctx, conn.GetID()); err != nil {
		d.logger.Warn("session audit close failed",
			slog.String("connection_id", conn.GetID().String()), slog.Any("err", err))
	}
	d.logger.Info("session closed",
		slog.String("recipient_id", conn.GetRecipientID()),
		slog.String("connection_id", conn.GetID().String()))
}

// catchUp re-pushes messages still owed to a reconnecting recipient, oldest
// first. Failures here are silent by design: the rows stay PENDING and the
// inbox pull surface still has them.
func (d *Deliverer) catchUp(recipientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pending, err := d.deliveries.ListPendingByRecipient(ctx, recipientID, catchUpLimit)
	if err != nil {
		d.logger.Warn("catch-up query failed",
			slog.String("recipient_id", recipientID), slog.Any("err", err))
		return
	}

	now := time.Now()
	for _, row := range pending {
		b, err := d.cache.Get(ctx, row.BroadcastID)
		if err != nil {
			d.logger.Warn("catch-up broadcast lookup failed",
				slog.String("broadcast_id", row.BroadcastID.String()), slog.Any("err", err))
			continue
		}
		if !b.Deliverable(now) {
			continue
		}
		d.hub.Broadcast(event.NewMessage(recipientID, b))
	}
}

// SessionRefresher feeds hub heartbeats into the distributed registry,
// keeping TTLs of this node's connections alive. Separate from the Deliverer
// because the hub needs it at construction time.
type SessionRefresher struct {
	locator SessionLocator
	nodeID  string
	logger  *slog.Logger
}

func NewSessionRefresher(cfg *config.Config, locator SessionLocator, logger *slog.Logger) *SessionRefresher {
	return &SessionRefresher{
		locator: locator,
		nodeID:  cfg.Node.ID,
		logger:  logger.With(slog.String("component", "session-refresher")),
	}
}

func (r *SessionRefresher) RefreshSessions(connIDs []uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.locator.Heartbeat(ctx, r.nodeID, connIDs); err != nil {
		r.logger.Warn("heartbeat refresh failed",
			slog.Int("connections", len(connIDs)), slog.Any("err", err))
	}
}
