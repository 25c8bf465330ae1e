package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

const (
	connKeyPrefix      = "sess:conn:"
	recipientKeyPrefix = "sess:recipient:"
	nodeKeyPrefix      = "sess:node:"
	heartbeatKey       = "sess:heartbeat"
)

// SessionRegistry is the distributed recipient -> {node, connection} mapping.
// It is eventually consistent and never a source of truth for delivery:
// a lost row only means a message queues in the inbox instead of pushing
// live. Primary records carry a TTL; the heartbeat zset makes stale
// enumeration O(log n + k).
type SessionRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionRegistry(client *redis.Client, staleThreshold time.Duration) *SessionRegistry {
	return &SessionRegistry{client: client, ttl: 2 * staleThreshold}
}

func connKey(id uuid.UUID) string { return connKeyPrefix + id.String() }

// Register inserts the session and indexes it by recipient, node and
// heartbeat epoch. The upsert is atomic per key, no registry-wide lock.
func (r *SessionRegistry) Register(ctx context.Context, s *model.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session registry: marshal: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, connKey(s.ConnectionID), raw, r.ttl)
	pipe.SAdd(ctx, recipientKeyPrefix+s.RecipientID, s.ConnectionID.String())
	pipe.SAdd(ctx, nodeKeyPrefix+s.NodeID, s.ConnectionID.String())
	pipe.ZAdd(ctx, heartbeatKey, redis.Z{Score: float64(s.LastActivityAt), Member: s.ConnectionID.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session registry: register %s: %w", s.ConnectionID, err)
	}
	return nil
}

// Heartbeat refreshes last-activity for all listed connections and extends
// their record TTLs.
func (r *SessionRegistry) Heartbeat(ctx context.Context, nodeID string, connIDs []uuid.UUID) error {
	if len(connIDs) == 0 {
		return nil
	}
	now := float64(time.Now().UnixMilli())

	pipe := r.client.TxPipeline()
	for _, id := range connIDs {
		pipe.Expire(ctx, connKey(id), r.ttl)
		pipe.ZAdd(ctx, heartbeatKey, redis.Z{Score: now, Member: id.String()})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session registry: heartbeat node %s: %w", nodeID, err)
	}
	return nil
}

// Lookup returns all live sessions for a recipient, lazily pruning members
// whose primary record has expired.
func (r *SessionRegistry) Lookup(ctx context.Context, recipientID string) ([]*model.Session, error) {
	members, err := r.client.SMembers(ctx, recipientKeyPrefix+recipientID).Result()
	if err != nil {
		return nil, fmt.Errorf("session registry: lookup %s: %w", recipientID, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = connKeyPrefix + m
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("session registry: mget: %w", err)
	}

	var sessions []*model.Session
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		s := new(model.Session)
		if err := json.Unmarshal([]byte(raw), s); err != nil {
			stale = append(stale, members[i])
			continue
		}
		sessions = append(sessions, s)
	}
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, recipientKeyPrefix+recipientID, stale...).Err()
	}
	return sessions, nil
}

// IsOnline is the cheap fan-out probe: any live session anywhere in the
// cluster.
func (r *SessionRegistry) IsOnline(ctx context.Context, recipientID string) (bool, error) {
	sessions, err := r.Lookup(ctx, recipientID)
	if err != nil {
		return false, err
	}
	return len(sessions) > 0, nil
}

// StaleBefore enumerates connections whose last heartbeat predates the
// threshold.
func (r *SessionRegistry) StaleBefore(ctx context.Context, threshold time.Time) ([]uuid.UUID, error) {
	members, err := r.client.ZRangeByScore(ctx, heartbeatKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(threshold.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("session registry: stale before: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		if id, err := uuid.Parse(m); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Remove deletes the sessions and all their indices.
func (r *SessionRegistry) Remove(ctx context.Context, connIDs []uuid.UUID) error {
	if len(connIDs) == 0 {
		return nil
	}

	pipe := r.client.TxPipeline()
	for _, id := range connIDs {
		// Read the record first to locate its secondary indices.
		raw, err := r.client.Get(ctx, connKey(id)).Result()
		if err == nil {
			s := new(model.Session)
			if json.Unmarshal([]byte(raw), s) == nil {
				pipe.SRem(ctx, recipientKeyPrefix+s.RecipientID, id.String())
				pipe.SRem(ctx, nodeKeyPrefix+s.NodeID, id.String())
			}
		}
		pipe.Del(ctx, connKey(id))
		pipe.ZRem(ctx, heartbeatKey, id.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session registry: remove: %w", err)
	}
	return nil
}

func (r *SessionRegistry) CountByNode(ctx context.Context, nodeID string) (int64, error) {
	return r.client.SCard(ctx, nodeKeyPrefix+nodeID).Result()
}

func (r *SessionRegistry) CountTotal(ctx context.Context) (int64, error) {
	return r.client.ZCard(ctx, heartbeatKey).Result()
}
