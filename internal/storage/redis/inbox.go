package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

const (
	inboxKeyPrefix = "inbox:"
	inboxKeySet    = "inbox:keys"
)

// InboxCache is the cluster-shared, lazily materialized inbox snapshot: a
// write-through of the delivery rows, bounded per recipient, letting a
// reconnecting recipient pull quickly on any node. Loss is harmless — the
// database remains the source of truth.
type InboxCache struct {
	client  *redis.Client
	maxSize int
}

func NewInboxCache(client *redis.Client, maxSize int) *InboxCache {
	return &InboxCache{client: client, maxSize: maxSize}
}

func inboxKey(recipientID string) string { return inboxKeyPrefix + recipientID }

// Get returns the cached snapshot; ok=false means a cache miss and the
// caller falls back to the database.
func (c *InboxCache) Get(ctx context.Context, recipientID string) ([]model.InboxEntry, bool, error) {
	raw, err := c.client.Get(ctx, inboxKey(recipientID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("inbox cache: get %s: %w", recipientID, err)
	}
	var entries []model.InboxEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, false, fmt.Errorf("inbox cache: decode %s: %w", recipientID, err)
	}
	return entries, true, nil
}

// Put replaces the whole snapshot, truncated to the configured bound.
func (c *InboxCache) Put(ctx context.Context, recipientID string, entries []model.InboxEntry) error {
	if len(entries) > c.maxSize {
		entries = entries[:c.maxSize]
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("inbox cache: encode %s: %w", recipientID, err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, inboxKey(recipientID), raw, 0)
	pipe.SAdd(ctx, inboxKeySet, recipientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("inbox cache: put %s: %w", recipientID, err)
	}
	return nil
}

// Upsert prepends (or updates in place) one entry of an existing snapshot.
// A miss is left as a miss: the next read repopulates from the database.
func (c *InboxCache) Upsert(ctx context.Context, recipientID string, entry model.InboxEntry) error {
	entries, ok, err := c.Get(ctx, recipientID)
	if err != nil || !ok {
		return err
	}

	replaced := false
	for i := range entries {
		if entries[i].BroadcastID == entry.BroadcastID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append([]model.InboxEntry{entry}, entries...)
	}
	return c.Put(ctx, recipientID, entries)
}

// RemoveBroadcast drops a cancelled or expired broadcast from the snapshot.
func (c *InboxCache) RemoveBroadcast(ctx context.Context, recipientID string, broadcastID uuid.UUID) error {
	entries, ok, err := c.Get(ctx, recipientID)
	if err != nil || !ok {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.BroadcastID != broadcastID {
			kept = append(kept, e)
		}
	}
	return c.Put(ctx, recipientID, kept)
}

// Invalidate drops the snapshot entirely.
func (c *InboxCache) Invalidate(ctx context.Context, recipientID string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, inboxKey(recipientID))
	pipe.SRem(ctx, inboxKeySet, recipientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("inbox cache: invalidate %s: %w", recipientID, err)
	}
	return nil
}

// Size reports the number of cached recipients in the shared region.
func (c *InboxCache) Size(ctx context.Context) (int64, error) {
	return c.client.SCard(ctx, inboxKeySet).Result()
}

// EvictRandom removes up to n random snapshots: approximate LRU by shuffled
// key sampling, trading precision for avoiding per-read bookkeeping.
func (c *InboxCache) EvictRandom(ctx context.Context, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	victims, err := c.client.SRandMemberN(ctx, inboxKeySet, n).Result()
	if err != nil {
		return 0, fmt.Errorf("inbox cache: sample victims: %w", err)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	pipe := c.client.TxPipeline()
	members := make([]any, len(victims))
	for i, v := range victims {
		pipe.Del(ctx, inboxKey(v))
		members[i] = v
	}
	pipe.SRem(ctx, inboxKeySet, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("inbox cache: evict: %w", err)
	}
	return int64(len(victims)), nil
}
