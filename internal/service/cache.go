package service

import (
	"context"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
	"golang.org/x/sync/singleflight"
)

// BroadcastCache fronts broadcast metadata reads with a per-node LRU.
// Fan-out paths resolve the same broadcast once per recipient; the cache
// collapses that to one database read per node. Entries are invalidated on
// every lifecycle transition, so staleness is bounded by bus lag.
type BroadcastCache struct {
	store BroadcastStore
	lru   *lru.Cache[uuid.UUID, *model.Broadcast]

	// group collapses concurrent misses for the same id into one load.
	group singleflight.Group
}

func NewBroadcastCache(store BroadcastStore, size int) (*BroadcastCache, error) {
	c, err := lru.New[uuid.UUID, *model.Broadcast](size)
	if err != nil {
		return nil, err
	}
	return &BroadcastCache{store: store, lru: c}, nil
}

func (c *BroadcastCache) Get(ctx context.Context, id uuid.UUID) (*model.Broadcast, error) {
	if b, ok := c.lru.Get(id); ok {
		return b, nil
	}
	v, err, _ := c.group.Do(id.String(), func() (any, error) {
		b, err := c.store.GetByID(ctx, nil, id)
		if err != nil {
			return nil, err
		}
		c.lru.Add(id, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Broadcast), nil
}

func (c *BroadcastCache) Invalidate(id uuid.UUID) {
	c.lru.Remove(id)
}
