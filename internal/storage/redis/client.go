// Package redis hosts the cluster-shared state of the delivery pipeline: the
// session registry, the inbox cache region, failure-injection flags and the
// single-winner locks coordinating scheduled jobs across nodes.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/webitel/broadcast-delivery-service/config"
	"go.uber.org/fx"
)

func Connect(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

var Module = fx.Module("redis",
	fx.Provide(
		func(lc fx.Lifecycle, cfg *config.Config) (*redis.Client, error) {
			client, err := Connect(context.Background(), cfg.Redis)
			if err != nil {
				return nil, err
			}
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error { return client.Close() },
			})
			return client, nil
		},
		func(client *redis.Client, cfg *config.Config) *SessionRegistry {
			return NewSessionRegistry(client, cfg.Session.StaleThreshold)
		},
		func(client *redis.Client, cfg *config.Config) *InboxCache {
			return NewInboxCache(client, cfg.Inbox.CacheSize)
		},
		NewFailureFlags,
		NewLocker,
	),
)
