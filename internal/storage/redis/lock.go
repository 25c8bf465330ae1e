package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "lock:"

// releaseScript deletes the lock only when still held by the releasing owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// holdScript shrinks the TTL to the remaining lockAtLeast window, again only
// for the owner.
var holdScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Locker implements cluster-wide single-winner locks with minimum and
// maximum hold durations: no other node proceeds until lockAtLeast elapses,
// and the lock auto-releases after lockAtMost even if the holder crashes.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire attempts to take the named lock. On success it returns a release
// function; ok=false means another node won this round.
func (l *Locker) Acquire(ctx context.Context, name string, lockAtLeast, lockAtMost time.Duration) (release func(context.Context), ok bool, err error) {
	key := lockKeyPrefix + name
	token := uuid.NewString()
	start := time.Now()

	ok, err = l.client.SetNX(ctx, key, token, lockAtMost).Result()
	if err != nil {
		return nil, false, fmt.Errorf("locker: acquire %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func(ctx context.Context) {
		held := time.Since(start)
		if remaining := lockAtLeast - held; remaining > 0 {
			// Keep the lock alive for the rest of the minimum window so a
			// fast tick cannot run twice across nodes.
			_ = holdScript.Run(ctx, l.client, []string{key}, token, remaining.Milliseconds()).Err()
			return
		}
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}
