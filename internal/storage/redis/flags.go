package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	armedKey   = "fi:armed"
	failSetKey = "fi:broadcasts"
)

// FailureFlags is the cluster-visible failure-injection harness: an "armed"
// flag consumed atomically on the next broadcast creation plus the set of
// broadcast ids whose consumption must fail. Used by tests to drive the DLT
// and redrive paths; never process-global state.
type FailureFlags struct {
	client *redis.Client
}

func NewFailureFlags(client *redis.Client) *FailureFlags {
	return &FailureFlags{client: client}
}

func (f *FailureFlags) Arm(ctx context.Context) error {
	return f.client.Set(ctx, armedKey, "1", 0).Err()
}

// ConsumeArmed atomically reads and clears the armed flag; at most one
// broadcast creation observes it.
func (f *FailureFlags) ConsumeArmed(ctx context.Context) (bool, error) {
	_, err := f.client.GetDel(ctx, armedKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failure flags: consume armed: %w", err)
	}
	return true, nil
}

// MarkBroadcast flags a broadcast id for forced consumer failure.
func (f *FailureFlags) MarkBroadcast(ctx context.Context, id uuid.UUID) error {
	return f.client.SAdd(ctx, failSetKey, id.String()).Err()
}

func (f *FailureFlags) ShouldFail(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := f.client.SIsMember(ctx, failSetKey, id.String()).Result()
	if err != nil {
		return false, fmt.Errorf("failure flags: should fail: %w", err)
	}
	return ok, nil
}

// ClearBroadcast lifts the forced failure, letting a redrive succeed.
func (f *FailureFlags) ClearBroadcast(ctx context.Context, id uuid.UUID) error {
	return f.client.SRem(ctx, failSetKey, id.String()).Err()
}

func (f *FailureFlags) Disarm(ctx context.Context) error {
	return f.client.Del(ctx, armedKey, failSetKey).Err()
}

// State reports the harness for the admin query endpoint.
func (f *FailureFlags) State(ctx context.Context) (armed bool, broadcastIDs []string, err error) {
	armedVal, err := f.client.Exists(ctx, armedKey).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failure flags: state: %w", err)
	}
	ids, err := f.client.SMembers(ctx, failSetKey).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failure flags: state: %w", err)
	}
	return armedVal == 1, ids, nil
}
