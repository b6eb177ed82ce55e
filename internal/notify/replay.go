package notify

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// deliveryLease bounds how long an in-flight post blocks redelivery. A
// worker that dies mid-post frees the event after this, not after the full
// replay window.
const deliveryLease = 2 * time.Minute

// ReplayProtector remembers which (endpoint, event) pairs were delivered so
// task retries and duplicate enqueues never post twice.
type ReplayProtector interface {
	// Claim marks the pair in flight. false means it is in flight elsewhere
	// or already delivered.
	Claim(ctx context.Context, key string) (bool, error)
	// Confirm records a successful delivery for ttl.
	Confirm(ctx context.Context, key string, ttl time.Duration) error
	// Release drops a claim after a failed post so the retry can run.
	Release(ctx context.Context, key string) error
}

// ReplayKey identifies one event posted to one endpoint.
func ReplayKey(endpointURL, eventID string) string {
	return "wh:" + eventID + ":" + endpointURL
}

// RedisReplayProtector stores "pending" under a short lease and "sent"
// under the replay window. A nil Client claims everything.
type RedisReplayProtector struct {
	Client *redis.Client
}

func (r RedisReplayProtector) Claim(ctx context.Context, key string) (bool, error) {
	if r.Client == nil {
		return true, nil
	}
	return r.Client.SetNX(ctx, key, "pending", deliveryLease).Result()
}

func (r RedisReplayProtector) Confirm(ctx context.Context, key string, ttl time.Duration) error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Set(ctx, key, "sent", ttl).Err()
}

func (r RedisReplayProtector) Release(ctx context.Context, key string) error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Del(ctx, key).Err()
}
