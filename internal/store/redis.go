package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps redis client.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

// AcquireLock takes a best-effort distributed lock via SET NX with a TTL.
// Returns false when another holder has it.
func (r *Redis) AcquireLock(ctx context.Context, key string, ttl time.Duration) bool {
	if r == nil || r.Client == nil {
		return true
	}
	ok, err := r.Client.SetNX(ctx, key, "1", ttl).Result()
	return err == nil && ok
}

// ReleaseLock drops a lock taken with AcquireLock.
func (r *Redis) ReleaseLock(ctx context.Context, key string) {
	if r == nil || r.Client == nil {
		return
	}
	r.Client.Del(ctx, key)
}
