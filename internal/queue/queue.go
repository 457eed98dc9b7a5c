// Package queue carries wake-up signals from the API to the dispatcher so a
// manual "process now" request does not wait for the next poll tick.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Signal is a lightweight work notice.
type Signal struct {
	Kind string
	Body []byte
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, sig Signal) error
	Consume(ctx context.Context) (<-chan Signal, error)
}

// InMemory is a channel-backed queue for dev and tests.
type InMemory struct {
	ch chan Signal
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Signal, size)}
}

// Publish enqueues a signal.
func (q *InMemory) Publish(ctx context.Context, sig Signal) error {
	select {
	case q.ch <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel of signals.
func (q *InMemory) Consume(ctx context.Context) (<-chan Signal, error) {
	out := make(chan Signal)
	go func() {
		defer close(out)
		for {
			select {
			case sig := <-q.ch:
				out <- sig
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a Redis list-backed queue with LPUSH/BRPOP semantics.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue on the given list key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "presence:dispatch"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a signal.
func (q *RedisQueue) Publish(ctx context.Context, sig Signal) error {
	return q.client.LPush(ctx, q.key, sig.Kind+"|"+string(sig.Body)).Err()
}

// Consume streams signals using BRPOP.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Signal, error) {
	out := make(chan Signal)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) == 2 {
				out <- parse(res[1])
			}
		}
	}()
	return out, nil
}

func parse(s string) Signal {
	if i := strings.IndexByte(s, '|'); i >= 0 {
		return Signal{Kind: s[:i], Body: []byte(s[i+1:])}
	}
	return Signal{Body: []byte(s)}
}
