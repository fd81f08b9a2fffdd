// Package counter provides the networked atomic counter and list store used
// by the cache, budget, and observability components, with an in-process
// fallback for when the store is unreachable.
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key does not exist in the store.
var ErrNotFound = errors.New("counter: key not found")

// Store is the key-value surface consumed by the proxy core. Implementations
// must keep the increment operations atomic; read-modify-write is not an
// acceptable substitute under concurrent traffic.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	Scan(ctx context.Context, match string) ([]string, error)
	Del(ctx context.Context, keys ...string) error
}
