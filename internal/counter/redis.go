package counter

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against a Redis server.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore. The prefix namespaces every key.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: strings.TrimSpace(prefix)}
}

func (s *RedisStore) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("counter: redis client not initialized")
	}
	return s.client.Ping(ctx).Err()
}

// Get retrieves a string value.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, errGet := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(errGet, redis.Nil) {
		return "", ErrNotFound
	}
	return val, errGet
}

// Set stores a string value with an optional TTL.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

// IncrByFloat atomically increments a float counter.
func (s *RedisStore) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	return s.client.IncrByFloat(ctx, s.key(key), delta).Result()
}

// Expire arms a TTL on an existing key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, s.key(key), ttl).Err()
}

// SetNX stores a value only when the key does not exist yet.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.key(key), value, ttl).Result()
}

// LPush prepends values to a list.
func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, 0, len(values))
	for _, v := range values {
		args = append(args, v)
	}
	return s.client.LPush(ctx, s.key(key), args...).Err()
}

// LRange returns a slice of a list.
func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, s.key(key), start, stop).Result()
}

// LTrim truncates a list to the given range.
func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.client.LTrim(ctx, s.key(key), start, stop).Err()
}

// HIncrBy atomically increments an integer hash field.
func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return s.client.HIncrBy(ctx, s.key(key), field, delta).Result()
}

// HIncrByFloat atomically increments a float hash field.
func (s *RedisStore) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	return s.client.HIncrByFloat(ctx, s.key(key), field, delta).Result()
}

// HGetAll returns all fields of a hash.
func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.key(key)).Result()
}

// Scan returns keys matching the pattern, with the prefix stripped back off.
func (s *RedisStore) Scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key(match), 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if s.prefix != "" {
			key = strings.TrimPrefix(key, s.prefix+":")
		}
		keys = append(keys, key)
	}
	if errIter := iter.Err(); errIter != nil {
		return nil, errIter
	}
	return keys, nil
}

// Del removes keys.
func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, s.key(k))
	}
	return s.client.Del(ctx, full...).Err()
}
