package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisHashKey = "estatesync:last_synced"

// RedisStore implements Store using a Redis hash, so several processes
// share one view of sync progress.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore connected to the given Redis URL.
// The URL is parsed with redis.ParseURL so it supports redis:// and rediss:// schemes.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Verify connectivity.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// GetLastUpdated returns the last-synced time for key. A missing key yields
// the zero time.
func (r *RedisStore) GetLastUpdated(ctx context.Context, key string) (time.Time, error) {
	val, err := r.client.HGet(ctx, redisHashKey, key).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis HGET %s: %w", key, err)
	}
	return parseEpochMillis(key, val)
}

// SetLastUpdated stores t as Unix epoch milliseconds.
func (r *RedisStore) SetLastUpdated(ctx context.Context, key string, t time.Time) error {
	val := strconv.FormatInt(t.UnixMilli(), 10)
	if err := r.client.HSet(ctx, redisHashKey, key, val).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", key, err)
	}
	return nil
}

// All returns every recorded key.
func (r *RedisStore) All(ctx context.Context) (map[string]time.Time, error) {
	vals, err := r.client.HGetAll(ctx, redisHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL: %w", err)
	}
	out := make(map[string]time.Time, len(vals))
	for k, v := range vals {
		t, err := parseEpochMillis(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = t
	}
	return out, nil
}

// Close closes the Redis client connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func parseEpochMillis(key, val string) (time.Time, error) {
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp for %s: %w", key, err)
	}
	return time.UnixMilli(ms), nil
}
