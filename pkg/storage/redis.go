package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis connection errors.
var (
	ErrInvalidRedisURL = errors.New("failed to parse redis connection string")
	ErrRedisNotReady   = errors.New("redis did not become ready within the given time period")
)

// RedisConfig holds connection settings for the Redis-backed store.
type RedisConfig struct {
	ConnectionURL  string        `env:"MIXPANEL_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RetryAttempts  int           `env:"MIXPANEL_REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"MIXPANEL_REDIS_RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"MIXPANEL_REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
}

// RedisStore is a durable Store adapter backed by a Redis server. Values never
// expire; the client owns key lifecycle through RemoveItem.
type RedisStore struct {
	client *redis.Client
}

// ConnectRedis establishes a Redis connection with bounded retries and returns
// a store wrapping it.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opt, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrInvalidRedisURL, err)
	}

	for attempt := 0; attempt < cfg.RetryAttempts; attempt++ {
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err == nil {
			return &RedisStore{client: client}, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}

	return nil, ErrRedisNotReady
}

// NewRedisStore wraps an already connected client. Useful when the
// application shares a Redis connection pool with the SDK.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// GetItem returns the value stored under key, mapping redis.Nil to
// ErrKeyNotFound.
func (r *RedisStore) GetItem(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}

	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// SetItem stores value under key without expiration.
func (r *RedisStore) SetItem(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return r.client.Set(ctx, key, value, 0).Err()
}

// RemoveItem deletes key.
func (r *RedisStore) RemoveItem(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return r.client.Del(ctx, key).Err()
}

// Close releases the underlying Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
