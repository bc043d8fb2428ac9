package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisService provides the Redis connection shared by the HITL queue store,
// presence tracking, the audit log and the cross-instance broker
type RedisService struct {
	client *redis.Client
	mu     sync.RWMutex
}

// NewRedisService connects to the Redis server at redisURL
func NewRedisService(redisURL string) (*RedisService, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pool
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Println("✅ Redis connection established")
	return &RedisService{client: client}, nil
}

// NewRedisServiceFromClient wraps an existing client
func NewRedisServiceFromClient(client *redis.Client) *RedisService {
	return &RedisService{client: client}
}

// Client returns the underlying Redis client
func (r *RedisService) Client() *redis.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client
}

// Close closes the Redis connection
func (r *RedisService) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping checks if Redis is healthy
func (r *RedisService) Ping(ctx context.Context) error {
	return r.Client().Ping(ctx).Err()
}

// Publish publishes a message to a channel
func (r *RedisService) Publish(ctx context.Context, channel string, message interface{}) error {
	return r.Client().Publish(ctx, channel, message).Err()
}

// PSubscribe subscribes to one or more channel patterns
func (r *RedisService) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return r.Client().PSubscribe(ctx, patterns...)
}

// RunScript runs a Lua script atomically on the server
func (r *RedisService) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) *redis.Cmd {
	return script.Run(ctx, r.Client(), keys, args...)
}

// HIncrBy increments a hash field
func (r *RedisService) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return r.Client().HIncrBy(ctx, key, field, incr).Result()
}

// HGetAll returns every field of a hash
func (r *RedisService) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.Client().HGetAll(ctx, key).Result()
}

// HDel removes hash fields
func (r *RedisService) HDel(ctx context.Context, key string, fields ...string) error {
	return r.Client().HDel(ctx, key, fields...).Err()
}

// SetEX sets a key that expires after ttl
func (r *RedisService) SetEX(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.Client().Set(ctx, key, value, ttl).Err()
}

// Exists reports whether key is present
func (r *RedisService) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.Client().Exists(ctx, key).Result()
	return n > 0, err
}

// Del removes keys
func (r *RedisService) Del(ctx context.Context, keys ...string) error {
	return r.Client().Del(ctx, keys...).Err()
}

// RPush appends values to a list
func (r *RedisService) RPush(ctx context.Context, key string, values ...interface{}) error {
	return r.Client().RPush(ctx, key, values...).Err()
}

// LRange returns a range of a list
func (r *RedisService) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.Client().LRange(ctx, key, start, stop).Result()
}

// Keys scans for keys matching pattern
func (r *RedisService) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.Client().Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
