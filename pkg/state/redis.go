package state

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores entries in a Redis server, mapping the backend
// contract onto native commands: SET with NX/EX, GET, DEL and SCAN with a
// MATCH pattern. This is the backend to use for multi-worker deployments
// since conditional sets are atomic on the server.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend connects to the Redis server described by uri, e.g.
// "redis://localhost:6379/0", and verifies the connection with a ping.
func NewRedisBackend(uri string) (*RedisBackend, error) {
	options, err := redis.ParseURL(uri)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)
	if res := client.Ping(context.Background()); res.Err() != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, res.Err())
	}
	return &RedisBackend{client: client}, nil
}

// NewRedisBackendFromClient wraps an existing client, allowing reuse of a
// connection pool shared with other components.
func NewRedisBackendFromClient(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return value, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	var ttl time.Duration
	if opts.TTL > 0 {
		ttl = opts.TTL
	}

	if opts.IfAbsent {
		applied, err := b.client.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		return applied, nil
	}

	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return false, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return true, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := b.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return removed > 0, nil
}

func (b *RedisBackend) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return keys, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
