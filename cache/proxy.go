package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/squirreldb/config"
)

// RedisClient is the subset of go-redis methods the proxy uses.
// Keeping it an interface enables mocking in tests.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Persist(ctx context.Context, key string) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Keys(ctx context.Context, pattern string) *redis.StringSliceCmd
	FlushDB(ctx context.Context) *redis.StatusCmd
	DBSize(ctx context.Context) *redis.IntCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Close() error
}

// ProxyStore passes cache operations through to an external Redis.
// Eviction and snapshotting are the upstream's responsibility; only
// hit/miss counters are tracked locally.
type ProxyStore struct {
	client RedisClient
	logger *slog.Logger
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewProxyStore connects to the configured Redis and verifies the
// connection with PING.
func NewProxyStore(cfg config.ProxyConfig, logger *slog.Logger) (*ProxyStore, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("proxy mode requires a host")
	}
	opts, err := redis.ParseURL(cfg.ConnectionURL())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyStore{client: client, logger: logger}, nil
}

// NewProxyStoreWithClient wraps a pre-built client. Intended for tests.
func NewProxyStoreWithClient(client RedisClient, logger *slog.Logger) *ProxyStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyStore{client: client, logger: logger}
}

func (p *ProxyStore) Get(ctx context.Context, key string) (*Entry, error) {
	val, err := p.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		p.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("proxy get: %w", err)
	}
	p.hits.Add(1)
	return NewEntry(key, ParseValue(val), 0), nil
}

func (p *ProxyStore) Set(ctx context.Context, key string, value Value, ttl time.Duration) error {
	if err := p.client.Set(ctx, key, value.RespString(), ttl).Err(); err != nil {
		return fmt.Errorf("proxy set: %w", err)
	}
	return nil
}

func (p *ProxyStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := p.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("proxy del: %w", err)
	}
	return n > 0, nil
}

func (p *ProxyStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := p.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("proxy exists: %w", err)
	}
	return n > 0, nil
}

func (p *ProxyStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := p.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("proxy expire: %w", err)
	}
	return ok, nil
}

func (p *ProxyStore) Persist(ctx context.Context, key string) (bool, error) {
	ok, err := p.client.Persist(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("proxy persist: %w", err)
	}
	return ok, nil
}

func (p *ProxyStore) TTL(ctx context.Context, key string) (int64, error) {
	d, err := p.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("proxy ttl: %w", err)
	}
	// go-redis reports missing keys as -2 and no-expiry keys as -1.
	if d < 0 {
		return int64(d), nil
	}
	return int64(d.Seconds()), nil
}

func (p *ProxyStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := p.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("proxy keys: %w", err)
	}
	return keys, nil
}

func (p *ProxyStore) Flush(ctx context.Context) error {
	if err := p.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("proxy flushdb: %w", err)
	}
	return nil
}

func (p *ProxyStore) Info(ctx context.Context) (Stats, error) {
	n, err := p.client.DBSize(ctx).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("proxy dbsize: %w", err)
	}
	return Stats{
		Keys:   int(n),
		Hits:   p.hits.Load(),
		Misses: p.misses.Load(),
	}, nil
}

func (p *ProxyStore) DBSize(ctx context.Context) (int, error) {
	n, err := p.client.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("proxy dbsize: %w", err)
	}
	return int(n), nil
}

func (p *ProxyStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := p.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("proxy incrby: %w", err)
	}
	return val, nil
}

// Close releases the upstream connection.
func (p *ProxyStore) Close() error {
	return p.client.Close()
}
