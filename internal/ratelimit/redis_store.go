package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Counter is the subset of Redis the store needs. A go-redis client or a fake
// can be used interchangeably.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// RedisStore counts requests in fixed one-minute windows shared by every
// relay instance pointed at the same Redis.
type RedisStore struct {
	counter Counter
	prefix  string
	now     func() time.Time
}

// NewRedisStore dials addr (host:port or redis:// URL) and verifies it with PING.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	opts, err := parseRedisAddr(addr)
	if err != nil {
		return nil, err
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ratelimit: redis ping: %w", err)
	}
	return NewRedisStoreWithCounter(&redisCounter{client: rdb}), nil
}

// NewRedisStoreWithCounter builds a store over an existing counter.
func NewRedisStoreWithCounter(c Counter) *RedisStore {
	return &RedisStore{counter: c, prefix: "relay:ratelimit:", now: time.Now}
}

func parseRedisAddr(addr string) (*goredis.Options, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := goredis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
		}
		return opts, nil
	}
	return &goredis.Options{Addr: addr}, nil
}

// Allow implements Store. The window admits perMinute requests; burst only
// shapes the in-memory store.
func (s *RedisStore) Allow(ctx context.Context, key string, perMinute, _ int) (bool, int, error) {
	window := s.now().Unix() / 60
	count, err := s.counter.IncrWithExpiry(ctx, s.windowKey(key, window), 2*time.Minute)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	remaining := perMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(perMinute), remaining, nil
}

// Ceiling reports perMinute: a fixed window ignores burst.
func (s *RedisStore) Ceiling(perMinute, _ int) int { return perMinute }

// Reset implements Store by dropping the current window.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.counter.Del(ctx, s.windowKey(key, s.now().Unix()/60))
}

// Ping reports whether Redis answers, for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	if p, ok := s.counter.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.counter.Close()
}

func (s *RedisStore) windowKey(key string, window int64) string {
	return s.prefix + key + ":" + strconv.FormatInt(window, 10)
}

type redisCounter struct {
	client *goredis.Client
}

func (r *redisCounter) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *redisCounter) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *redisCounter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisCounter) Close() error {
	return r.client.Close()
}
