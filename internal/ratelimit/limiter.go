package ratelimit

import (
	"context"
)

// Store defines the interface for rate limit storage backends.
// MemoryStore serves a single instance; RedisStore shares counters across replicas.
type Store interface {
	// Allow consumes one request for key and reports whether it fits the limit.
	Allow(ctx context.Context, key string, perMinute, burst int) (allowed bool, remaining int, err error)

	// Reset forgets the state held for key.
	Reset(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// ceilinger is implemented by stores whose enforced ceiling differs from
// the burst size.
type ceilinger interface {
	Ceiling(perMinute, burst int) int
}

// Limiter applies one per-user limit using a pluggable storage backend.
type Limiter struct {
	store     Store
	perMinute int
	burst     int
}

// Config holds configuration for the rate limiter.
type Config struct {
	// Storage backend (optional, defaults to MemoryStore)
	Store Store

	RequestsPerMinute int // sustained rate; zero disables limiting
	Burst             int // defaults to RequestsPerMinute
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	return &Limiter{
		store:     cfg.Store,
		perMinute: cfg.RequestsPerMinute,
		burst:     cfg.Burst,
	}
}

// Enabled reports whether a positive limit is configured.
func (l *Limiter) Enabled() bool { return l != nil && l.perMinute > 0 }

// Limit is the request ceiling the store actually enforces.
func (l *Limiter) Limit() int {
	if c, ok := l.store.(ceilinger); ok {
		return c.Ceiling(l.perMinute, l.burst)
	}
	return l.burst
}

// Allow consumes one request for key. Store errors are returned together
// with allowed=true so callers can fail open.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, int, error) {
	if !l.Enabled() {
		return true, 0, nil
	}
	allowed, remaining, err := l.store.Allow(ctx, key, l.perMinute, l.burst)
	if err != nil {
		return true, 0, err
	}
	return allowed, remaining, nil
}

// Reset clears the limit state for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// Close releases the backing store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
