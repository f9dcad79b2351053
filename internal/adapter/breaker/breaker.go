package breaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/tokligence/segment-relay/internal/adapter"
	"github.com/tokligence/segment-relay/internal/openai"
	"github.com/tokligence/segment-relay/internal/stream"
)

const (
	defaultMaxFailures uint32        = 5
	defaultTimeout     time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// Config configures the circuit breaker.
type Config struct {
	MaxFailures uint32        // consecutive failures before the circuit opens
	Timeout     time.Duration // open -> half-open delay
	Interval    time.Duration // closed-state count reset period
	Logger      *log.Logger
}

// Adapter guards stream opening on one provider with a circuit breaker. Key
// errors count as successes: a bad caller key says nothing about the provider.
type Adapter struct {
	name    string
	inner   adapter.StreamingAdapter
	breaker *gobreaker.CircuitBreaker[stream.Source]
}

// Ensure Adapter implements StreamingAdapter.
var _ adapter.StreamingAdapter = (*Adapter)(nil)

// Wrap returns inner guarded by a breaker named after the provider.
func Wrap(name string, inner adapter.StreamingAdapter, cfg Config) *Adapter {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	logger := cfg.Logger

	cb := gobreaker.NewCircuitBreaker[stream.Source](gobreaker.Settings{
		Name:        "upstream:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Printf("breaker.state name=%s from=%s to=%s", name, from, to)
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || adapter.IsKeyError(err) || errors.Is(err, context.Canceled)
		},
	})
	return &Adapter{name: name, inner: inner, breaker: cb}
}

// CreateCompletionStream opens a stream through the breaker.
func (a *Adapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest, keys adapter.Keys) (stream.Source, error) {
	src, err := a.breaker.Execute(func() (stream.Source, error) {
		return a.inner.CreateCompletionStream(ctx, req, keys)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("provider %q circuit open: %w", a.name, err)
		}
		return nil, err
	}
	return src, nil
}

// State returns the current breaker state for monitoring.
func (a *Adapter) State() gobreaker.State {
	return a.breaker.State()
}
