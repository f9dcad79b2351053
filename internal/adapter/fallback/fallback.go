package fallback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/tokligence/segment-relay/internal/adapter"
	"github.com/tokligence/segment-relay/internal/openai"
	"github.com/tokligence/segment-relay/internal/stream"
)

// Ensure FallbackAdapter implements StreamingAdapter.
var _ adapter.StreamingAdapter = (*FallbackAdapter)(nil)

// FallbackAdapter opens a stream on the first adapter that succeeds, retrying
// transient failures. Only stream opening is retried; once bytes flow the
// source belongs to the caller.
type FallbackAdapter struct {
	adapters   []adapter.StreamingAdapter
	retryCount int
	retryDelay time.Duration
}

// Config holds configuration for the FallbackAdapter.
type Config struct {
	Adapters   []adapter.StreamingAdapter
	RetryCount int           // retries per adapter, 0 disables retrying
	RetryDelay time.Duration // delay between retries (default: 500ms)
}

// New creates a new FallbackAdapter.
func New(cfg Config) (*FallbackAdapter, error) {
	if len(cfg.Adapters) == 0 {
		return nil, errors.New("fallback: at least one adapter required")
	}
	for i, a := range cfg.Adapters {
		if a == nil {
			return nil, fmt.Errorf("fallback: adapter[%d] is nil", i)
		}
	}

	retryCount := cfg.RetryCount
	if retryCount < 0 {
		retryCount = 0
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}

	return &FallbackAdapter{
		adapters:   cfg.Adapters,
		retryCount: retryCount,
		retryDelay: retryDelay,
	}, nil
}

// CreateCompletionStream tries each adapter in order. Key errors are returned
// immediately so a rejected key is never masked by another provider.
func (f *FallbackAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest, keys adapter.Keys) (stream.Source, error) {
	var lastErr error
	attempts := 0

	for _, a := range f.adapters {
		for attempt := 0; attempt <= f.retryCount; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			attempts++
			src, err := a.CreateCompletionStream(ctx, req, keys)
			if err == nil {
				return src, nil
			}
			if adapter.IsKeyError(err) {
				return nil, err
			}
			lastErr = err

			if !IsRetryable(err) {
				break
			}
			if attempt < f.retryCount {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(f.retryDelay):
				}
			}
		}
	}

	if len(f.adapters) == 1 && attempts == 1 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("fallback: all adapters failed after %d attempts: %w", attempts, lastErr)
}

// IsRetryable reports whether opening a stream may succeed on another attempt.
func IsRetryable(err error) bool {
	if err == nil || adapter.IsKeyError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}

	var pe *adapter.ProviderError
	if errors.As(err, &pe) && pe.Status > 0 {
		return pe.Status == 429 || pe.Status >= 500
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "no such host", "temporary failure", "unexpected eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
