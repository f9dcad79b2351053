package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tokligence/segment-relay/internal/openai"
	"github.com/tokligence/segment-relay/internal/stream"
)

// StreamingAdapter turns a chat request into a byte-emitting source.
type StreamingAdapter interface {
	CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest, keys Keys) (stream.Source, error)
}

// Keys carries per-request provider API keys (provider name -> key).
// Lookups are case-insensitive so "OpenAI" and "openai" resolve alike.
type Keys map[string]string

// Lookup returns the key registered for provider, if any.
func (k Keys) Lookup(provider string) string {
	if len(k) == 0 {
		return ""
	}
	if v, ok := k[provider]; ok {
		return strings.TrimSpace(v)
	}
	for name, v := range k {
		if strings.EqualFold(name, provider) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ResolveKey prefers the per-request key and falls back to the configured one.
func (k Keys) ResolveKey(provider, configured string) string {
	if v := k.Lookup(provider); v != "" {
		return v
	}
	return strings.TrimSpace(configured)
}

// ErrorKind classifies upstream failures the HTTP layer maps to distinct statuses.
type ErrorKind int

const (
	KindUpstream ErrorKind = iota
	KindKey
)

// ProviderError is the structured failure returned by adapters.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ErrMissingKey is wrapped by key errors raised before any upstream call.
var ErrMissingKey = errors.New("missing API key")

// MissingKey builds the key error for a provider without a configured or supplied key.
func MissingKey(provider string) error {
	return &ProviderError{Provider: provider, Kind: KindKey, Message: ErrMissingKey.Error(), Err: ErrMissingKey}
}

// IsKeyError reports whether err is a missing or rejected provider key.
// Structured ProviderErrors are authoritative; the substring match only covers
// adapters that surface plain errors.
func IsKeyError(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == KindKey
	}
	if errors.Is(err, ErrMissingKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "api key")
}

// ClassifyStatus maps an upstream HTTP status to an error kind.
func ClassifyStatus(status int) ErrorKind {
	switch status {
	case 401, 403:
		return KindKey
	default:
		return KindUpstream
	}
}
