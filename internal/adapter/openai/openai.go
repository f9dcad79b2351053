package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/segment-relay/internal/adapter"
	"github.com/tokligence/segment-relay/internal/openai"
	"github.com/tokligence/segment-relay/internal/stream"
)

// ProviderName is the key under which per-request OpenAI keys are looked up.
const ProviderName = "OpenAI"

// Ensure OpenAIAdapter implements StreamingAdapter.
var _ adapter.StreamingAdapter = (*OpenAIAdapter)(nil)

// OpenAIAdapter streams chat completions from an OpenAI compatible API.
type OpenAIAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	org        string // optional organization ID
}

// Config holds configuration for the OpenAI adapter.
type Config struct {
	APIKey         string // optional; callers may supply keys per request
	BaseURL        string // optional, defaults to https://api.openai.com/v1
	Organization   string // optional
	RequestTimeout time.Duration
}

// New creates an OpenAIAdapter instance.
func New(cfg Config) *OpenAIAdapter {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	// Streaming responses outlive a fixed client timeout; only bound the headers.
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &OpenAIAdapter{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    baseURL,
		org:        cfg.Organization,
		httpClient: &http.Client{Transport: transport},
	}
}

// CreateCompletionStream opens a streaming chat completion and returns it as a source.
func (a *OpenAIAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest, keys adapter.Keys) (stream.Source, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: no messages provided")
	}
	apiKey := keys.ResolveKey(ProviderName, a.apiKey)
	if apiKey == "" {
		return nil, adapter.MissingKey("openai")
	}

	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	if a.org != "" {
		httpReq.Header.Set("OpenAI-Organization", a.org)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, adapter.UpstreamError("openai", resp)
	}
	return adapter.NewSSESource(resp.Body, decodeEvent, MapFinishReason), nil
}

func decodeEvent(ev adapter.Event) (adapter.Decoded, error) {
	if ev.Data == "[DONE]" {
		return adapter.Decoded{Done: true}, nil
	}
	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return adapter.Decoded{}, fmt.Errorf("openai: parse stream: %w", err)
	}
	if len(chunk.Choices) == 0 {
		var envelope openai.StreamError
		if err := json.Unmarshal([]byte(ev.Data), &envelope); err == nil && envelope.Error != nil {
			return adapter.Decoded{}, &adapter.ProviderError{Provider: "openai", Message: envelope.Error.Message}
		}
		return adapter.Decoded{}, nil
	}
	out := adapter.Decoded{Text: chunk.GetDelta().Content}
	if fr := chunk.GetFinishReason(); fr != nil {
		out.Finish = *fr
	}
	return out, nil
}

// MapFinishReason classifies OpenAI finish reasons.
func MapFinishReason(reason string) stream.FinishReason {
	switch reason {
	case openai.FinishStop:
		return stream.FinishStop
	case openai.FinishLength:
		return stream.FinishLength
	case "":
		return stream.FinishUnknown
	default:
		return stream.FinishOther
	}
}
