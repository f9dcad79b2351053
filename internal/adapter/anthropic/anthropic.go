package anthropic

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

// ProviderName is the key under which per-request Anthropic keys are looked up.
const ProviderName = "Anthropic"

const defaultMaxTokens = 4096

// Ensure AnthropicAdapter implements StreamingAdapter.
var _ adapter.StreamingAdapter = (*AnthropicAdapter)(nil)

// AnthropicAdapter streams completions from the Anthropic Messages API.
type AnthropicAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	version    string // API version header
}

// Config holds configuration for the Anthropic adapter.
type Config struct {
	APIKey         string // optional; callers may supply keys per request
	BaseURL        string // optional, defaults to https://api.anthropic.com
	Version        string // optional, defaults to 2023-06-01
	RequestTimeout time.Duration
}

// New creates an AnthropicAdapter instance.
func New(cfg Config) *AnthropicAdapter {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = "2023-06-01"
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &AnthropicAdapter{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    baseURL,
		version:    version,
		httpClient: &http.Client{Transport: transport},
	}
}

// CreateCompletionStream converts the request to the Messages API and streams the reply.
func (a *AnthropicAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest, keys adapter.Keys) (stream.Source, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: no messages provided")
	}
	apiKey := keys.ResolveKey(ProviderName, a.apiKey)
	if apiKey == "" {
		return nil, adapter.MissingKey("anthropic")
	}

	messages, systemPrompt, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]interface{}{
		"model":      mapModelName(req.Model),
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     true,
	}
	if systemPrompt != "" {
		payload["system"] = systemPrompt
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", a.version)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, adapter.UpstreamError("anthropic", resp)
	}
	return adapter.NewSSESource(resp.Body, decodeEvent, MapStopReason), nil
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Streaming event minimal schema
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`
	// content_block_delta carries text; message_delta carries stop_reason
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func decodeEvent(ev adapter.Event) (adapter.Decoded, error) {
	var se anthropicStreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
		return adapter.Decoded{}, fmt.Errorf("anthropic: parse stream: %w", err)
	}
	kind := se.Type
	if kind == "" {
		kind = ev.Name
	}
	switch kind {
	case "content_block_delta":
		if se.Delta.Type == "text_delta" {
			return adapter.Decoded{Text: se.Delta.Text}, nil
		}
	case "message_delta":
		return adapter.Decoded{Finish: se.Delta.StopReason}, nil
	case "message_stop":
		return adapter.Decoded{Done: true}, nil
	case "error":
		msg := "stream error"
		if se.Error != nil && se.Error.Message != "" {
			msg = se.Error.Message
		}
		pe := &adapter.ProviderError{Provider: "anthropic", Message: msg}
		if se.Error != nil && se.Error.Type == "authentication_error" {
			pe.Kind = adapter.KindKey
		}
		return adapter.Decoded{}, pe
	}
	return adapter.Decoded{}, nil
}

// MapStopReason classifies Anthropic stop reasons.
func MapStopReason(reason string) stream.FinishReason {
	switch reason {
	case "max_tokens":
		return stream.FinishLength
	case "end_turn", "stop_sequence":
		return stream.FinishStop
	case "":
		return stream.FinishUnknown
	default:
		return stream.FinishOther
	}
}

// convertMessages converts chat messages to Anthropic format.
// System messages are lifted into the system prompt and consecutive turns of
// the same role are merged, since the Messages API requires alternation.
func convertMessages(chat []openai.ChatMessage) ([]anthropicMessage, string, error) {
	var messages []anthropicMessage
	var systemPrompt string

	for _, msg := range chat {
		role := strings.ToLower(msg.Role)

		if role == openai.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
			continue
		}
		if role != openai.RoleAssistant {
			role = openai.RoleUser
		}

		block := anthropicContentBlock{Type: "text", Text: msg.Content}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, block)
			continue
		}
		messages = append(messages, anthropicMessage{Role: role, Content: []anthropicContentBlock{block}})
	}

	if len(messages) == 0 {
		return nil, "", errors.New("no user/assistant messages after filtering system messages")
	}
	return messages, systemPrompt, nil
}

// mapModelName maps short aliases to Anthropic model names.
func mapModelName(model string) string {
	model = strings.ToLower(model)

	switch model {
	case "claude", "claude-3":
		return "claude-3-opus-20240229"
	case "claude-sonnet", "claude-3-sonnet":
		return "claude-3-5-sonnet-20241022"
	case "claude-haiku", "claude-3-haiku":
		return "claude-3-5-haiku-20241022"
	}

	// Full names with a date suffix pass through.
	if strings.HasPrefix(model, "claude-") && len(model) > 20 {
		return model
	}
	return "claude-3-5-sonnet-20241022"
}
