package loopback

import (
	"context"
	"errors"
	"strings"

	"github.com/tokligence/segment-relay/internal/adapter"
	"github.com/tokligence/segment-relay/internal/openai"
	"github.com/tokligence/segment-relay/internal/stream"
)

// Ensure LoopbackAdapter implements StreamingAdapter.
var _ adapter.StreamingAdapter = (*LoopbackAdapter)(nil)

// Config tunes the loopback adapter.
type Config struct {
	// ContinuePrompt marks user turns appended by a continuation. Assistant
	// text preceding such a turn counts as already delivered.
	ContinuePrompt string
}

// LoopbackAdapter echoes the last user message back word by word. It needs no
// key and honours max_tokens, counting one word as one token, so the whole
// continuation path can be exercised offline.
type LoopbackAdapter struct {
	continuePrompt string
}

// New creates a LoopbackAdapter instance.
func New(cfg Config) *LoopbackAdapter {
	return &LoopbackAdapter{continuePrompt: strings.TrimSpace(cfg.ContinuePrompt)}
}

// CreateCompletionStream fabricates a deterministic completion for testing the relay pipeline.
func (a *LoopbackAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest, _ adapter.Keys) (stream.Source, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("loopback: no messages provided")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reply, delivered := a.reply(req.Messages)
	remaining := strings.TrimPrefix(reply, delivered)
	tokens := splitTokens(remaining)
	reason := stream.FinishStop
	if req.MaxTokens > 0 && len(tokens) > req.MaxTokens {
		tokens = tokens[:req.MaxTokens]
		reason = stream.FinishLength
	}
	return stream.NewStaticSource(reason, tokens...), nil
}

// reply returns the full echo and the part of it earlier segments already delivered.
func (a *LoopbackAdapter) reply(msgs []openai.ChatMessage) (string, string) {
	end := len(msgs)
	var delivered []string
	for a.continuePrompt != "" && end >= 2 &&
		isRole(msgs[end-1], openai.RoleUser) && strings.TrimSpace(msgs[end-1].Content) == a.continuePrompt &&
		isRole(msgs[end-2], openai.RoleAssistant) {
		delivered = append([]string{msgs[end-2].Content}, delivered...)
		end -= 2
	}

	// Nothing but continuation turns: everything was already delivered.
	if end == 0 {
		joined := strings.Join(delivered, "")
		return joined, joined
	}

	// find last user message; default to final message if none
	message := msgs[end-1]
	for i := end - 1; i >= 0; i-- {
		if isRole(msgs[i], openai.RoleUser) {
			message = msgs[i]
			break
		}
	}
	return "[loopback] " + strings.TrimSpace(message.Content), strings.Join(delivered, "")
}

func isRole(m openai.ChatMessage, role string) bool {
	return strings.EqualFold(m.Role, role)
}

// splitTokens splits s into words, each carrying its leading whitespace, so
// concatenating the tokens reproduces s.
func splitTokens(s string) []string {
	var tokens []string
	start := 0
	inWord := false
	for i, r := range s {
		space := r == ' ' || r == '\n' || r == '\t'
		if space && inWord {
			tokens = append(tokens, s[start:i])
			start = i
			inWord = false
		} else if !space {
			inWord = true
		}
	}
	if start < len(s) {
		tokens = append(tokens, s[start:])
	}
	return tokens
}
