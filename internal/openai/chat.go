package openai

import "strings"

// Message roles understood by the relay and the upstream adapters.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatCompletionRequest captures the subset of OpenAI's request the relay sends upstream.
type ChatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	Stream    bool          `json:"stream,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

// ChatMessage follows OpenAI's role/content schema (plain text content only).
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Valid reports whether the message carries a known role.
func (m ChatMessage) Valid() bool {
	switch strings.ToLower(strings.TrimSpace(m.Role)) {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// CloneMessages returns a copy of msgs that can be appended to without aliasing.
func CloneMessages(msgs []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}

// CountChars sums the content length of msgs; used for approximate usage accounting.
func CountChars(msgs []ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return total
}
