package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/segment-relay/internal/adapter"
	"github.com/tokligence/segment-relay/internal/openai"
	"github.com/tokligence/segment-relay/internal/stream"
)

// mockAdapter answers with its own name.
type mockAdapter struct {
	name string
	err  error
}

func (m *mockAdapter) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest, keys adapter.Keys) (stream.Source, error) {
	if m.err != nil {
		return nil, m.err
	}
	return stream.NewStaticSource(stream.FinishStop, m.name), nil
}

func newRouter(t *testing.T) *Router {
	t.Helper()
	r := New()
	require.NoError(t, r.RegisterAdapter("openai", &mockAdapter{name: "openai"}))
	require.NoError(t, r.RegisterAdapter("anthropic", &mockAdapter{name: "anthropic"}))
	require.NoError(t, r.RegisterAdapter("loopback", &mockAdapter{name: "loopback"}))
	return r
}

func TestRegisterValidation(t *testing.T) {
	r := New()
	assert.Error(t, r.RegisterAdapter("", &mockAdapter{}))
	assert.Error(t, r.RegisterAdapter("x", nil))
	assert.Error(t, r.RegisterRoute("gpt-*", "missing"))
	assert.Error(t, r.RegisterRoute("", "missing"))
	assert.Error(t, r.SetFallback("missing"))
}

func TestDefaultRoutes(t *testing.T) {
	r := newRouter(t)
	require.NoError(t, r.LoadRoutes(""))

	tests := map[string]string{
		"gpt-4o":            "openai",
		"GPT-4o-mini":       "openai",
		"claude-3-5-sonnet": "anthropic",
		"loopback":          "loopback",
	}
	for model, want := range tests {
		got, err := r.GetAdapterForModel(model)
		require.NoError(t, err, model)
		assert.Equal(t, want, got, model)
	}
}

func TestDefaultRoutesRejectUnknownModel(t *testing.T) {
	r := newRouter(t)
	require.NoError(t, r.LoadRoutes(""))

	_, err := r.GetAdapterForModel("mystery-model")
	assert.ErrorIs(t, err, ErrNoRoute)
	_, err = r.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{Model: "gtp-4o"}, nil)
	assert.ErrorIs(t, err, ErrNoRoute)

	require.NoError(t, r.SetFallback("loopback"))
	got, err := r.GetAdapterForModel("mystery-model")
	require.NoError(t, err)
	assert.Equal(t, "loopback", got)
}

func TestLongestPatternWins(t *testing.T) {
	r := newRouter(t)
	require.NoError(t, r.RegisterRoute("gpt-*", "openai"))
	require.NoError(t, r.RegisterRoute("gpt-4o-loop*", "loopback"))

	got, err := r.GetAdapterForModel("gpt-4o-loopy")
	require.NoError(t, err)
	assert.Equal(t, "loopback", got)
}

func TestNoRouteWithoutFallback(t *testing.T) {
	r := newRouter(t)
	_, err := r.GetAdapterForModel("gpt-4o")
	assert.Error(t, err)

	_, err = r.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{}, nil)
	assert.Error(t, err)
}

func TestCreateCompletionStreamDispatches(t *testing.T) {
	r := newRouter(t)
	boom := errors.New("boom")
	require.NoError(t, r.RegisterAdapter("broken", &mockAdapter{err: boom}))
	require.NoError(t, r.RegisterRoute("claude*", "anthropic"))
	require.NoError(t, r.RegisterRoute("bad", "broken"))

	src, err := r.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{Model: "claude-3"}, nil)
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, _ := src.Read(buf)
	assert.Equal(t, "anthropic", string(buf[:n]))

	_, err = r.CreateCompletionStream(context.Background(), openai.ChatCompletionRequest{Model: "bad"}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestLoadRoutesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes:\n  - pattern: \"*sonnet*\"\n    adapter: openai\nfallback: anthropic\n"), 0o600))

	r := newRouter(t)
	require.NoError(t, r.LoadRoutes(path))
	assert.Equal(t, map[string]string{"*sonnet*": "openai"}, r.ListRoutes())

	got, err := r.GetAdapterForModel("claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "openai", got)
	got, err = r.GetAdapterForModel("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", got)
}

func TestLoadRoutesErrors(t *testing.T) {
	r := newRouter(t)
	assert.Error(t, r.LoadRoutes(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, r.ApplyRoutes([]byte("routes: [")))
	assert.Error(t, r.ApplyRoutes([]byte("routes:\n  - pattern: x\n    adapter: nope\n")))
}

func TestMatchPattern(t *testing.T) {
	assert.True(t, matchPattern("gpt-4", "gpt-4"))
	assert.True(t, matchPattern("gpt-3.5-turbo", "*-turbo"))
	assert.True(t, matchPattern("gpt-3.5-turbo", "*3.5*"))
	assert.False(t, matchPattern("claude", "gpt-*"))
	assert.False(t, matchPattern("gpt-4", "gpt-5"))
	assert.Equal(t, []string{"anthropic", "loopback", "openai"}, newRouter(t).ListAdapters())
}
