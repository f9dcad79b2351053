package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tokligence/segment-relay/internal/adapter"
	"github.com/tokligence/segment-relay/internal/openai"
	"github.com/tokligence/segment-relay/internal/stream"
)

// ErrNoRoute is returned for a model no route or fallback covers.
var ErrNoRoute = errors.New("router: no adapter found for model")

// Ensure Router implements StreamingAdapter.
var _ adapter.StreamingAdapter = (*Router)(nil)

// Router routes requests to the appropriate adapter based on model name.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]adapter.StreamingAdapter
	routes   map[string]string // model pattern -> adapter name
	fallback string
}

// New creates a new Router instance.
func New() *Router {
	return &Router{
		adapters: make(map[string]adapter.StreamingAdapter),
		routes:   make(map[string]string),
	}
}

// RegisterAdapter registers an adapter with a name.
func (r *Router) RegisterAdapter(name string, a adapter.StreamingAdapter) error {
	if name == "" {
		return errors.New("router: adapter name cannot be empty")
	}
	if a == nil {
		return errors.New("router: adapter cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[name] = a
	return nil
}

// RegisterRoute registers a model pattern to adapter mapping.
// Model patterns support:
// - Exact match: "gpt-4"
// - Prefix match: "gpt-*" (matches gpt-4, gpt-4o-mini, etc.)
// - Suffix match: "*-turbo" (matches gpt-3.5-turbo, etc.)
// - Contains match: "*sonnet*"
func (r *Router) RegisterRoute(modelPattern, adapterName string) error {
	if modelPattern == "" {
		return errors.New("router: model pattern cannot be empty")
	}
	if adapterName == "" {
		return errors.New("router: adapter name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[adapterName]; !exists {
		return fmt.Errorf("router: adapter %q not registered", adapterName)
	}

	r.routes[strings.ToLower(modelPattern)] = adapterName
	return nil
}

// SetFallback names the adapter used for unmatched models.
func (r *Router) SetFallback(adapterName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[adapterName]; !exists {
		return fmt.Errorf("router: adapter %q not registered", adapterName)
	}
	r.fallback = adapterName
	return nil
}

// CreateCompletionStream routes the request to the appropriate adapter.
func (r *Router) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest, keys adapter.Keys) (stream.Source, error) {
	if req.Model == "" {
		return nil, errors.New("router: model name required")
	}

	adapterName, err := r.findAdapter(req.Model)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	selected, exists := r.adapters[adapterName]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("router: adapter %q not found", adapterName)
	}
	return selected.CreateCompletionStream(ctx, req, keys)
}

// findAdapter finds the appropriate adapter for a given model. Exact routes
// win, then the longest matching pattern, then the fallback.
func (r *Router) findAdapter(model string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	model = strings.ToLower(strings.TrimSpace(model))

	if adapterName, exists := r.routes[model]; exists {
		return adapterName, nil
	}

	patterns := make([]string, 0, len(r.routes))
	for pattern := range r.routes {
		patterns = append(patterns, pattern)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) > len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})
	for _, pattern := range patterns {
		if matchPattern(model, pattern) {
			return r.routes[pattern], nil
		}
	}

	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", fmt.Errorf("%w %q", ErrNoRoute, model)
}

// matchPattern checks if a model matches a pattern.
func matchPattern(model, pattern string) bool {
	model = strings.ToLower(model)
	pattern = strings.ToLower(pattern)

	if model == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}

	switch {
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		return strings.Contains(model, strings.Trim(pattern, "*"))
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(model, strings.TrimPrefix(pattern, "*"))
	}
	return false
}

// GetAdapterForModel returns the adapter name for a given model (for debugging).
func (r *Router) GetAdapterForModel(model string) (string, error) {
	return r.findAdapter(model)
}

// ListAdapters returns all registered adapter names, sorted.
func (r *Router) ListAdapters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListRoutes returns all registered routes.
func (r *Router) ListRoutes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string]string, len(r.routes))
	for pattern, name := range r.routes {
		routes[pattern] = name
	}
	return routes
}

// RoutesFile is the YAML layout of a routes file:
//
//	routes:
//	  - pattern: "gpt-*"
//	    adapter: openai
//	fallback: loopback
//
// Without a fallback, unmatched models fail with ErrNoRoute.
type RoutesFile struct {
	Routes []struct {
		Pattern string `yaml:"pattern"`
		Adapter string `yaml:"adapter"`
	} `yaml:"routes"`
	Fallback string `yaml:"fallback"`
}

// DefaultRoutes is applied when no routes file is configured.
const DefaultRoutes = `
routes:
  - pattern: "gpt-*"
    adapter: openai
  - pattern: "o1*"
    adapter: openai
  - pattern: "o3*"
    adapter: openai
  - pattern: "claude*"
    adapter: anthropic
  - pattern: "loopback"
    adapter: loopback
`

// LoadRoutes applies routes from the YAML file at path, or DefaultRoutes when path is empty.
func (r *Router) LoadRoutes(path string) error {
	data := []byte(DefaultRoutes)
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("router: read routes: %w", err)
		}
		data = raw
	}
	return r.ApplyRoutes(data)
}

// ApplyRoutes registers the routes and fallback described by a YAML document.
func (r *Router) ApplyRoutes(data []byte) error {
	var file RoutesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("router: parse routes: %w", err)
	}
	for _, route := range file.Routes {
		if err := r.RegisterRoute(route.Pattern, route.Adapter); err != nil {
			return err
		}
	}
	if file.Fallback != "" {
		if err := r.SetFallback(file.Fallback); err != nil {
			return err
		}
	}
	return nil
}
