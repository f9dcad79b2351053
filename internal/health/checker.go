package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component represents a system component that can be health-checked.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // store, cache or http
	CheckResult
}

// Pinger is satisfied by the ledger stores and the Redis rate limit store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe names one pinger. Critical probes turn the overall status unhealthy
// when they fail; the rest only degrade it.
type Probe struct {
	Name     string
	Type     string
	Pinger   Pinger
	Critical bool
}

// Checker performs health checks on system components.
type Checker struct {
	components []Component
	mu         sync.RWMutex

	probes    []Probe
	endpoints map[string]string

	pingTimeout time.Duration
	maxLatency  time.Duration
	httpClient  *http.Client
}

// Config holds health checker configuration.
type Config struct {
	Probes []Probe

	// Upstream endpoints by name, checked for reachability only
	Endpoints map[string]string

	PingTimeout time.Duration
	HTTPTimeout time.Duration
	MaxLatency  time.Duration
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxLatency == 0 {
		cfg.MaxLatency = 100 * time.Millisecond
	}
	endpoints := make(map[string]string, len(cfg.Endpoints))
	for name, url := range cfg.Endpoints {
		if url != "" {
			endpoints[name] = url
		}
	}
	return &Checker{
		probes:      append([]Probe(nil), cfg.Probes...),
		endpoints:   endpoints,
		pingTimeout: cfg.PingTimeout,
		maxLatency:  cfg.MaxLatency,
		httpClient:  &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// Check runs every probe concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, len(c.probes)+len(c.endpoints))

	for _, p := range c.probes {
		if p.Pinger == nil {
			continue
		}
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			results <- c.checkPinger(ctx, p)
		}(p)
	}
	for name, url := range c.endpoints {
		wg.Add(1)
		go func(name, url string) {
			defer wg.Done()
			results <- c.checkHTTPEndpoint(ctx, name, url)
		}(name, url)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, cap(results))
	for comp := range results {
		components = append(components, comp)
	}

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return c.calculateOverallStatus(components)
}

func (c *Checker) checkPinger(ctx context.Context, p Probe) Component {
	kind := p.Type
	if kind == "" {
		kind = "store"
	}
	comp := Component{
		Name:        p.Name,
		Type:        kind,
		CheckResult: CheckResult{Timestamp: time.Now()},
	}

	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	err := p.Pinger.Ping(pingCtx)
	comp.Latency = time.Since(start)

	switch {
	case err != nil && p.Critical:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case err != nil:
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case comp.Latency > c.maxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

// checkHTTPEndpoint checks if an HTTP endpoint is reachable.
func (c *Checker) checkHTTPEndpoint(ctx context.Context, name, baseURL string) Component {
	comp := Component{
		Name:        name,
		Type:        "http",
		CheckResult: CheckResult{Timestamp: time.Now()},
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Latency = time.Since(start)
		return comp
	}

	resp, err := c.httpClient.Do(req)
	comp.Latency = time.Since(start)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	defer resp.Body.Close()

	// Any response, even 4xx/5xx, means the service is up.
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)
	return comp
}

// calculateOverallStatus determines overall health based on component statuses.
func (c *Checker) calculateOverallStatus(components []Component) HealthStatus {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return HealthStatus{
		Status:     overall,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// HTTPStatus maps the overall status to a response code.
func (h HealthStatus) HTTPStatus() int {
	if h.Status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return HealthStatus{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
		}
	}
	return c.calculateOverallStatus(c.components)
}
