package metrics

import (
	"sync"
	"time"
)

// maxModelLabels caps distinct model label values; the model name is client
// supplied, later names are counted under "other".
const maxModelLabels = 64

// Collector collects relay counters and exports them in Prometheus text format.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests      map[string]int64 // by endpoint
	totalRequestsDur   map[string]int64 // total duration in ms
	requestErrors      map[string]int64 // by endpoint
	requestsInProgress map[string]int64

	// Gate and rate limit metrics
	authFailures   map[string]int64 // by failure kind
	rateLimitHits  int64
	rateLimitByKey map[string]int64 // by masked uid

	// Relay metrics
	relaysByOutcome  map[string]int64
	relaysByModel    map[string]int64
	segments         int64
	switches         int64
	promptChars      int64
	completionChars  int64
	upstreamErrors   map[string]int64 // by model
	upstreamKeyFails int64
	models           map[string]struct{}

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:      make(map[string]int64),
		totalRequestsDur:   make(map[string]int64),
		requestErrors:      make(map[string]int64),
		requestsInProgress: make(map[string]int64),
		authFailures:       make(map[string]int64),
		rateLimitByKey:     make(map[string]int64),
		relaysByOutcome:    make(map[string]int64),
		relaysByModel:      make(map[string]int64),
		upstreamErrors:     make(map[string]int64),
		models:             make(map[string]struct{}),
		startTime:          time.Now(),
	}
}

// RecordRequest records a finished request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records an error response for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[endpoint]++
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]++
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]--
}

// RecordAuthFailure counts a request rejected by the gate.
func (c *Collector) RecordAuthFailure(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.authFailures[kind]++
}

// RecordRateLimitHit records a rate limit rejection.
func (c *Collector) RecordRateLimitHit(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rateLimitHits++
	c.rateLimitByKey[maskUserID(key)]++
}

// Relay is what the collector needs from a finished relay.
type Relay struct {
	Model           string
	Outcome         string
	Segments        int
	Switches        int
	PromptChars     int
	CompletionChars int
}

// RecordRelay records a finished relay.
func (c *Collector) RecordRelay(r Relay) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.relaysByOutcome[r.Outcome]++
	if r.Model != "" {
		c.relaysByModel[c.modelLabel(r.Model)]++
	}
	c.segments += int64(r.Segments)
	c.switches += int64(r.Switches)
	c.promptChars += int64(r.PromptChars)
	c.completionChars += int64(r.CompletionChars)
}

// RecordUpstreamError records a relay that could not open its first segment.
func (c *Collector) RecordUpstreamError(model string, keyError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.upstreamErrors[c.modelLabel(model)]++
	if keyError {
		c.upstreamKeyFails++
	}
}

// modelLabel must be called with c.mu held.
func (c *Collector) modelLabel(model string) string {
	if _, ok := c.models[model]; ok {
		return model
	}
	if len(c.models) >= maxModelLabels {
		return "other"
	}
	c.models[model] = struct{}{}
	return model
}

// Snapshot returns a point-in-time snapshot of all metrics.
type Snapshot struct {
	Uptime             int64
	TotalRequests      map[string]int64
	TotalRequestsDur   map[string]int64
	RequestErrors      map[string]int64
	RequestsInProgress map[string]int64
	AuthFailures       map[string]int64
	RateLimitHits      int64
	RateLimitByKey     map[string]int64
	RelaysByOutcome    map[string]int64
	RelaysByModel      map[string]int64
	Segments           int64
	Switches           int64
	PromptChars        int64
	CompletionChars    int64
	UpstreamErrors     map[string]int64
	UpstreamKeyErrors  int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:             int64(time.Since(c.startTime).Seconds()),
		TotalRequests:      copyMap(c.totalRequests),
		TotalRequestsDur:   copyMap(c.totalRequestsDur),
		RequestErrors:      copyMap(c.requestErrors),
		RequestsInProgress: copyMap(c.requestsInProgress),
		AuthFailures:       copyMap(c.authFailures),
		RateLimitHits:      c.rateLimitHits,
		RateLimitByKey:     copyMap(c.rateLimitByKey),
		RelaysByOutcome:    copyMap(c.relaysByOutcome),
		RelaysByModel:      copyMap(c.relaysByModel),
		Segments:           c.segments,
		Switches:           c.switches,
		PromptChars:        c.promptChars,
		CompletionChars:    c.completionChars,
		UpstreamErrors:     copyMap(c.upstreamErrors),
		UpstreamKeyErrors:  c.upstreamKeyFails,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
