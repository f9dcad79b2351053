package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	gauge(&sb, "relay_uptime_seconds", "Time since relay started", snap.Uptime)

	labeled(&sb, "relay_requests_total", "Total number of requests by endpoint", "counter", "endpoint", snap.TotalRequests)
	labeled(&sb, "relay_request_errors_total", "Total number of error responses by endpoint", "counter", "endpoint", snap.RequestErrors)

	active := make(map[string]int64)
	for endpoint, n := range snap.RequestsInProgress {
		if n > 0 { // only show active endpoints
			active[endpoint] = n
		}
	}
	labeled(&sb, "relay_requests_in_progress", "Current number of requests being processed", "gauge", "endpoint", active)
	labeled(&sb, "relay_request_duration_ms_total", "Total request duration in milliseconds", "counter", "endpoint", snap.TotalRequestsDur)

	labeled(&sb, "relay_auth_failures_total", "Requests rejected by the authorization gate", "counter", "kind", snap.AuthFailures)
	counter(&sb, "relay_rate_limit_hits_total", "Total number of rate limit rejections", snap.RateLimitHits)
	labeled(&sb, "relay_rate_limit_by_key_total", "Rate limit hits by user", "counter", "key", snap.RateLimitByKey)

	labeled(&sb, "relay_relays_total", "Finished relays by outcome", "counter", "outcome", snap.RelaysByOutcome)
	labeled(&sb, "relay_relays_by_model_total", "Finished relays by model", "counter", "model", snap.RelaysByModel)
	counter(&sb, "relay_segments_total", "Upstream completions opened", snap.Segments)
	counter(&sb, "relay_switches_total", "Continuation segments mounted", snap.Switches)
	counter(&sb, "relay_prompt_chars_total", "Characters sent as prompt", snap.PromptChars)
	counter(&sb, "relay_completion_chars_total", "Characters relayed to clients", snap.CompletionChars)
	labeled(&sb, "relay_upstream_errors_total", "Relays that failed to open their first segment", "counter", "model", snap.UpstreamErrors)
	counter(&sb, "relay_upstream_key_errors_total", "Upstream failures caused by a missing or rejected provider key", snap.UpstreamKeyErrors)

	return sb.String()
}

func gauge(sb *strings.Builder, name, help string, v int64) {
	header(sb, name, help, "gauge")
	fmt.Fprintf(sb, "%s %d\n\n", name, v)
}

func counter(sb *strings.Builder, name, help string, v int64) {
	header(sb, name, help, "counter")
	fmt.Fprintf(sb, "%s %d\n\n", name, v)
}

func labeled(sb *strings.Builder, name, help, kind, label string, values map[string]int64) {
	header(sb, name, help, kind)
	for _, key := range sortedKeys(values) {
		fmt.Fprintf(sb, "%s{%s=\"%s\"} %d\n", name, label, escapeLabel(key), values[key])
	}
	sb.WriteString("\n")
}

func header(sb *strings.Builder, name, help, kind string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, kind)
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return strings.ReplaceAll(v, "\n", `\n`)
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func maskUserID(userID string) string {
	if len(userID) <= 4 {
		return "user_***"
	}
	// Show last 4 characters only
	return "user_***" + userID[len(userID)-4:]
}
