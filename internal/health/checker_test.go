package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var (
	ok   = pingFunc(func(context.Context) error { return nil })
	down = pingFunc(func(context.Context) error { return errors.New("connection refused") })
)

func TestCheckAllHealthy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	c := New(Config{
		Probes:    []Probe{{Name: "ledger", Pinger: ok, Critical: true}},
		Endpoints: map[string]string{"openai_api": upstream.URL, "unused": ""},
	})
	status := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	require.Len(t, status.Components, 2)
	assert.Equal(t, http.StatusOK, status.HTTPStatus())
}

func TestCheckCriticalFailureIsUnhealthy(t *testing.T) {
	c := New(Config{Probes: []Probe{
		{Name: "ledger", Pinger: down, Critical: true},
		{Name: "redis", Type: "cache", Pinger: ok},
	}})
	status := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, http.StatusServiceUnavailable, status.HTTPStatus())
	assert.Equal(t, StatusUnhealthy, c.GetLastStatus().Status)
}

func TestCheckOptionalFailureDegrades(t *testing.T) {
	c := New(Config{Probes: []Probe{
		{Name: "ledger", Pinger: ok, Critical: true},
		{Name: "redis", Type: "cache", Pinger: down},
	}})
	status := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, http.StatusOK, status.HTTPStatus())
	for _, comp := range status.Components {
		if comp.Name == "redis" {
			assert.Equal(t, "cache", comp.Type)
			assert.Contains(t, comp.Error, "connection refused")
		}
	}
}

func TestGetLastStatusBeforeCheck(t *testing.T) {
	assert.Equal(t, StatusHealthy, New(Config{}).GetLastStatus().Status)
}
