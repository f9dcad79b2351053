package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tokligence/segment-relay/internal/auth"
	"github.com/tokligence/segment-relay/internal/ledger"
	"github.com/tokligence/segment-relay/internal/metrics"
	"github.com/tokligence/segment-relay/internal/version"
)

const defaultUsageLimit = 20

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("usage ledger disabled"))
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	limit := defaultUsageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			s.respondError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	key := userKey(id)
	summary, err := s.ledger.Summary(r.Context(), key)
	if err != nil {
		s.logger.Printf("usage.summary_error uid=%s err=%v", key, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("usage unavailable"))
		return
	}
	recent, err := s.ledger.ListRecent(r.Context(), key, limit)
	if err != nil {
		s.logger.Printf("usage.list_error uid=%s err=%v", key, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("usage unavailable"))
		return
	}
	if recent == nil {
		recent = []ledger.Entry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"email":   id.Email,
		"summary": summary,
		"recent":  recent,
	})
}

// HandleHealth reports component health and the configured model routes.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": version.Info(),
	}
	status := http.StatusOK
	if s.health != nil {
		h := s.health.Check(r.Context())
		payload["status"] = h.Status
		payload["components"] = h.Components
		status = h.HTTPStatus()
	}
	if s.models != nil {
		payload["adapters"] = s.models.ListAdapters()
		payload["routes"] = s.models.ListRoutes()
	}
	s.respondJSON(w, status, payload)
}

// HandleMetrics serves the Prometheus text exposition.
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}
