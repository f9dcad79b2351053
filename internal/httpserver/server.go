package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	adapterrouter "github.com/tokligence/segment-relay/internal/adapter/router"
	"github.com/tokligence/segment-relay/internal/auth"
	"github.com/tokligence/segment-relay/internal/health"
	"github.com/tokligence/segment-relay/internal/ledger"
	"github.com/tokligence/segment-relay/internal/metrics"
	"github.com/tokligence/segment-relay/internal/ratelimit"
	"github.com/tokligence/segment-relay/internal/relay"
)

// Options wires the server's collaborators. Relays and Gate are required;
// the rest switch features on when set.
type Options struct {
	Relays   *relay.Controller
	Gate     *auth.Gate
	Issuer   *auth.Issuer
	Verifier auth.IdentityVerifier
	Ledger   ledger.Store
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Collector
	Health   *health.Checker
	Models   *adapterrouter.Router
}

// Server exposes the relay over HTTP.
type Server struct {
	relays   *relay.Controller
	gate     *auth.Gate
	issuer   *auth.Issuer
	verifier auth.IdentityVerifier
	ledger   ledger.Store
	limiter  *ratelimit.Limiter
	metrics  *metrics.Collector
	health   *health.Checker
	models   *adapterrouter.Router

	logger   *log.Logger
	logLevel string
}

// New validates opts and builds a Server.
func New(opts Options) (*Server, error) {
	if opts.Relays == nil {
		return nil, errors.New("httpserver: relay controller required")
	}
	if opts.Gate == nil {
		return nil, errors.New("httpserver: authorization gate required")
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &Server{
		relays:   opts.Relays,
		gate:     opts.Gate,
		issuer:   opts.Issuer,
		verifier: opts.Verifier,
		ledger:   opts.Ledger,
		limiter:  opts.Limiter,
		metrics:  collector,
		health:   opts.Health,
		models:   opts.Models,
		logger:   log.Default(),
	}, nil
}

// SetLogger sets the server logger and level (debug enables debugf output).
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	s.registerEndpoints(r,
		newChatEndpoint(s),
		newLoginEndpoint(s),
		newUsageEndpoint(s),
		newOpsEndpoint(s),
	)
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...Endpoint) {
	gated := r.With(s.gatedMiddleware()...)
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			if route.Gated {
				gated.Method(route.Method, route.Path, route.Handler)
				continue
			}
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

// gatedMiddleware authorizes first so rejected callers never reach the
// rate limiter, the body parser or the model client.
func (s *Server) gatedMiddleware() []func(http.Handler) http.Handler {
	chain := []func(http.Handler) http.Handler{auth.Middleware(s.gate, s.onAuthReject)}
	if s.limiter != nil && s.limiter.Enabled() {
		mw := ratelimit.NewMiddleware(s.limiter, s.logger, func(_ *http.Request, key string) {
			s.metrics.RecordRateLimitHit(key)
		})
		chain = append(chain, mw.Wrap)
	}
	return chain
}

func (s *Server) onAuthReject(r *http.Request, err *auth.Error) {
	s.metrics.RecordAuthFailure(string(err.Kind))
	s.logger.Printf("auth.reject kind=%s path=%s remote=%s request_id=%s", err.Kind, r.URL.Path, r.RemoteAddr, middleware.GetReqID(r.Context()))
	s.debugf("auth.reject detail=%v", err)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}
