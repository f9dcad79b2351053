package ratelimit

import (
	"log"
	"net/http"
	"strconv"

	"github.com/tokligence/segment-relay/internal/auth"
)

// Middleware wraps an HTTP handler with per-user rate limiting. It must run
// after the auth middleware, whose identity supplies the key.
type Middleware struct {
	limiter  *Limiter
	logger   *log.Logger
	onReject func(r *http.Request, key string)
}

// NewMiddleware creates a new rate limiting middleware. onReject may be nil.
func NewMiddleware(limiter *Limiter, logger *log.Logger, onReject func(r *http.Request, key string)) *Middleware {
	return &Middleware{limiter: limiter, logger: logger, onReject: onReject}
}

// Wrap applies rate limiting to an HTTP handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.limiter.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFor(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, err := m.limiter.Allow(r.Context(), key)
		if err != nil && m.logger != nil {
			// store unavailable: let the request through
			m.logger.Printf("ratelimit.store_error key=%s err=%v", key, err)
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limiter.Limit()))
		if err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}

		if !allowed {
			if m.logger != nil {
				m.logger.Printf("ratelimit.exceeded key=%s path=%s", key, r.URL.Path)
			}
			if m.onReject != nil {
				m.onReject(r, key)
			}
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func keyFor(r *http.Request) string {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return ""
	}
	if id.UID != "" {
		return id.UID
	}
	return id.Email
}
