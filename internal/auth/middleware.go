package auth

import (
	"context"
	"net/http"
)

type identityKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity placed by Middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Middleware rejects unauthorized requests with a generic 401 before the
// wrapped handler runs. onReject, when set, observes the typed failure.
func Middleware(g *Gate, onReject func(r *http.Request, err *Error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := g.Authorize(r)
			if err != nil {
				if onReject != nil {
					ae, ok := err.(*Error)
					if !ok {
						ae = newError(KindInvalid, err)
					}
					onReject(r, ae)
				}
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
