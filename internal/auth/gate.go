// Package auth gates relay requests on HS256 bearer tokens and mints them after
// an identity provider vouches for the caller.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller.
type Identity struct {
	Email string `json:"email"`
	UID   string `json:"uid"`
}

// Claims is the token payload: {email, uid, iat, exp}.
type Claims struct {
	Email string `json:"email"`
	UID   string `json:"uid"`
	jwt.RegisteredClaims
}

var (
	errNoHeader  = errors.New("missing or malformed authorization header")
	errNoEmail   = errors.New("token carries no email")
	errBadDomain = errors.New("email outside the allowed domain")
)

// Gate validates bearer tokens. It holds no per-request state.
type Gate struct {
	secret []byte
	domain string
	now    func() time.Time
}

// NewGate creates a Gate accepting tokens signed with secret whose email
// belongs to domain (with or without the leading "@").
func NewGate(secret, domain string) (*Gate, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: secret required")
	}
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "@"))
	if domain == "" {
		return nil, errors.New("auth: allowed domain required")
	}
	return &Gate{secret: []byte(secret), domain: domain, now: time.Now}, nil
}

// Authorize checks the request's Authorization header. It never reads the
// body or cookies.
func (g *Gate) Authorize(r *http.Request) (Identity, error) {
	return g.AuthorizeHeader(r.Header.Get("Authorization"))
}

// AuthorizeHeader checks a raw Authorization header value.
func (g *Gate) AuthorizeHeader(header string) (Identity, error) {
	token, ok := bearerToken(header)
	if !ok {
		return Identity{}, newError(KindMissing, errNoHeader)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return g.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, newError(KindExpired, err)
		}
		return Identity{}, newError(KindInvalid, err)
	}

	email := strings.TrimSpace(claims.Email)
	if email == "" {
		return Identity{}, newError(KindInvalid, errNoEmail)
	}
	if !strings.HasSuffix(strings.ToLower(email), "@"+g.domain) {
		return Identity{}, newError(KindForbidden, fmt.Errorf("%w: %s", errBadDomain, g.domain))
	}
	return Identity{Email: email, UID: claims.UID}, nil
}

// KindOf returns the rejection kind carried by err, or "" when err is not a gate error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
