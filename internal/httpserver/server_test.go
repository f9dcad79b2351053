package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/segment-relay/internal/adapter"
	"github.com/tokligence/segment-relay/internal/adapter/loopback"
	adapterrouter "github.com/tokligence/segment-relay/internal/adapter/router"
	"github.com/tokligence/segment-relay/internal/auth"
	"github.com/tokligence/segment-relay/internal/ledger/sqlite"
	"github.com/tokligence/segment-relay/internal/metrics"
	"github.com/tokligence/segment-relay/internal/openai"
	"github.com/tokligence/segment-relay/internal/ratelimit"
	"github.com/tokligence/segment-relay/internal/relay"
	"github.com/tokligence/segment-relay/internal/stream"
	"github.com/tokligence/segment-relay/internal/testutil"
)

const (
	testSecret = "test-secret"
	testDomain = "example.com"
)

type reply struct {
	reason stream.FinishReason
	chunks []string
	err    error
}

// spyClient counts model calls and replays scripted segments.
type spyClient struct {
	mu     sync.Mutex
	calls  int
	keys   []adapter.Keys
	script []reply
}

func (c *spyClient) CreateCompletionStream(ctx context.Context, req openai.ChatCompletionRequest, keys adapter.Keys) (stream.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.keys = append(c.keys, keys)
	if len(c.script) == 0 {
		return nil, errors.New("unexpected call")
	}
	rep := c.script[0]
	if len(c.script) > 1 {
		c.script = c.script[1:]
	}
	if rep.err != nil {
		return nil, rep.err
	}
	return stream.NewStaticSource(rep.reason, rep.chunks...), nil
}

func (c *spyClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixture struct {
	server  *Server
	handler http.Handler
	client  *spyClient
	metrics *metrics.Collector
}

func newFixture(t *testing.T, maxSegments int, opts Options, script ...reply) *fixture {
	t.Helper()
	client := &spyClient{script: script}
	gate, err := auth.NewGate(testSecret, testDomain)
	require.NoError(t, err)
	logger := log.New(io.Discard, "", 0)

	opts.Relays = relay.New(client, relay.Config{MaxSegments: maxSegments, MaxTokens: 64, Logger: logger})
	opts.Gate = gate
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	srv, err := New(opts)
	require.NoError(t, err)
	srv.SetLogger("debug", logger)
	return &fixture{server: srv, handler: srv.Router(), client: client, metrics: opts.Metrics}
}

func token(t *testing.T, email string) string {
	t.Helper()
	issuer, err := auth.NewIssuer(testSecret, 0)
	require.NoError(t, err)
	tok, _, err := issuer.Issue(auth.Identity{Email: email, UID: "uid-" + strings.Split(email, "@")[0]})
	require.NoError(t, err)
	return tok
}

func newChatRequest(t *testing.T, bearer string, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	return req
}

const helloBody = `{"model":"loopback","messages":[{"role":"user","content":"hi"}]}`

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestChatRejectsUnauthorizedBeforeModelCall(t *testing.T) {
	f := newFixture(t, 2, Options{}, reply{reason: stream.FinishStop, chunks: []string{"nope"}})

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Email: "alice@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-8 * 24 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	expiredToken, err := expired.SignedString([]byte(testSecret))
	require.NoError(t, err)

	cases := map[string]string{
		"missing header":   "",
		"malformed":        "Token abc",
		"garbage token":    "Bearer not-a-jwt",
		"foreign domain":   "Bearer " + token(t, "mallory@evil.com"),
		"expired":          "Bearer " + expiredToken,
		"lowercase scheme": "bearer " + token(t, "alice@example.com"),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(newChatRequest(t, header, helloBody))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Unauthorized\n", rec.Body.String())
		})
	}
	assert.Zero(t, f.client.callCount())

	failures := f.metrics.GetSnapshot().AuthFailures
	assert.Equal(t, int64(3), failures["missing"])
	assert.Equal(t, int64(1), failures["invalid"])
	assert.Equal(t, int64(1), failures["forbidden"])
	assert.Equal(t, int64(1), failures["expired"])
}

func TestChatEndToEnd(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer store.Close()

	f := newFixture(t, 2, Options{Ledger: store}, reply{reason: stream.FinishStop, chunks: []string{"Done."}})
	rec := f.do(newChatRequest(t, "Bearer "+token(t, "alice@example.com"), helloBody))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Done.", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Relay-Id"))
	assert.Equal(t, 1, f.client.callCount())

	snap := f.metrics.GetSnapshot()
	assert.Equal(t, int64(1), snap.RelaysByOutcome["completed"])
	assert.Equal(t, int64(0), snap.Switches)

	summary, err := store.Summary(context.Background(), "uid-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Relays)
	assert.Equal(t, int64(5), summary.CompletionChars)
}

func TestChatContinuesAcrossSegments(t *testing.T) {
	f := newFixture(t, 2, Options{},
		reply{reason: stream.FinishLength, chunks: []string{"A", "B"}},
		reply{reason: stream.FinishStop, chunks: []string{"C", "D"}},
	)
	rec := f.do(newChatRequest(t, "Bearer "+token(t, "alice@example.com"), helloBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABCD", rec.Body.String())
	assert.Equal(t, 2, f.client.callCount())
	assert.Equal(t, int64(1), f.metrics.GetSnapshot().Switches)
}

func TestChatPassesCookieKeys(t *testing.T) {
	f := newFixture(t, 2, Options{}, reply{reason: stream.FinishStop, chunks: []string{"ok"}})
	req := newChatRequest(t, "Bearer "+token(t, "alice@example.com"), helloBody)
	req.Header.Set("Cookie", "theme=dark; apiKeys="+url.PathEscape(`{"OpenAI":"sk-cookie"}`))

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.client.keys, 1)
	assert.Equal(t, "sk-cookie", f.client.keys[0].Lookup("openai"))
}

func TestAPIKeysFromCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.Nil(t, apiKeysFromCookie(req))

	req.Header.Set("Cookie", `apiKeys={"Anthropic":"sk-ant"}`)
	assert.Equal(t, adapter.Keys{"Anthropic": "sk-ant"}, apiKeysFromCookie(req))

	req.Header.Set("Cookie", "apiKeys=%7Bbroken")
	assert.Nil(t, apiKeysFromCookie(req))
}

func TestChatBadBody(t *testing.T) {
	f := newFixture(t, 2, Options{}, reply{reason: stream.FinishStop})
	bearer := "Bearer " + token(t, "alice@example.com")

	assert.Equal(t, http.StatusBadRequest, f.do(newChatRequest(t, bearer, "{")).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(newChatRequest(t, bearer, `{"messages":[]}`)).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(newChatRequest(t, bearer, `{"messages":[{"role":"tool","content":"x"}]}`)).Code)
	assert.Zero(t, f.client.callCount())
}

func TestChatBodyTooLarge(t *testing.T) {
	f := newFixture(t, 2, Options{}, reply{reason: stream.FinishStop})
	body := `{"model":"loopback","messages":[{"role":"user","content":"` + strings.Repeat("a", maxChatBodyBytes) + `"}]}`

	rec := f.do(newChatRequest(t, "Bearer "+token(t, "alice@example.com"), body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, f.client.callCount())
}

func TestChatKeyErrorIs401(t *testing.T) {
	f := newFixture(t, 2, Options{}, reply{err: adapter.MissingKey("openai")})
	rec := f.do(newChatRequest(t, "Bearer "+token(t, "alice@example.com"), helloBody))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid or missing API key\n", rec.Body.String())
	assert.Equal(t, int64(1), f.metrics.GetSnapshot().UpstreamKeyErrors)
}

func TestChatUpstreamErrorIs500(t *testing.T) {
	f := newFixture(t, 2, Options{}, reply{err: errors.New("dial tcp: connection refused to secret-host")})
	rec := f.do(newChatRequest(t, "Bearer "+token(t, "alice@example.com"), helloBody))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error\n", rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret-host")
}

func TestChatSegmentLimitBeforeAnyByteIs500(t *testing.T) {
	f := newFixture(t, 0, Options{}, reply{reason: stream.FinishLength})
	rec := f.do(newChatRequest(t, "Bearer "+token(t, "alice@example.com"), helloBody))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, int64(1), f.metrics.GetSnapshot().RelaysByOutcome["segment_limit"])
}

func TestChatSegmentLimitMidStreamTruncates(t *testing.T) {
	f := newFixture(t, 1, Options{}, reply{reason: stream.FinishLength, chunks: []string{"x"}})
	server := testutil.NewIPv4Server(t, f.handler)
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/chat", strings.NewReader(helloBody))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, "alice@example.com"))
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	assert.Error(t, err, "truncated stream must not end cleanly")
	assert.Equal(t, "xx", string(body))
	assert.Equal(t, 2, f.client.callCount())
}

func TestChatRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 60, Burst: 1})
	defer limiter.Close()
	f := newFixture(t, 2, Options{Limiter: limiter}, reply{reason: stream.FinishStop, chunks: []string{"ok"}})
	bearer := "Bearer " + token(t, "alice@example.com")

	assert.Equal(t, http.StatusOK, f.do(newChatRequest(t, bearer, helloBody)).Code)
	rec := f.do(newChatRequest(t, bearer, helloBody))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, f.client.callCount())
	assert.Equal(t, int64(1), f.metrics.GetSnapshot().RateLimitHits)

	// The gate still runs first for unauthenticated callers.
	assert.Equal(t, http.StatusUnauthorized, f.do(newChatRequest(t, "", helloBody)).Code)
}

type fakeVerifier struct {
	id  auth.Identity
	err error
}

func (v fakeVerifier) Verify(ctx context.Context, idToken string) (auth.Identity, error) {
	return v.id, v.err
}

func TestLogin(t *testing.T) {
	issuer, err := auth.NewIssuer(testSecret, 0)
	require.NoError(t, err)

	login := func(v auth.IdentityVerifier, body string) *httptest.ResponseRecorder {
		f := newFixture(t, 2, Options{Issuer: issuer, Verifier: v})
		return f.do(httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(body)))
	}

	ok := fakeVerifier{id: auth.Identity{Email: "alice@example.com", UID: "u1"}}
	rec := login(ok, `{"idToken":"assertion"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	gate, err := auth.NewGate(testSecret, testDomain)
	require.NoError(t, err)
	id, err := gate.AuthorizeHeader("Bearer " + resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UID)

	assert.Equal(t, http.StatusBadRequest, login(ok, `{}`).Code)
	oversized := `{"idToken":"` + strings.Repeat("x", maxLoginBodyBytes) + `"}`
	assert.Equal(t, http.StatusRequestEntityTooLarge, login(ok, oversized).Code)
	assert.Equal(t, http.StatusBadRequest, login(fakeVerifier{err: auth.ErrNoEmail}, `{"idToken":"x"}`).Code)

	rec = login(fakeVerifier{err: errors.New("lookup failed")}, `{"idToken":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Authentication failed\n", rec.Body.String())

	f := newFixture(t, 2, Options{})
	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"idToken":"x"}`)))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestUsage(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer store.Close()

	f := newFixture(t, 2, Options{Ledger: store}, reply{reason: stream.FinishStop, chunks: []string{"Done."}})
	bearer := "Bearer " + token(t, "alice@example.com")
	require.Equal(t, http.StatusOK, f.do(newChatRequest(t, bearer, helloBody)).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/usage?limit=5", nil)
	req.Header.Set("Authorization", bearer)
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Email   string `json:"email"`
		Summary struct {
			Relays int64 `json:"relays"`
		} `json:"summary"`
		Recent []struct {
			Outcome string `json:"outcome"`
		} `json:"recent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alice@example.com", body.Email)
	assert.Equal(t, int64(1), body.Summary.Relays)
	require.Len(t, body.Recent, 1)
	assert.Equal(t, "completed", body.Recent[0].Outcome)

	bad := httptest.NewRequest(http.MethodGet, "/api/usage?limit=0", nil)
	bad.Header.Set("Authorization", bearer)
	assert.Equal(t, http.StatusBadRequest, f.do(bad).Code)

	assert.Equal(t, http.StatusUnauthorized, f.do(httptest.NewRequest(http.MethodGet, "/api/usage", nil)).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, 2, Options{})
	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	_ = f.do(newChatRequest(t, "", helloBody))
	rec = f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `relay_auth_failures_total{kind="missing"} 1`)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestChatUnknownModelIs400(t *testing.T) {
	models := adapterrouter.New()
	require.NoError(t, models.RegisterAdapter("loopback", loopback.New(loopback.Config{ContinuePrompt: relay.ContinuePrompt})))
	require.NoError(t, models.RegisterRoute("loopback", "loopback"))
	gate, err := auth.NewGate(testSecret, testDomain)
	require.NoError(t, err)
	collector := metrics.NewCollector()
	srv, err := New(Options{
		Relays:  relay.New(models, relay.Config{MaxSegments: 2, MaxTokens: 64, Logger: log.New(io.Discard, "", 0)}),
		Gate:    gate,
		Metrics: collector,
		Models:  models,
	})
	require.NoError(t, err)
	srv.SetLogger("info", log.New(io.Discard, "", 0))
	bearer := "Bearer " + token(t, "alice@example.com")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, newChatRequest(t, bearer, `{"model":"gtp-4o","messages":[{"role":"user","content":"hi"}]}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Unknown model\n", rec.Body.String())
	assert.Empty(t, collector.GetSnapshot().UpstreamErrors)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, newChatRequest(t, bearer, helloBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[loopback] hi", rec.Body.String())
}
