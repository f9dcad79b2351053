package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, setting, env string) string {
	t.Helper()
	tmp := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "config", "dev"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "config", "setting.ini"), []byte(setting), 0o644))
	if env != "" {
		require.NoError(t, os.WriteFile(filepath.Join(tmp, "config", "dev", "relay.ini"), []byte(env), 0o644))
	}
	return tmp
}

func TestLoadRelayConfigLayering(t *testing.T) {
	root := writeConfig(t,
		"environment=dev\nlog_level=debug\nauth_secret=base-secret\nallowed_domain=@squadfy.com.br\nmax_segments=4\n",
		"# env overrides\n[relay]\nhttp_address=:9090\nmax_tokens=4000\nauth_secret=override-secret\ntoken_ttl=3d\nrate_limit_per_min=30\n",
	)
	t.Setenv("RELAY_AUTH_SECRET", "env-secret")
	t.Setenv("RELAY_LEDGER_DSN", "postgres://relay@localhost/relay")

	cfg, err := LoadRelayConfig(root)
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Environment)
	assert.Equal(t, ":9090", cfg.HTTPAddress)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.DebugEnabled())
	assert.Equal(t, "env-secret", cfg.AuthSecret)
	assert.Equal(t, "squadfy.com.br", cfg.AllowedDomain)
	assert.Equal(t, 4, cfg.MaxSegments)
	assert.Equal(t, 4000, cfg.MaxTokens)
	assert.Equal(t, 72*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 30, cfg.RateLimitPerMin)
	assert.Equal(t, 30, cfg.RateLimitBurst)
	assert.Equal(t, "postgres://relay@localhost/relay", cfg.LedgerDSN)
}

func TestLoadRelayConfigDefaults(t *testing.T) {
	root := writeConfig(t, "auth_secret=s\nallowed_domain=example.com\n", "")

	cfg, err := LoadRelayConfig(root)
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.HTTPAddress)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 2, cfg.MaxSegments)
	assert.Equal(t, 8192, cfg.MaxTokens)
	assert.Equal(t, 7*24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 60*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, 1, cfg.UpstreamRetries)
	assert.Equal(t, 5, cfg.BreakerMaxFailures)
	assert.Equal(t, "none", cfg.TracingExporter)
	assert.Equal(t, DefaultLedgerPath(), cfg.LedgerDSN)
	assert.False(t, cfg.LedgerAsync)
}

func TestLoadRelayConfigEnvironmentSelectsFile(t *testing.T) {
	root := writeConfig(t, "environment=prod\nauth_secret=s\nallowed_domain=example.com\n", "max_segments=9\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "config", "prod"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "config", "prod", "relay.ini"), []byte("max_segments=3\n"), 0o644))

	cfg, err := LoadRelayConfig(root)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, 3, cfg.MaxSegments)
}

func TestLoadRelayConfigValidation(t *testing.T) {
	tests := map[string]string{
		"missing secret": "allowed_domain=example.com\n",
		"missing domain": "auth_secret=s\n",
		"negative segs":  "auth_secret=s\nallowed_domain=example.com\nmax_segments=-1\n",
		"zero tokens":    "auth_secret=s\nallowed_domain=example.com\nmax_tokens=0\n",
		"bad ttl":        "auth_secret=s\nallowed_domain=example.com\ntoken_ttl=soon\n",
		"bad exporter":   "auth_secret=s\nallowed_domain=example.com\ntracing_exporter=zipkin\n",
	}
	for name, setting := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadRelayConfig(writeConfig(t, setting, ""))
			assert.Error(t, err)
		})
	}
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("7d", 0)
	require.NoError(t, err)
	assert.Equal(t, 168*time.Hour, d)

	d, err = parseDuration("90m", 0)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	d, err = parseDuration("", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	_, err = parseDuration("-1h", 0)
	assert.Error(t, err)
	_, err = parseDuration("xd", 0)
	assert.Error(t, err)
}
