package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/relay.ini"
	envPrefix        = "RELAY_"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RelayConfig describes runtime options for relayd.
type RelayConfig struct {
	Environment string
	HTTPAddress string
	LogFile     string // "-" disables file logging
	LogLevel    string

	// Authorization
	AuthSecret     string
	AllowedDomain  string
	TokenTTL       time.Duration
	IdentityAPIKey string
	IdentityURL    string

	// Continuation
	MaxSegments int
	MaxTokens   int

	// Upstream adapters
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIOrg          string
	AnthropicAPIKey    string
	AnthropicBaseURL   string
	AnthropicVersion   string
	RoutesFile         string
	UpstreamTimeout    time.Duration
	UpstreamRetries    int
	BreakerMaxFailures int
	BreakerTimeout     time.Duration

	// Usage ledger
	LedgerDSN   string
	LedgerAsync bool

	// Rate limiting (0 disables)
	RateLimitPerMin int
	RateLimitBurst  int
	RedisAddr       string

	TracingExporter string
}

// LoadRelayConfig reads the current environment and loads the matching relay config file.
// Precedence: RELAY_* environment variables, then config/<env>/relay.ini, then config/setting.ini.
func LoadRelayConfig(root string) (RelayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return RelayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return RelayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(key string) string {
		return strings.TrimSpace(firstNonEmpty(os.Getenv(envPrefix+strings.ToUpper(key)), merged[key]))
	}

	cfg := RelayConfig{
		Environment:        s.Environment,
		HTTPAddress:        firstNonEmpty(get("http_address"), ":8081"),
		LogFile:            get("log_file"),
		LogLevel:           strings.ToLower(firstNonEmpty(get("log_level"), "info")),
		AuthSecret:         get("auth_secret"),
		AllowedDomain:      strings.TrimPrefix(get("allowed_domain"), "@"),
		IdentityAPIKey:     get("identity_api_key"),
		IdentityURL:        get("identity_url"),
		MaxSegments:        parseOptionalInt(get("max_segments"), 2),
		MaxTokens:          parseOptionalInt(get("max_tokens"), 8192),
		OpenAIAPIKey:       get("openai_api_key"),
		OpenAIBaseURL:      get("openai_base_url"),
		OpenAIOrg:          get("openai_org"),
		AnthropicAPIKey:    get("anthropic_api_key"),
		AnthropicBaseURL:   get("anthropic_base_url"),
		AnthropicVersion:   get("anthropic_version"),
		RoutesFile:         get("routes_file"),
		UpstreamRetries:    parseOptionalInt(get("upstream_retries"), 1),
		BreakerMaxFailures: parseOptionalInt(get("breaker_max_failures"), 5),
		LedgerDSN:          firstNonEmpty(get("ledger_dsn"), DefaultLedgerPath()),
		LedgerAsync:        parseBool(get("ledger_async")),
		RateLimitPerMin:    parseOptionalInt(get("rate_limit_per_min"), 0),
		RateLimitBurst:     parseOptionalInt(get("rate_limit_burst"), 0),
		RedisAddr:          get("redis_addr"),
		TracingExporter:    strings.ToLower(firstNonEmpty(get("tracing_exporter"), "none")),
	}

	if cfg.TokenTTL, err = parseDuration(get("token_ttl"), 7*24*time.Hour); err != nil {
		return RelayConfig{}, fmt.Errorf("config: token_ttl: %w", err)
	}
	if cfg.UpstreamTimeout, err = parseDuration(get("upstream_timeout"), 60*time.Second); err != nil {
		return RelayConfig{}, fmt.Errorf("config: upstream_timeout: %w", err)
	}
	if cfg.BreakerTimeout, err = parseDuration(get("breaker_timeout"), 30*time.Second); err != nil {
		return RelayConfig{}, fmt.Errorf("config: breaker_timeout: %w", err)
	}
	if cfg.RateLimitPerMin > 0 && cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = cfg.RateLimitPerMin
	}

	if err := cfg.Validate(); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

// Validate reports the first configuration error.
func (c RelayConfig) Validate() error {
	switch {
	case c.AuthSecret == "":
		return errors.New("config: auth_secret is required")
	case c.AllowedDomain == "":
		return errors.New("config: allowed_domain is required")
	case c.MaxSegments < 0:
		return fmt.Errorf("config: max_segments must be >= 0, got %d", c.MaxSegments)
	case c.MaxTokens <= 0:
		return fmt.Errorf("config: max_tokens must be > 0, got %d", c.MaxTokens)
	case c.RateLimitPerMin < 0:
		return fmt.Errorf("config: rate_limit_per_min must be >= 0, got %d", c.RateLimitPerMin)
	}
	switch c.TracingExporter {
	case "none", "noop", "stdout":
	default:
		return fmt.Errorf("config: unsupported tracing_exporter %q", c.TracingExporter)
	}
	return nil
}

// DebugEnabled reports whether debug logging was requested.
func (c RelayConfig) DebugEnabled() bool {
	return c.LogLevel == "debug"
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv(envPrefix+"ENV"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

// parseDuration accepts Go durations plus a whole-day "Nd" form.
func parseDuration(v string, fallback time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid day count %q", v)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", v)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback sqlite ledger path.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".segment-relay", "ledger.db")
}
