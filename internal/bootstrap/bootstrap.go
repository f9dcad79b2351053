package bootstrap

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tokligence/segment-relay/internal/config"
)

// InitOptions configures the bootstrap process for generating config files.
type InitOptions struct {
	Root          string
	Environment   string
	AllowedDomain string
	AuthSecret    string // generated when empty
	LedgerDSN     string
	MaxSegments   int
	MaxTokens     int
	Force         bool
}

// Init scaffolds config/setting.ini and config/<env>/relay.ini.
func Init(opts InitOptions) error {
	if err := applyDefaults(&opts); err != nil {
		return err
	}
	if err := Validate(opts); err != nil {
		return err
	}
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	relayPath := filepath.Join(opts.Root, "config", opts.Environment, "relay.ini")
	return writeFile(relayPath, relayTemplate(opts), opts.Force)
}

func applyDefaults(opts *InitOptions) error {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	opts.AllowedDomain = strings.TrimPrefix(strings.TrimSpace(opts.AllowedDomain), "@")
	if strings.TrimSpace(opts.LedgerDSN) == "" {
		opts.LedgerDSN = config.DefaultLedgerPath()
	}
	if opts.MaxSegments <= 0 {
		opts.MaxSegments = 2
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8192
	}
	if strings.TrimSpace(opts.AuthSecret) == "" {
		secret, err := newSecret()
		if err != nil {
			return err
		}
		opts.AuthSecret = secret
	}
	return nil
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate auth secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o600)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Segment relay settings
environment=%s
max_segments=%d
max_tokens=%d
`, opts.Environment, opts.MaxSegments, opts.MaxTokens)
}

func relayTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# Environment specific overrides for %s
http_address=:8081
log_level=info
# Dash '-' disables file output.
log_file=logs/relayd.log
auth_secret=%s
allowed_domain=%s
token_ttl=7d
ledger_dsn=%s
# Provider keys; callers may also send them in the apiKeys cookie.
openai_api_key=
anthropic_api_key=
tracing_exporter=none
`, opts.Environment, opts.AuthSecret, opts.AllowedDomain, opts.LedgerDSN)
}

// Validate ensures required fields are present without modifying files.
func Validate(opts InitOptions) error {
	domain := strings.TrimPrefix(strings.TrimSpace(opts.AllowedDomain), "@")
	if domain == "" {
		return errors.New("allowed domain is required")
	}
	if strings.Contains(domain, "@") || !strings.Contains(domain, ".") {
		return fmt.Errorf("allowed domain %q is not a domain", domain)
	}
	return nil
}
