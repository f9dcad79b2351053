package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tokligence/segment-relay/internal/config"
)

func TestInitCreatesConfigFiles(t *testing.T) {
	tmp := t.TempDir()
	opts := InitOptions{
		Root:          tmp,
		AllowedDomain: "@example.com",
		LedgerDSN:     filepath.Join(tmp, "ledger.db"),
	}
	if err := Init(opts); err != nil {
		t.Fatalf("Init: %v", err)
	}

	settingBytes, err := os.ReadFile(filepath.Join(tmp, "config", "setting.ini"))
	if err != nil {
		t.Fatalf("read setting: %v", err)
	}
	content := string(settingBytes)
	if !strings.Contains(content, "environment=dev") {
		t.Fatalf("missing environment: %s", content)
	}
	if !strings.Contains(content, "max_segments=2") {
		t.Fatalf("missing max_segments: %s", content)
	}

	relayBytes, err := os.ReadFile(filepath.Join(tmp, "config", "dev", "relay.ini"))
	if err != nil {
		t.Fatalf("read relay: %v", err)
	}
	relayContent := string(relayBytes)
	if !strings.Contains(relayContent, "allowed_domain=example.com\n") {
		t.Fatalf("missing domain: %s", relayContent)
	}
	if !strings.Contains(relayContent, "auth_secret=") || strings.Contains(relayContent, "auth_secret=\n") {
		t.Fatalf("expected generated secret: %s", relayContent)
	}
}

func TestInitOutputLoads(t *testing.T) {
	tmp := t.TempDir()
	if err := Init(InitOptions{Root: tmp, AllowedDomain: "example.com", LedgerDSN: filepath.Join(tmp, "ledger.db")}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	cfg, err := config.LoadRelayConfig(tmp)
	if err != nil {
		t.Fatalf("load generated config: %v", err)
	}
	if cfg.AllowedDomain != "example.com" || len(cfg.AuthSecret) != 64 {
		t.Fatalf("unexpected config: domain=%q secret_len=%d", cfg.AllowedDomain, len(cfg.AuthSecret))
	}
	if cfg.MaxSegments != 2 || cfg.MaxTokens != 8192 {
		t.Fatalf("unexpected limits: %d/%d", cfg.MaxSegments, cfg.MaxTokens)
	}
}

func TestInitRespectsForce(t *testing.T) {
	tmp := t.TempDir()
	opts := InitOptions{Root: tmp, AllowedDomain: "b.com"}
	if err := Init(opts); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := Init(opts); err == nil {
		t.Fatalf("expected error when files exist")
	}
	opts.Force = true
	if err := Init(opts); err != nil {
		t.Fatalf("Init with force: %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(InitOptions{}); err == nil {
		t.Fatalf("expected missing domain error")
	}
	if err := Validate(InitOptions{AllowedDomain: "user@example.com"}); err == nil {
		t.Fatalf("expected invalid domain error")
	}
	if err := Validate(InitOptions{AllowedDomain: "example.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
