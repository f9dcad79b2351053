package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoEmail is returned when the identity provider vouches for an account without an email.
var ErrNoEmail = errors.New("identity has no email")

// IdentityVerifier exchanges an identity provider assertion for the caller's identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, idToken string) (Identity, error)
}

// ToolkitVerifier resolves Firebase ID tokens through the Identity Toolkit
// accounts:lookup endpoint.
type ToolkitVerifier struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// ToolkitConfig configures ToolkitVerifier.
type ToolkitConfig struct {
	APIKey  string
	BaseURL string // optional, defaults to https://identitytoolkit.googleapis.com
	Timeout time.Duration
}

// NewToolkitVerifier creates a verifier for the project owning cfg.APIKey.
func NewToolkitVerifier(cfg ToolkitConfig) (*ToolkitVerifier, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("auth: identity api key required")
	}
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://identitytoolkit.googleapis.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ToolkitVerifier{apiKey: cfg.APIKey, baseURL: base, httpClient: &http.Client{Timeout: timeout}}, nil
}

type lookupResponse struct {
	Users []struct {
		LocalID string `json:"localId"`
		Email   string `json:"email"`
	} `json:"users"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Verify looks up the account behind idToken.
func (v *ToolkitVerifier) Verify(ctx context.Context, idToken string) (Identity, error) {
	body, err := json.Marshal(map[string]string{"idToken": idToken})
	if err != nil {
		return Identity{}, err
	}
	endpoint := v.baseURL + "/v1/accounts:lookup?key=" + url.QueryEscape(v.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Identity{}, fmt.Errorf("identity: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: lookup: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Identity{}, fmt.Errorf("identity: read response: %w", err)
	}
	var out lookupResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Identity{}, fmt.Errorf("identity: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return Identity{}, fmt.Errorf("identity: lookup failed: %s", msg)
	}
	if len(out.Users) == 0 {
		return Identity{}, errors.New("identity: no account for token")
	}
	user := out.Users[0]
	if strings.TrimSpace(user.Email) == "" {
		return Identity{UID: user.LocalID}, ErrNoEmail
	}
	return Identity{Email: user.Email, UID: user.LocalID}, nil
}
