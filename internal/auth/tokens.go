package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/inboxpilot/labelsync/internal/labels"
)

// Credential is a currently-valid bearer credential for one
// (tenant, provider) pair.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// CredentialSource supplies bearer credentials per (tenant, provider). Token
// returns the current credential; Refresh forces the OAuth subsystem to mint
// a new one. This service never refreshes provider tokens itself.
type CredentialSource interface {
	Token(ctx context.Context, tenantID string, provider labels.ProviderName) (*Credential, error)
	Refresh(ctx context.Context, tenantID string, provider labels.ProviderName) (*Credential, error)
}

// TokenServiceClient fetches OAuth credentials from the onboarding
// product's token service, which owns storage and refresh.
type TokenServiceClient struct {
	baseURL string
	client  *http.Client
}

// NewTokenServiceClient creates a client against the token service.
func NewTokenServiceClient(baseURL string) *TokenServiceClient {
	return &TokenServiceClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Token fetches the current credential for a tenant's provider account.
func (c *TokenServiceClient) Token(ctx context.Context, tenantID string, provider labels.ProviderName) (*Credential, error) {
	url := fmt.Sprintf("%s/api/tenants/%s/accounts/%s/token", c.baseURL, tenantID, providerSlug(provider))
	return c.fetch(ctx, http.MethodGet, url, provider)
}

// Refresh asks the token service to mint a fresh credential, used after the
// provider rejects the current one.
func (c *TokenServiceClient) Refresh(ctx context.Context, tenantID string, provider labels.ProviderName) (*Credential, error) {
	url := fmt.Sprintf("%s/api/tenants/%s/accounts/%s/token/refresh", c.baseURL, tenantID, providerSlug(provider))
	return c.fetch(ctx, http.MethodPost, url, provider)
}

func (c *TokenServiceClient) fetch(ctx context.Context, method, url string, provider labels.ProviderName) (*Credential, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no %s account connected", providerSlug(provider))
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Credential{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}

func providerSlug(provider labels.ProviderName) string {
	return strings.ToLower(string(provider))
}
