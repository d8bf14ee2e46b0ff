// Package tokenmanager resolves a bearer credential for calls to Google's
// generative AI endpoints. Two modes are supported: a static API key, or a
// service-account OAuth2 access token obtained via a self-signed JWT
// (RFC 7523 jwt-bearer grant) and cached with a safety margin ahead of
// expiry.
package tokenmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/arvhq/llmgateway/internal/gatewayerr"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	googleOAuthTokenURL = "https://oauth2.googleapis.com/token"
	googleAuthScope     = "https://www.googleapis.com/auth/cloud-platform"

	// refreshMargin is how far ahead of actual expiry a cached token is
	// treated as stale, so a request never races a token that is about to
	// expire mid-flight.
	refreshMargin = 5 * time.Minute

	// assertionLifetime is the exp claim's offset from iat on the JWT
	// assertion itself, unrelated to the access token's own 3600s lifetime.
	assertionLifetime = 60 * time.Minute
)

// ServiceAccount is the subset of a Google service account JSON key file
// this manager needs.
type ServiceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	ProjectID   string `json:"project_id"`
	TokenURI    string `json:"token_uri"`
}

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// Manager hands out a bearer credential for Vertex/Gemini requests. Exactly
// one of apiKey or serviceAccount is set.
type Manager struct {
	apiKey         string
	serviceAccount *ServiceAccount
	client         *http.Client

	mu    sync.RWMutex
	cache *cachedToken

	sf singleflight.Group
}

// NewAPIKey builds a Manager that always returns the given static key.
func NewAPIKey(apiKey string) *Manager {
	return &Manager{apiKey: apiKey, client: &http.Client{Timeout: 15 * time.Second}}
}

// NewServiceAccount builds a Manager backed by OAuth2 self-signed JWT
// exchange, loading the key file from path.
func NewServiceAccount(path string) (*Manager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service account file: %w", err)
	}
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("parse service account file: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, fmt.Errorf("service account file missing client_email or private_key")
	}
	if sa.TokenURI == "" {
		sa.TokenURI = googleOAuthTokenURL
	}
	return &Manager{serviceAccount: &sa, client: &http.Client{Timeout: 15 * time.Second}}, nil
}

// IsAPIKey reports whether this manager hands out a static key rather than
// an OAuth2 access token. Callers use this to pick between the API-key and
// OAuth request URL templates.
func (m *Manager) IsAPIKey() bool {
	return m.apiKey != ""
}

// ProjectID returns the service account's project, or "" in API-key mode.
func (m *Manager) ProjectID() string {
	if m.serviceAccount == nil {
		return ""
	}
	return m.serviceAccount.ProjectID
}

// Token returns a usable bearer credential, refreshing it if the cached one
// is within refreshMargin of expiry. Concurrent callers that all observe a
// stale cache collapse into a single outbound refresh via singleflight.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if m.apiKey != "" {
		return m.apiKey, nil
	}

	if tok, ok := m.fresh(); ok {
		return tok, nil
	}

	v, err, _ := m.sf.Do("refresh", func() (interface{}, error) {
		if tok, ok := m.fresh(); ok {
			return tok, nil
		}
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) fresh() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cache == nil {
		return "", false
	}
	if time.Now().Add(refreshMargin).After(m.cache.expiresAt) {
		return "", false
	}
	return m.cache.accessToken, true
}

// refresh exchanges a freshly-built assertion for an access token. Every
// failure path here is a credential failure from the caller's perspective —
// it surfaces to the client as an Auth error (HTTP 502/authentication_error),
// never as a bare internal error.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	assertion, err := m.buildAssertion()
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Auth, "build jwt assertion", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.serviceAccount.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Auth, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Auth, "exchange jwt for token", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", gatewayerr.New(gatewayerr.Auth, fmt.Sprintf("token endpoint returned status %d: %s", resp.StatusCode, string(body)))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Auth, "decode token response", err)
	}
	if tokenResp.ExpiresIn <= 0 {
		tokenResp.ExpiresIn = 3600
	}

	m.mu.Lock()
	m.cache = &cachedToken{
		accessToken: tokenResp.AccessToken,
		expiresAt:   time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}
	m.mu.Unlock()

	return tokenResp.AccessToken, nil
}

func (m *Manager) buildAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   m.serviceAccount.ClientEmail,
		"scope": googleAuthScope,
		"aud":   m.serviceAccount.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(m.serviceAccount.PrivateKey))
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.Auth, "parse private key", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}
