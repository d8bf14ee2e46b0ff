// Package harvester talks to the local harvester side-car, which owns a
// real browser session against chatgpt.com and exposes it over a small
// HTTP API. This client caches the tokens it hands out (access and arkose
// have different lifetimes) and never hands back a stale arkose token.
package harvester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/arvhq/llmgateway/internal/gatewayerr"
	"golang.org/x/sync/singleflight"
)

const (
	accessTokenTTL = 3600 * time.Second
	arkoseTokenTTL = 120 * time.Second

	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
)

// Tokens is what the side-car hands back from GET /tokens and POST /refresh.
type Tokens struct {
	AccessToken string `json:"access_token"`
	ArkoseToken string `json:"arkose_token,omitempty"`
	CachedAt    time.Time
}

type wireTokens struct {
	AccessToken string `json:"access_token"`
	ArkoseToken string `json:"arkose_token,omitempty"`
}

// Client caches harvester-issued tokens in-process and coalesces concurrent
// refreshes into a single outbound call.
type Client struct {
	baseURL string
	client  *http.Client

	mu     sync.RWMutex
	cached *Tokens

	sf singleflight.Group
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// GetTokens returns a usable token pair. On a cache miss it fetches GET
// /tokens first — the side-car's own browser session keeps this warm without
// forcing a new refresh cycle — and only escalates to POST /refresh when the
// caller specifically needs an arkose token and /tokens didn't include one.
func (c *Client) GetTokens(ctx context.Context, requiresArkose bool) (Tokens, error) {
	if tok, ok := c.fresh(requiresArkose); ok {
		return tok, nil
	}

	tok, err := c.fetch(ctx)
	if err != nil {
		return Tokens{}, err
	}
	if requiresArkose && tok.ArkoseToken == "" {
		return c.Refresh(ctx, true)
	}
	return tok, nil
}

// fetch retrieves the side-car's current tokens via GET /tokens, coalescing
// concurrent callers into a single outbound call.
func (c *Client) fetch(ctx context.Context) (Tokens, error) {
	v, err, _ := c.sf.Do("tokens", func() (interface{}, error) {
		return c.doFetch(ctx)
	})
	if err != nil {
		return Tokens{}, err
	}
	return v.(Tokens), nil
}

func (c *Client) doFetch(ctx context.Context) (Tokens, error) {
	var last error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBase * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Tokens{}, ctx.Err()
			}
		}

		tok, err, retryable := c.getTokens(ctx)
		if err == nil {
			c.mu.Lock()
			c.cached = &tok
			c.mu.Unlock()
			return tok, nil
		}
		last = err
		if !retryable {
			break
		}
	}

	return Tokens{}, gatewayerr.Wrap(gatewayerr.Unavailable, "harvester fetch failed", last)
}

// getTokens returns (tokens, nil, _) on success, or (_, err, retryable)
// where retryable is true only for network failures and 5xx responses.
func (c *Client) getTokens(ctx context.Context) (Tokens, error, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tokens", http.NoBody)
	if err != nil {
		return Tokens{}, fmt.Errorf("build tokens request: %w", err), false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("tokens request failed: %w", err), true
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		return Tokens{}, fmt.Errorf("harvester tokens status %d: %s", resp.StatusCode, string(respBody)), true
	}
	if resp.StatusCode != http.StatusOK {
		return Tokens{}, fmt.Errorf("harvester tokens status %d: %s", resp.StatusCode, string(respBody)), false
	}

	var wire wireTokens
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return Tokens{}, fmt.Errorf("decode harvester response: %w", err), false
	}

	return Tokens{
		AccessToken: wire.AccessToken,
		ArkoseToken: wire.ArkoseToken,
		CachedAt:    time.Now(),
	}, nil, false
}

// Refresh forces a token refresh, coalescing concurrent callers.
func (c *Client) Refresh(ctx context.Context, forceArkose bool) (Tokens, error) {
	key := "refresh"
	if forceArkose {
		key = "refresh-arkose"
	}

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		return c.doRefresh(ctx, forceArkose)
	})
	if err != nil {
		return Tokens{}, err
	}
	return v.(Tokens), nil
}

func (c *Client) fresh(requiresArkose bool) (Tokens, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cached == nil {
		return Tokens{}, false
	}

	age := time.Since(c.cached.CachedAt)
	if age < 0 {
		// Clock skew: a cached_at in the future is never trusted.
		return Tokens{}, false
	}
	if age >= accessTokenTTL {
		return Tokens{}, false
	}
	if requiresArkose && (c.cached.ArkoseToken == "" || age >= arkoseTokenTTL) {
		return Tokens{}, false
	}

	return *c.cached, true
}

func (c *Client) doRefresh(ctx context.Context, forceArkose bool) (Tokens, error) {
	body, _ := json.Marshal(map[string]bool{"force_arkose": forceArkose})

	var last error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBase * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Tokens{}, ctx.Err()
			}
		}

		tok, err, retryable := c.postRefresh(ctx, body)
		if err == nil {
			c.mu.Lock()
			c.cached = &tok
			c.mu.Unlock()
			return tok, nil
		}
		last = err
		if !retryable {
			break
		}
	}

	return Tokens{}, gatewayerr.Wrap(gatewayerr.Unavailable, "harvester refresh failed", last)
}

// postRefresh returns (tokens, nil, _) on success, or (_, err, retryable)
// where retryable is true only for network failures and 5xx responses.
func (c *Client) postRefresh(ctx context.Context, body []byte) (Tokens, error, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/refresh", bytes.NewReader(body))
	if err != nil {
		return Tokens{}, fmt.Errorf("build refresh request: %w", err), false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("refresh request failed: %w", err), true
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		return Tokens{}, fmt.Errorf("harvester refresh status %d: %s", resp.StatusCode, string(respBody)), true
	}
	if resp.StatusCode != http.StatusOK {
		return Tokens{}, fmt.Errorf("harvester refresh status %d: %s", resp.StatusCode, string(respBody)), false
	}

	var wire wireTokens
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return Tokens{}, fmt.Errorf("decode harvester response: %w", err), false
	}

	return Tokens{
		AccessToken: wire.AccessToken,
		ArkoseToken: wire.ArkoseToken,
		CachedAt:    time.Now(),
	}, nil, false
}

// Health reports the side-car's own view of its browser session.
type Health struct {
	BrowserAlive     bool      `json:"browser_alive"`
	SessionValid     bool      `json:"session_valid"`
	LastTokenRefresh time.Time `json:"last_token_refresh"`
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", http.NoBody)
	if err != nil {
		return Health{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Health{}, gatewayerr.Wrap(gatewayerr.Unavailable, "harvester unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Health{}, gatewayerr.New(gatewayerr.Unavailable, fmt.Sprintf("harvester health status %d", resp.StatusCode))
	}

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("decode harvester health: %w", err)
	}
	return h, nil
}
