package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arvhq/llmgateway/internal/gatewayerr"
	"github.com/arvhq/llmgateway/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestChain_RejectsMissingBearerWhenAuthRequired(t *testing.T) {
	limiter := ratelimit.New(10, 1)
	h := Chain(okHandler(), Config{RequireAuth: true, MasterKey: "secret"}, limiter)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	var env gatewayerr.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Error.Type != "authentication_error" || env.Error.Message != "Unauthorized" {
		t.Errorf("expected {authentication_error, Unauthorized}, got %+v", env.Error)
	}
}

func TestChain_AllowsHealthWithoutAuth(t *testing.T) {
	limiter := ratelimit.New(10, 1)
	h := Chain(okHandler(), Config{RequireAuth: true, MasterKey: "secret"}, limiter)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected /health to bypass auth, got %d", rec.Code)
	}
}

func TestChain_AcceptsValidBearer(t *testing.T) {
	limiter := ratelimit.New(10, 1)
	h := Chain(okHandler(), Config{RequireAuth: true, MasterKey: "secret"}, limiter)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with valid bearer, got %d", rec.Code)
	}
}

func TestChain_SetsAPIVersionHeader(t *testing.T) {
	limiter := ratelimit.New(10, 1)
	h := Chain(okHandler(), Config{}, limiter)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("API-Version"); got != "1.0.0" {
		t.Errorf("API-Version = %q, want 1.0.0", got)
	}
}

func TestChain_AssignsRequestIDWhenMissing(t *testing.T) {
	limiter := ratelimit.New(10, 1)
	h := Chain(okHandler(), Config{}, limiter)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID header")
	}
}

func TestChain_DeniesOverCapacity(t *testing.T) {
	limiter := ratelimit.New(1, 0)
	h := Chain(okHandler(), Config{}, limiter)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request admitted, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 once the bucket is empty, got %d", rec2.Code)
	}
}
