package tokenmanager

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arvhq/llmgateway/internal/gatewayerr"
)

func TestManager_APIKeyMode_ReturnsKeyDirectly(t *testing.T) {
	m := NewAPIKey("sk-test-key")
	if !m.IsAPIKey() {
		t.Error("expected IsAPIKey() true")
	}

	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if tok != "sk-test-key" {
		t.Errorf("Token() = %q, want sk-test-key", tok)
	}
	if m.ProjectID() != "" {
		t.Errorf("ProjectID() = %q, want empty in api key mode", m.ProjectID())
	}
}

func TestManager_Fresh_ReturnsFalseWhenEmpty(t *testing.T) {
	m := &Manager{serviceAccount: &ServiceAccount{}}
	if _, ok := m.fresh(); ok {
		t.Error("expected fresh() to report no cached token")
	}
}

func TestManager_Fresh_RespectsRefreshMargin(t *testing.T) {
	m := &Manager{serviceAccount: &ServiceAccount{}}
	m.cache = &cachedToken{accessToken: "tok", expiresAt: time.Now().Add(1 * time.Minute)}
	if _, ok := m.fresh(); ok {
		t.Error("expected a token expiring in 1m (inside the 5m margin) to be reported stale")
	}

	m.cache = &cachedToken{accessToken: "tok", expiresAt: time.Now().Add(30 * time.Minute)}
	tok, ok := m.fresh()
	if !ok || tok != "tok" {
		t.Errorf("expected a token expiring in 30m to still be fresh, got ok=%v tok=%q", ok, tok)
	}
}

func TestManager_Refresh_BadPrivateKeyIsAuthError(t *testing.T) {
	m := &Manager{
		serviceAccount: &ServiceAccount{
			ClientEmail: "test@example.iam.gserviceaccount.com",
			PrivateKey:  "not a pem key",
			TokenURI:    "https://oauth2.googleapis.com/token",
		},
	}

	_, err := m.refresh(context.Background())
	if err == nil {
		t.Fatal("expected an error for an unparseable private key")
	}
	if !gatewayerr.IsKind(err, gatewayerr.Auth) {
		t.Errorf("expected an Auth error so it maps to 502/authentication_error, got %v", err)
	}
}

func TestManager_Refresh_TokenEndpointNon200IsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test rsa key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	m := &Manager{
		serviceAccount: &ServiceAccount{
			ClientEmail: "test@example.iam.gserviceaccount.com",
			PrivateKey:  string(pemBytes),
			TokenURI:    srv.URL,
		},
		client: &http.Client{Timeout: 5 * time.Second},
	}

	_, err = m.refresh(context.Background())
	if err == nil {
		t.Fatal("expected an error for a non-200 token endpoint response")
	}
	if !gatewayerr.IsKind(err, gatewayerr.Auth) {
		t.Errorf("expected an Auth error so it maps to 502/authentication_error, got %v", err)
	}
}
