// Package openaiweb adapts chat requests to the ChatGPT web backend,
// impersonating a browser session whose tokens come from the harvester
// side-car rather than from an API key.
package openaiweb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/arvhq/llmgateway/internal/domain"
	"github.com/arvhq/llmgateway/internal/gatewayerr"
	"github.com/arvhq/llmgateway/internal/harvester"
	"github.com/arvhq/llmgateway/internal/sse"
	"github.com/arvhq/llmgateway/internal/translate"
	"github.com/google/uuid"
)

const (
	backendURL = "https://chatgpt.com/backend-api/conversation"

	unaryTimeout  = 30 * time.Second
	streamTimeout = 60 * time.Second

	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	acceptLanguage = "en-US,en;q=0.9"
	referer        = "https://chatgpt.com/"
)

type Provider struct {
	harvester             *harvester.Client
	client                *http.Client
	backendURL            string
	tlsFingerprintEnabled bool
	fingerprintLogged     bool
}

func New(h *harvester.Client, tlsFingerprintEnabled bool) *Provider {
	return &Provider{
		harvester:             h,
		client:                &http.Client{},
		backendURL:            backendURL,
		tlsFingerprintEnabled: tlsFingerprintEnabled,
	}
}

func (p *Provider) ID() string { return string(domain.ProviderOpenAIWeb) }

func requiresArkose(model string) bool {
	return strings.HasPrefix(model, "gpt-4")
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()

	chunks, errs := p.ChatCompletionStream(ctx, req)

	var content string
	var finishReason *string
	for chunk := range chunks {
		for _, choice := range chunk.Choices {
			if choice.Delta != nil {
				content += choice.Delta.Content
			}
			if choice.FinishReason != nil {
				finishReason = choice.FinishReason
			}
		}
	}
	if err := <-errs; err != nil {
		return nil, err
	}

	return &domain.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []domain.Choice{{
			Index:        0,
			Message:      &domain.ResponseMsg{Role: "assistant", Content: content},
			FinishReason: finishReason,
		}},
	}, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		ctx, cancel := context.WithTimeout(ctx, streamTimeout)
		defer cancel()

		if p.tlsFingerprintEnabled && !p.fingerprintLogged {
			p.fingerprintLogged = true
			// Logged once, on the first streamed request. The outbound
			// client is the standard net/http client either way.
			slog.Info("tls fingerprint impersonation enabled; outbound requests use the standard Go HTTP client")
		}

		arkoseNeeded := requiresArkose(req.Model)
		tokens, err := p.harvester.GetTokens(ctx, arkoseNeeded)
		if err != nil {
			errs <- err
			return
		}

		resp, _, err := p.doBackendRequest(ctx, req, tokens, arkoseNeeded, false)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		id := "chatcmpl-" + uuid.NewString()
		created := time.Now().Unix()
		state := translate.NewBackendStreamState()
		sawFinish := false

		reader := sse.NewReader(resp.Body)
		for {
			event, err := reader.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				errs <- fmt.Errorf("read sse: %w", err)
				return
			}
			if event.Done {
				break
			}

			chunk, ok := state.StreamChunkFromBackend(event.Data, id, created, req.Model)
			if !ok {
				continue
			}
			if chunk.Choices[0].FinishReason != nil {
				sawFinish = true
			}

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if !sawFinish {
			select {
			case chunks <- translate.FinalChunk(id, created, req.Model, "stop"):
			case <-ctx.Done():
			}
		}
	}()

	return chunks, errs
}

// doBackendRequest issues the backend call with a fixed set of browser-style
// headers, handling a single 401-refresh-and-retry. retried reports whether
// that retry fired. The headers are set in a fixed sequence, but net/http
// does not keep that sequence, so the order on the wire is its own.
func (p *Provider) doBackendRequest(ctx context.Context, req domain.ChatRequest, tokens harvester.Tokens, arkoseNeeded bool, isRetry bool) (*http.Response, bool, error) {
	backendReq := translate.ToBackendRequest(req)
	body, err := json.Marshal(backendReq)
	if err != nil {
		return nil, false, fmt.Errorf("marshal backend request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.backendURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Accept-Language", acceptLanguage)
	httpReq.Header.Set("Referer", referer)
	httpReq.Header.Set("Content-Type", "application/json")

	accessToken, err := validateHeaderValue(tokens.AccessToken)
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	if arkoseNeeded && tokens.ArkoseToken != "" {
		arkoseToken, err := validateHeaderValue(tokens.ArkoseToken)
		if err != nil {
			return nil, false, err
		}
		httpReq.Header.Set("Openai-Sentinel-Arkose-Token", arkoseToken)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, false, gatewayerr.Wrap(gatewayerr.Network, "chatgpt backend request failed", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp, isRetry, nil
	case http.StatusUnauthorized:
		resp.Body.Close()
		if isRetry {
			return nil, false, gatewayerr.New(gatewayerr.Auth, "chatgpt backend rejected refreshed tokens")
		}
		fresh, err := p.harvester.Refresh(ctx, arkoseNeeded)
		if err != nil {
			return nil, false, err
		}
		return p.doBackendRequest(ctx, req, fresh, arkoseNeeded, true)
	case http.StatusForbidden:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, false, gatewayerr.New(gatewayerr.WafBlocked, gatewayerr.Sanitize(string(body)))
	case http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, false, gatewayerr.RateLimitedWithRetry("chatgpt backend rate limited", 1)
	default:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, false, mapStatusError(resp.StatusCode, body)
	}
}

// validateHeaderValue rejects a token containing \r or \n, which would
// otherwise allow header injection into the outbound request.
func validateHeaderValue(v string) (string, error) {
	if strings.ContainsAny(v, "\r\n") {
		return "", gatewayerr.New(gatewayerr.Auth, "harvester token contains invalid header characters")
	}
	return v, nil
}

func (p *Provider) Models(ctx context.Context) ([]domain.Model, error) {
	return []domain.Model{
		{ID: "gpt-4o", Object: "model", OwnedBy: "openai"},
		{ID: "gpt-4o-mini", Object: "model", OwnedBy: "openai"},
	}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	h, err := p.harvester.Health(ctx)
	if err != nil {
		return err
	}
	if !h.BrowserAlive || !h.SessionValid {
		return gatewayerr.New(gatewayerr.Unavailable, "harvester session not ready")
	}
	return nil
}

func mapStatusError(status int, body []byte) error {
	msg := gatewayerr.Sanitize(string(body))
	if status >= 500 {
		return gatewayerr.New(gatewayerr.Unavailable, msg)
	}
	return gatewayerr.New(gatewayerr.Internal, msg)
}
