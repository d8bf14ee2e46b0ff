// Package vertex adapts chat requests to Google's generateContent API,
// supporting both the API-key-authenticated Generative Language API and the
// OAuth2-authenticated Vertex AI API, selected by which mode the wired
// token manager is in.
package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arvhq/llmgateway/internal/domain"
	"github.com/arvhq/llmgateway/internal/gatewayerr"
	"github.com/arvhq/llmgateway/internal/sse"
	"github.com/arvhq/llmgateway/internal/tokenmanager"
	"github.com/arvhq/llmgateway/internal/translate"
	"github.com/google/uuid"
)

const (
	unaryTimeout  = 30 * time.Second
	streamTimeout = 60 * time.Second
)

type Provider struct {
	tokens        *tokenmanager.Manager
	apiKeyBaseURL string
	oauthBaseURL  string
	region        string
	client        *http.Client
}

func New(tokens *tokenmanager.Manager, apiKeyBaseURL, oauthBaseURL, region string) *Provider {
	return &Provider{
		tokens:        tokens,
		apiKeyBaseURL: apiKeyBaseURL,
		oauthBaseURL:  oauthBaseURL,
		region:        region,
		client:        &http.Client{},
	}
}

func (p *Provider) ID() string { return string(domain.ProviderVertex) }

// endpoint builds the generateContent (or streamGenerateContent) URL for
// either auth mode. API-key mode talks to the Generative Language API
// directly; OAuth mode talks to the Vertex AI publisher-model endpoint and
// needs a project id.
func (p *Provider) endpoint(ctx context.Context, model, method string) (string, error) {
	if p.tokens.IsAPIKey() {
		token, err := p.tokens.Token(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s", p.apiKeyBaseURL, model, method, token), nil
	}

	project := p.tokens.ProjectID()
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		p.oauthBaseURL, project, p.region, model, method), nil
}

func (p *Provider) authHeader(ctx context.Context, req *http.Request) error {
	if p.tokens.IsAPIKey() {
		return nil // credential travels in the URL's key= param
	}
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// ChatCompletion aggregates ChatCompletionStream rather than calling
// Gemini's generateContent unary endpoint directly, matching the other two
// adapters: a non-streaming request still only ever drives one upstream
// code path.
func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	chunks, errs := p.ChatCompletionStream(ctx, req)

	var aggregated domain.ChatResponse
	aggregated.ID = "chatcmpl-" + uuid.NewString()
	aggregated.Object = "chat.completion"
	aggregated.Created = time.Now().Unix()
	aggregated.Model = req.Model

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

	aggregated.Choices = []domain.Choice{{
		Index:        0,
		Message:      &domain.ResponseMsg{Role: "assistant", Content: content},
		FinishReason: finishReason,
	}}
	return &aggregated, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		ctx, cancel := context.WithTimeout(ctx, streamTimeout)
		defer cancel()

		geminiReq := translate.ToGemini(req)
		body, err := json.Marshal(geminiReq)
		if err != nil {
			errs <- fmt.Errorf("marshal gemini request: %w", err)
			return
		}

		url, err := p.endpoint(ctx, req.Model, "streamGenerateContent")
		if err != nil {
			errs <- err
			return
		}
		url += sseQuerySeparator(url) + "alt=sse"

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("build request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if err := p.authHeader(ctx, httpReq); err != nil {
			errs <- err
			return
		}

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errs <- mapNetworkError(err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			errs <- mapStatusError(resp.StatusCode, respBody)
			return
		}

		id := "chatcmpl-" + uuid.NewString()
		created := time.Now().Unix()
		state := translate.NewGeminiStreamState()

		reader := sse.NewReader(resp.Body)
		for {
			event, err := reader.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				errs <- fmt.Errorf("read sse: %w", err)
				return
			}
			if event.Done {
				return
			}

			var geminiResp translate.GeminiResponse
			if err := json.Unmarshal([]byte(event.Data), &geminiResp); err != nil {
				continue
			}

			chunk, ok := state.StreamChunkFromGemini(geminiResp, id, created, req.Model)
			if !ok {
				continue
			}

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, errs
}

func (p *Provider) Models(ctx context.Context) ([]domain.Model, error) {
	return []domain.Model{
		{ID: "gemini-2.5-flash", Object: "model", OwnedBy: "google"},
		{ID: "gemini-2.5-pro", Object: "model", OwnedBy: "google"},
	}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()

	_, err := p.tokens.Token(ctx)
	return err
}

func sseQuerySeparator(url string) string {
	if strings.Contains(url, "?") {
		return "&"
	}
	return "?"
}

func mapNetworkError(err error) error {
	return gatewayerr.Wrap(gatewayerr.Network, "vertex request failed", err)
}

func mapStatusError(status int, body []byte) error {
	msg := gatewayerr.Sanitize(string(body))
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return gatewayerr.New(gatewayerr.Auth, msg)
	case http.StatusTooManyRequests:
		return gatewayerr.RateLimitedWithRetry(msg, 1)
	case http.StatusBadRequest:
		return gatewayerr.New(gatewayerr.InvalidRequest, msg)
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return gatewayerr.New(gatewayerr.GatewayTimeout, msg)
	default:
		if status >= 500 {
			return gatewayerr.New(gatewayerr.Unavailable, msg)
		}
		return gatewayerr.New(gatewayerr.Internal, msg)
	}
}
