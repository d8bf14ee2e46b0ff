// Package anthropicbridge adapts chat requests to the local Anthropic-CLI
// bridge side-car, which already speaks OpenAI-shaped chunks over SSE.
package anthropicbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arvhq/llmgateway/internal/domain"
	"github.com/arvhq/llmgateway/internal/gatewayerr"
	"github.com/arvhq/llmgateway/internal/sse"
	"github.com/arvhq/llmgateway/internal/translate"
	"github.com/google/uuid"
)

const (
	unaryTimeout  = 30 * time.Second
	streamTimeout = 60 * time.Second
)

type Provider struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Provider {
	return &Provider{baseURL: baseURL, client: &http.Client{}}
}

func (p *Provider) ID() string { return string(domain.ProviderAnthropicCli) }

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

		bridgeReq := translate.ToAnthropicBridge(req)
		body, err := json.Marshal(bridgeReq)
		if err != nil {
			errs <- fmt.Errorf("marshal bridge request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/anthropic/chat", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("build request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			errs <- gatewayerr.Wrap(gatewayerr.Network, "anthropic bridge request failed", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			errs <- mapStatusError(resp.StatusCode, respBody)
			return
		}

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

			chunk, err := translate.NormalizeBridgeChunk([]byte(event.Data))
			if err != nil {
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
		{ID: "claude-3-5-sonnet-latest", Object: "model", OwnedBy: "anthropic"},
		{ID: "claude-3-opus-latest", Object: "model", OwnedBy: "anthropic"},
	}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", http.NoBody)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.Network, "anthropic bridge unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return gatewayerr.New(gatewayerr.Unavailable, fmt.Sprintf("anthropic bridge unhealthy: status %d", resp.StatusCode))
	}
	return nil
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
	default:
		if status >= 500 {
			return gatewayerr.New(gatewayerr.Unavailable, msg)
		}
		return gatewayerr.New(gatewayerr.Internal, msg)
	}
}
