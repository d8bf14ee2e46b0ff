// Package router selects a provider adapter for an incoming chat request by
// explicit hint or model-name prefix, and wraps that selection with the
// circuit breaker's admission check.
package router

import (
	"context"
	"strings"

	"github.com/arvhq/llmgateway/internal/circuitbreaker"
	"github.com/arvhq/llmgateway/internal/domain"
	"github.com/arvhq/llmgateway/internal/gatewayerr"
)

// Provider is the interface every adapter (Vertex, Anthropic bridge,
// OpenAI-web) satisfies.
type Provider interface {
	ID() string
	ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error)
	Models(ctx context.Context) ([]domain.Model, error)
	HealthCheck(ctx context.Context) error
}

// unavailableProvider answers every call with "not implemented", used for
// the reserved deepseek/ollama prefixes that the router recognizes but
// cannot dispatch to.
type unavailableProvider struct{ id string }

func (u unavailableProvider) ID() string { return u.id }

func (u unavailableProvider) ChatCompletion(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	return nil, gatewayerr.New(gatewayerr.Unavailable, u.id+" provider not implemented")
}

func (u unavailableProvider) ChatCompletionStream(context.Context, domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	errs := make(chan error, 1)
	errs <- gatewayerr.New(gatewayerr.Unavailable, u.id+" provider not implemented")
	close(errs)
	chunks := make(chan domain.StreamChunk)
	close(chunks)
	return chunks, errs
}

func (u unavailableProvider) Models(context.Context) ([]domain.Model, error) { return nil, nil }

func (u unavailableProvider) HealthCheck(context.Context) error {
	return gatewayerr.New(gatewayerr.Unavailable, u.id+" provider not implemented")
}

// Router holds the resolved provider set and the model-prefix table that
// selects among them.
type Router struct {
	providers map[string]Provider
	breakers  *circuitbreaker.Manager
	fallback  []string
}

// New wires the three real adapters plus the two reserved-but-unimplemented
// stub providers, and attaches the circuit breaker manager that guards
// outbound calls.
func New(vertex, anthropicCli, openaiWeb Provider, breakers *circuitbreaker.Manager) *Router {
	providers := map[string]Provider{
		string(domain.ProviderVertex):       vertex,
		string(domain.ProviderAnthropicCli): anthropicCli,
		string(domain.ProviderOpenAIWeb):    openaiWeb,
		string(domain.ProviderDeepSeek):     unavailableProvider{id: string(domain.ProviderDeepSeek)},
		string(domain.ProviderOllama):       unavailableProvider{id: string(domain.ProviderOllama)},
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
		fallback:  []string{string(domain.ProviderVertex)},
	}
}

// SelectProvider resolves a provider by explicit hint, then by model-name
// prefix, then by falling back to Vertex. It does not consult the circuit
// breaker; callers that care about breaker state use
// SelectProviderWithFallback.
func (r *Router) SelectProvider(providerHint, model string) (Provider, error) {
	if providerHint != "" {
		if p, ok := r.providers[providerHint]; ok {
			return p, nil
		}
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, "unknown provider hint: "+providerHint)
	}

	id := idForModel(model)
	if p, ok := r.providers[id]; ok {
		return p, nil
	}
	return r.providers[string(domain.ProviderVertex)], nil
}

// idForModel applies the first-match-wins prefix table from the routing
// rules: gpt-* -> openai_web, claude-* -> anthropic_cli, gemini-* -> vertex,
// deepseek-*/ollama-* -> their reserved (unimplemented) ids, default ->
// vertex.
func idForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-"):
		return string(domain.ProviderOpenAIWeb)
	case strings.HasPrefix(model, "claude-"):
		return string(domain.ProviderAnthropicCli)
	case strings.HasPrefix(model, "gemini-"):
		return string(domain.ProviderVertex)
	case strings.HasPrefix(model, "deepseek-"):
		return string(domain.ProviderDeepSeek)
	case strings.HasPrefix(model, "ollama-"):
		return string(domain.ProviderOllama)
	default:
		return string(domain.ProviderVertex)
	}
}

// SelectProviderWithFallback resolves a provider the same way SelectProvider
// does, then checks that provider's circuit breaker. If it is open, the
// selection fails with Unavailable rather than silently trying a different
// provider — cross-provider fallback would change response semantics the
// caller did not ask for.
func (r *Router) SelectProviderWithFallback(ctx context.Context, providerHint, model string) (Provider, error) {
	p, err := r.SelectProvider(providerHint, model)
	if err != nil {
		return nil, err
	}

	breaker := r.breakers.Get(p.ID())
	if err := breaker.Allow(ctx); err != nil {
		return nil, err
	}

	return p, nil
}

// RecordSuccess and RecordFailure report the outcome of a dispatched call
// back to that provider's circuit breaker. A failure is any error except
// InvalidRequest and RateLimited, which reflect the caller rather than the
// upstream.
func (r *Router) RecordSuccess(ctx context.Context, providerID string) {
	r.breakers.Get(providerID).RecordSuccess(ctx)
}

func (r *Router) RecordFailure(ctx context.Context, providerID string, err error) {
	breaker := r.breakers.Get(providerID)
	if gatewayerr.IsKind(err, gatewayerr.InvalidRequest) || gatewayerr.IsKind(err, gatewayerr.RateLimited) {
		return
	}
	breaker.RecordFailure(ctx)
}

// CircuitBreakerStates exposes a snapshot of every known provider's breaker,
// used by GET /health.
func (r *Router) CircuitBreakerStates() map[string]circuitbreaker.Snapshot {
	return r.breakers.Snapshots()
}

func (r *Router) GetProvider(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

func (r *Router) ListProviders() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}
