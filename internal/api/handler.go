// Package api wires the public HTTP surface: chat completions, model
// listing, health, and metrics. It has no retry or translation logic of its
// own — that lives in router and translate — and its only job is to decode
// the OpenAI-compatible request, dispatch through the router, and shape the
// response (unary JSON or an SSE stream) back to the client.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arvhq/llmgateway/internal/domain"
	"github.com/arvhq/llmgateway/internal/gatewayerr"
	"github.com/arvhq/llmgateway/internal/metrics"
	"github.com/arvhq/llmgateway/internal/middleware"
	"github.com/arvhq/llmgateway/internal/router"
	"github.com/arvhq/llmgateway/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "1.0.0"

// RateLimiterGauge reports a rate limiter's live state for the GET /metrics
// snapshot. Both ratelimit.Limiter and ratelimit.RedisLimiter satisfy it.
type RateLimiterGauge interface {
	Tokens() float64
	Capacity() float64
}

// Handler owns the request mux and the dependencies every route needs: the
// router that resolves and dispatches to a provider adapter, and a view onto
// the live rate limiter for the metrics snapshot. limiterGauge is nil-able
// since a Handler built without one (e.g. in a test) just reports zeros.
type Handler struct {
	router       *router.Router
	limiterGauge RateLimiterGauge
	startedAt    time.Time
	mux          *http.ServeMux
}

func NewHandler(r *router.Router, limiterGauge RateLimiterGauge) *Handler {
	h := &Handler{router: r, limiterGauge: limiterGauge, startedAt: time.Now(), mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /metrics", h.handleMetricsSnapshot)
	h.mux.Handle("GET /metrics/prometheus", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	requestID := middleware.RequestID(ctx)

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gatewayerr.WriteError(w, gatewayerr.New(gatewayerr.InvalidRequest, "invalid request body"))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		gatewayerr.WriteError(w, gatewayerr.New(gatewayerr.InvalidRequest, "model and messages are required"))
		return
	}

	providerHint := r.Header.Get("X-Provider")

	provider, err := h.router.SelectProviderWithFallback(ctx, providerHint, req.Model)
	if err != nil {
		slog.Warn("provider selection failed", "request_id", requestID, "model", req.Model, "error", err)
		gatewayerr.WriteError(w, err)
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "chat_completion")
	telemetry.AddRequestAttributes(span, provider.ID(), req.Model, requestID)
	defer span.End()

	w.Header().Set("X-Provider-Used", provider.ID())
	w.Header().Set("X-Model-Used", req.Model)

	if req.Stream {
		h.handleStreaming(ctx, w, provider, req, requestID, start)
		return
	}
	h.handleUnary(ctx, w, provider, req, requestID, start)
}

func (h *Handler) handleUnary(ctx context.Context, w http.ResponseWriter, provider router.Provider, req domain.ChatRequest, requestID string, start time.Time) {
	resp, err := provider.ChatCompletion(ctx, req)
	if err != nil {
		h.router.RecordFailure(ctx, provider.ID(), err)
		metrics.RecordProviderError(provider.ID(), errorKind(err))
		slog.Error("chat completion failed", "request_id", requestID, "provider", provider.ID(), "model", req.Model, "error", err)
		gatewayerr.WriteError(w, err)
		return
	}
	h.router.RecordSuccess(ctx, provider.ID())

	slog.Info("chat completion served", "request_id", requestID, "provider", provider.ID(), "model", req.Model, "latency_ms", time.Since(start).Milliseconds())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleStreaming(ctx context.Context, w http.ResponseWriter, provider router.Provider, req domain.ChatRequest, requestID string, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		gatewayerr.WriteError(w, gatewayerr.New(gatewayerr.Internal, "streaming not supported by this response writer"))
		return
	}

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	chunks, errs := provider.ChatCompletionStream(ctx, req)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for chunk := range chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if err := <-errs; err != nil {
		h.router.RecordFailure(ctx, provider.ID(), err)
		metrics.RecordProviderError(provider.ID(), errorKind(err))
		slog.Error("chat completion stream failed", "request_id", requestID, "provider", provider.ID(), "model", req.Model, "error", err)
		// Headers are already flushed, so the status stays 200; the error
		// envelope is sent as one last SSE data frame and no [DONE] follows.
		// The request is still recorded as a provider failure.
		fmt.Fprintf(w, "data: %s\n\n", mustMarshalErrorChunk(err))
		flusher.Flush()
		return
	}

	h.router.RecordSuccess(ctx, provider.ID())
	slog.Info("chat completion stream served", "request_id", requestID, "provider", provider.ID(), "model", req.Model, "latency_ms", time.Since(start).Milliseconds())

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func mustMarshalErrorChunk(err error) []byte {
	ge, ok := err.(*gatewayerr.Error)
	if !ok {
		ge = gatewayerr.Wrap(gatewayerr.Internal, "internal error", err)
	}
	data, _ := json.Marshal(ge.Envelope())
	return data
}

func errorKind(err error) string {
	if ge, ok := err.(*gatewayerr.Error); ok {
		return string(ge.Kind)
	}
	return "internal"
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := domain.ModelsResponse{Object: "list"}

	for _, id := range h.router.ListProviders() {
		provider, ok := h.router.GetProvider(id)
		if !ok {
			continue
		}
		models, err := provider.Models(ctx)
		if err != nil {
			continue
		}
		resp.Data = append(resp.Data, models...)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type healthResponse struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Providers map[string]providerView `json:"providers"`
}

type providerView struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	states := h.router.CircuitBreakerStates()
	providers := make(map[string]providerView, len(states))
	status := "ok"
	for id, snap := range states {
		providers[id] = providerView{State: snap.State, ConsecutiveFailures: snap.ConsecutiveFailures}
		if snap.State == "open" {
			status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:    status,
		Version:   version,
		Timestamp: time.Now().UTC(),
		Providers: providers,
	})
}

type metricsSnapshotResponse struct {
	RequestsTotal      int64                   `json:"requests_total"`
	RequestsByProvider map[string]int64        `json:"requests_by_provider"`
	RequestsByStatus   map[string]int64        `json:"requests_by_status"`
	LatencyP50Ms       float64                 `json:"latency_p50_ms"`
	LatencyP95Ms       float64                 `json:"latency_p95_ms"`
	LatencyP99Ms       float64                 `json:"latency_p99_ms"`
	CircuitBreakers    map[string]providerView `json:"circuit_breakers"`
	RateLimiter        rateLimiterView         `json:"rate_limiter"`
}

type rateLimiterView struct {
	Tokens   float64 `json:"tokens"`
	Capacity float64 `json:"capacity"`
}

// handleMetricsSnapshot serves the flattened JSON view; GET
// /metrics/prometheus serves the raw exposition format for scraping.
func (h *Handler) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := metrics.TakeSnapshot()

	states := h.router.CircuitBreakerStates()
	breakers := make(map[string]providerView, len(states))
	for id, s := range states {
		breakers[id] = providerView{State: s.State, ConsecutiveFailures: s.ConsecutiveFailures}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(metricsSnapshotResponse{
		RequestsTotal:      snap.RequestsTotal,
		RequestsByProvider: snap.RequestsByProvider,
		RequestsByStatus:   snap.RequestsByStatus,
		LatencyP50Ms:       snap.LatencyP50Ms,
		LatencyP95Ms:       snap.LatencyP95Ms,
		LatencyP99Ms:       snap.LatencyP99Ms,
		CircuitBreakers:    breakers,
		RateLimiter:        h.rateLimiterView(),
	})
}

func (h *Handler) rateLimiterView() rateLimiterView {
	if h.limiterGauge == nil {
		return rateLimiterView{}
	}
	return rateLimiterView{Tokens: h.limiterGauge.Tokens(), Capacity: h.limiterGauge.Capacity()}
}
