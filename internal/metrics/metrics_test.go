package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("vertex", "gemini-2.5-flash", "success", 1.5)

	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("vertex", "gemini-2.5-flash", "success"))
	if count != 1 {
		t.Errorf("RequestsTotal = %v, want 1", count)
	}
}

func TestRecordProviderError(t *testing.T) {
	ProviderErrors.Reset()

	RecordProviderError("openai_web", "waf_blocked")
	RecordProviderError("openai_web", "network")
	RecordProviderError("openai_web", "waf_blocked")

	wafBlocked := testutil.ToFloat64(ProviderErrors.WithLabelValues("openai_web", "waf_blocked"))
	if wafBlocked != 2 {
		t.Errorf("waf_blocked errors = %v, want 2", wafBlocked)
	}

	network := testutil.ToFloat64(ProviderErrors.WithLabelValues("openai_web", "network"))
	if network != 1 {
		t.Errorf("network errors = %v, want 1", network)
	}
}

func TestRecordRateLimitHit(t *testing.T) {
	RateLimitHits.Reset()

	RecordRateLimitHit()
	RecordRateLimitHit()

	hits := testutil.ToFloat64(RateLimitHits.WithLabelValues())
	if hits != 2 {
		t.Errorf("RateLimitHits = %v, want 2", hits)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	CircuitBreakerState.Reset()

	SetCircuitBreakerState("vertex", 0) // closed
	state := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("vertex"))
	if state != 0 {
		t.Errorf("CircuitBreakerState = %v, want 0", state)
	}

	SetCircuitBreakerState("vertex", 2) // open
	state = testutil.ToFloat64(CircuitBreakerState.WithLabelValues("vertex"))
	if state != 2 {
		t.Errorf("CircuitBreakerState = %v, want 2", state)
	}
}

func TestSetRateLimiterTokens(t *testing.T) {
	RateLimiterTokens.Reset()

	SetRateLimiterTokens(42.5)

	tokens := testutil.ToFloat64(RateLimiterTokens.WithLabelValues())
	if tokens != 42.5 {
		t.Errorf("RateLimiterTokens = %v, want 42.5", tokens)
	}
}

func TestActiveStreams(t *testing.T) {
	InitInstanceMetrics("test-pod", "0.1.0")

	ActiveStreams.Reset()

	IncrementActiveStreams()
	IncrementActiveStreams()

	streams := testutil.ToFloat64(ActiveStreams.WithLabelValues("test-pod"))
	if streams != 2 {
		t.Errorf("ActiveStreams = %v, want 2", streams)
	}

	DecrementActiveStreams()
	streams = testutil.ToFloat64(ActiveStreams.WithLabelValues("test-pod"))
	if streams != 1 {
		t.Errorf("ActiveStreams after dec = %v, want 1", streams)
	}
}

func TestRequestsByProviderAndModel(t *testing.T) {
	RequestsTotal.Reset()

	RecordRequest("vertex", "gemini-2.5-flash", "success", 1.0)
	RecordRequest("anthropic_cli", "claude-3-5-sonnet", "success", 2.0)
	RecordRequest("vertex", "gemini-2.5-flash", "error", 0.5)

	vertexSuccess := testutil.ToFloat64(RequestsTotal.WithLabelValues("vertex", "gemini-2.5-flash", "success"))
	if vertexSuccess != 1 {
		t.Errorf("vertex success = %v, want 1", vertexSuccess)
	}

	vertexError := testutil.ToFloat64(RequestsTotal.WithLabelValues("vertex", "gemini-2.5-flash", "error"))
	if vertexError != 1 {
		t.Errorf("vertex error = %v, want 1", vertexError)
	}

	anthropicSuccess := testutil.ToFloat64(RequestsTotal.WithLabelValues("anthropic_cli", "claude-3-5-sonnet", "success"))
	if anthropicSuccess != 1 {
		t.Errorf("anthropic_cli success = %v, want 1", anthropicSuccess)
	}
}
