package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/arvhq/llmgateway/internal/gatewayerr"
)

func TestCircuitBreaker_StartsClosedState(t *testing.T) {
	ctx := context.Background()
	cb := New(DefaultConfig())

	if cb.State(ctx) != StateClosed {
		t.Errorf("expected StateClosed, got %v", cb.State(ctx))
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
	}
	cb := New(cfg)

	for i := 0; i < 3; i++ {
		cb.RecordFailure(ctx)
	}

	if cb.State(ctx) != StateOpen {
		t.Errorf("expected StateOpen after %d failures, got %v", cfg.FailureThreshold, cb.State(ctx))
	}
}

func TestCircuitBreaker_BlocksWhenOpen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          1 * time.Second,
	}
	cb := New(cfg)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)

	err := cb.Allow(ctx)
	if !gatewayerr.IsKind(err, gatewayerr.Unavailable) {
		t.Errorf("expected Unavailable, got %v", err)
	}
}

func TestCircuitBreaker_TransitionsToHalfOpen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          50 * time.Millisecond,
	}
	cb := New(cfg)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)

	time.Sleep(60 * time.Millisecond)

	err := cb.Allow(ctx)
	if err != nil {
		t.Errorf("expected nil after timeout, got %v", err)
	}

	if cb.State(ctx) != StateHalfOpen {
		t.Errorf("expected StateHalfOpen, got %v", cb.State(ctx))
	}
}

func TestCircuitBreaker_ClosesAfterSuccessInHalfOpen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
	}
	cb := New(cfg)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)

	time.Sleep(60 * time.Millisecond)
	cb.Allow(ctx)

	cb.RecordSuccess(ctx)
	cb.RecordSuccess(ctx)

	if cb.State(ctx) != StateClosed {
		t.Errorf("expected StateClosed after successes, got %v", cb.State(ctx))
	}
}

func TestCircuitBreaker_ReopensOnFailureInHalfOpen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
	}
	cb := New(cfg)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)

	time.Sleep(60 * time.Millisecond)
	cb.Allow(ctx)

	cb.RecordFailure(ctx)

	if cb.State(ctx) != StateOpen {
		t.Errorf("expected StateOpen after failure in half-open, got %v", cb.State(ctx))
	}
}

func TestCircuitBreaker_ClosedSuccessResetsFailures(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
	}
	cb := New(cfg)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)
	cb.RecordSuccess(ctx)

	if got := cb.Failures(); got != 0 {
		t.Errorf("expected failures reset to 0 after success in closed state, got %d", got)
	}

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)
	if cb.State(ctx) != StateClosed {
		t.Errorf("expected StateClosed, a prior success must not let failures accumulate across it, got %v", cb.State(ctx))
	}
}

func TestCircuitBreaker_HalfOpenAdmitsOnlyOneProbeAtATime(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
	}
	cb := New(cfg)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)
	time.Sleep(60 * time.Millisecond)

	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("expected the first half-open caller to be admitted, got %v", err)
	}

	err := cb.Allow(ctx)
	if !gatewayerr.IsKind(err, gatewayerr.Unavailable) {
		t.Errorf("expected a second concurrent half-open caller to be rejected while the probe is outstanding, got %v", err)
	}

	cb.RecordFailure(ctx)
	if cb.State(ctx) != StateOpen {
		t.Errorf("expected StateOpen after the probe failed, got %v", cb.State(ctx))
	}
}

func TestCircuitBreaker_HalfOpenAdmitsNewProbeAfterPriorOneResolves(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		FailureThreshold: 2,
		SuccessThreshold: 3,
		Timeout:          50 * time.Millisecond,
	}
	cb := New(cfg)

	cb.RecordFailure(ctx)
	cb.RecordFailure(ctx)
	time.Sleep(60 * time.Millisecond)

	if err := cb.Allow(ctx); err != nil {
		t.Fatalf("expected the probe to be admitted, got %v", err)
	}
	cb.RecordSuccess(ctx)

	if err := cb.Allow(ctx); err != nil {
		t.Errorf("expected a new probe slot to open up once the prior probe resolved, got %v", err)
	}
}

func TestManager_GetCreatesBreaker(t *testing.T) {
	m := NewManager(DefaultConfig())

	cb1 := m.Get("provider1")
	cb2 := m.Get("provider1")

	if cb1 != cb2 {
		t.Error("expected same circuit breaker instance for same provider")
	}

	cb3 := m.Get("provider2")
	if cb1 == cb3 {
		t.Error("expected different circuit breaker for different provider")
	}
}

func TestManager_States(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second})

	m.Get("broken").(*InMemoryCircuitBreaker).RecordFailure(ctx)
	m.Get("healthy")

	states := m.States()
	if states["broken"] != "open" {
		t.Errorf("expected broken provider open, got %v", states["broken"])
	}
	if states["healthy"] != "closed" {
		t.Errorf("expected healthy provider closed, got %v", states["healthy"])
	}
}
