// Package metrics exposes request-path counters, histograms and gauges via
// Prometheus and a flattened JSON snapshot for GET /metrics.
package metrics

import (
	"sort"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_requests_total",
			Help: "Total number of chat completion requests processed",
		},
		[]string{"provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_provider_errors_total",
			Help: "Total number of provider adapter errors by taxonomy kind",
		},
		[]string{"provider", "error_kind"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgateway_rate_limit_hits_total",
			Help: "Total number of requests denied by the rate limiter",
		},
		nil,
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_active_streams",
			Help: "Number of active streaming connections",
		},
		[]string{"pod"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_active_connections",
			Help: "Number of active HTTP connections being processed",
		},
		[]string{"pod"},
	)

	RateLimiterTokens = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_rate_limiter_tokens",
			Help: "Current token count in the global rate limiter bucket",
		},
		nil,
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmgateway_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "version"},
	)
)

func RecordRequest(provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(provider, model, status).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordProviderError(provider, errorKind string) {
	ProviderErrors.WithLabelValues(provider, errorKind).Inc()
}

func RecordRateLimitHit() {
	RateLimitHits.WithLabelValues().Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func SetRateLimiterTokens(tokens float64) {
	RateLimiterTokens.WithLabelValues().Set(tokens)
}

var currentPodName string

// InitInstanceMetrics initializes instance-specific metrics.
// Should be called once at startup with pod identification.
func InitInstanceMetrics(podName, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, version).Set(1)
}

func IncrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Dec()
}

func IncrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.WithLabelValues(currentPodName).Dec()
}

// Snapshot is the flattened view of the collector tree served at GET
// /metrics. Percentiles are derived from RequestDuration's bucket counts
// rather than tracked by a second, parallel accumulator.
type Snapshot struct {
	RequestsTotal      int64
	RequestsByProvider map[string]int64
	RequestsByStatus   map[string]int64
	LatencyP50Ms       float64
	LatencyP95Ms       float64
	LatencyP99Ms       float64
}

// TakeSnapshot walks the registered collectors and flattens them into
// Snapshot. It never returns an error: a metric family that fails to collect
// is simply omitted, since /metrics must stay up even if one collector is
// momentarily broken.
func TakeSnapshot() Snapshot {
	snap := Snapshot{
		RequestsByProvider: map[string]int64{},
		RequestsByStatus:   map[string]int64{},
	}

	for _, m := range collectMetrics(RequestsTotal) {
		v := int64(m.GetCounter().GetValue())
		snap.RequestsTotal += v
		provider, status := "", ""
		for _, lp := range m.GetLabel() {
			switch lp.GetName() {
			case "provider":
				provider = lp.GetValue()
			case "status":
				status = lp.GetValue()
			}
		}
		if provider != "" {
			snap.RequestsByProvider[provider] += v
		}
		if status != "" {
			snap.RequestsByStatus[status] += v
		}
	}

	buckets := map[float64]uint64{}
	var totalCount uint64
	for _, m := range collectMetrics(RequestDuration) {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			buckets[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	snap.LatencyP50Ms = percentileMs(buckets, totalCount, 0.50)
	snap.LatencyP95Ms = percentileMs(buckets, totalCount, 0.95)
	snap.LatencyP99Ms = percentileMs(buckets, totalCount, 0.99)

	return snap
}

// collectMetrics drains a Prometheus collector's current samples into plain
// dto.Metric values, the same introspection path promhttp uses internally.
func collectMetrics(c prometheus.Collector) []*dto.Metric {
	ch := make(chan prometheus.Metric)
	done := make(chan struct{})
	var out []*dto.Metric
	go func() {
		defer close(done)
		for m := range ch {
			pb := &dto.Metric{}
			if err := m.Write(pb); err == nil {
				out = append(out, pb)
			}
		}
	}()
	c.Collect(ch)
	close(ch)
	<-done
	return out
}

// percentileMs finds the smallest cumulative bucket boundary at or beyond
// the target rank and returns it in milliseconds. Buckets summed across all
// label combinations approximate the overall distribution; this is the same
// resolution the histogram itself offers, not a finer per-request estimate.
func percentileMs(buckets map[float64]uint64, totalCount uint64, quantile float64) float64 {
	if totalCount == 0 || len(buckets) == 0 {
		return 0
	}
	bounds := make([]float64, 0, len(buckets))
	for b := range buckets {
		bounds = append(bounds, b)
	}
	sort.Float64s(bounds)

	target := float64(totalCount) * quantile
	for _, b := range bounds {
		if float64(buckets[b]) >= target {
			return b * 1000
		}
	}
	return bounds[len(bounds)-1] * 1000
}
