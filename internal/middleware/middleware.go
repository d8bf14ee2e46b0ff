// Package middleware implements the ordered pipeline every request passes
// through before reaching the handler: body-size limiting, request-id
// assignment, bearer-token auth, rate-limit admission, metrics, and response
// headers. Order matters — each wrapper is applied outermost-last, so the
// pipeline runs in the sequence listed in Chain.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/arvhq/llmgateway/internal/gatewayerr"
	"github.com/arvhq/llmgateway/internal/metrics"
	"github.com/google/uuid"
)

// RateLimiter is satisfied directly by the in-memory Limiter; the
// Redis-backed variant is adapted via RateLimiterFunc since its TryAdmit
// takes a context this pipeline has no per-call slot for.
type RateLimiter interface {
	TryAdmit() (admitted bool, retryAfterSecs int)
}

// RateLimiterFunc adapts a plain function (e.g. RedisLimiter.TryAdmitNow) to
// RateLimiter.
type RateLimiterFunc func() (admitted bool, retryAfterSecs int)

func (f RateLimiterFunc) TryAdmit() (bool, int) { return f() }

type requestIDKey struct{}

// RequestID extracts the request id assigned by WithRequestID, or "" if
// none was attached (e.g. in a unit test calling a handler directly).
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// openPaths never require a bearer token: the observability surface and
// the public health check must work before a client has credentials.
var openPaths = map[string]bool{
	"/health":            true,
	"/metrics":           true,
	"/metrics/prometheus": true,
}

// Config bundles the pipeline's tunables, sourced from the server's loaded
// configuration.
type Config struct {
	MaxRequestBytes int64
	RequireAuth     bool
	MasterKey       string
}

// Chain wraps next with, in order: body-size limit, request-id, auth,
// rate-limit admission, metrics, and response headers. Error mapping is the
// handler's own responsibility (see gatewayerr.WriteError), since only the
// handler knows which typed error a given failure carries.
func Chain(next http.Handler, cfg Config, limiter RateLimiter) http.Handler {
	h := withResponseHeaders(next)
	h = withMetrics(h)
	h = withRateLimit(h, limiter)
	h = withAuth(h, cfg)
	h = withRequestID(h)
	h = withBodyLimit(h, cfg.MaxRequestBytes)
	return h
}

func withBodyLimit(next http.Handler, max int64) http.Handler {
	if max <= 0 {
		max = 10 * 1024 * 1024
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, max)
		next.ServeHTTP(w, r)
	})
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withAuth(next http.Handler, cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.RequireAuth || openPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := extractBearer(r)
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(cfg.MasterKey)) != 1 {
			slog.Warn("rejected request with invalid bearer token", "request_id", RequestID(r.Context()), "path", r.URL.Path)
			writeUnauthorized(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractBearer(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}

func withRateLimit(next http.Handler, limiter RateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		admitted, retryAfter := limiter.TryAdmit()
		if !admitted {
			metrics.RecordRateLimitHit()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if openPaths[r.URL.Path] {
			return
		}
		status := "success"
		if rec.status >= 400 {
			status = "error"
		}
		metrics.RecordRequest(rec.Header().Get("X-Provider-Used"), rec.Header().Get("X-Model-Used"), status, time.Since(start).Seconds())
	})
}

func withResponseHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("API-Version", "1.0.0")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	env := gatewayerr.Envelope{Error: gatewayerr.EnvelopeBody{
		Type:    "authentication_error",
		Message: "Unauthorized",
	}}
	json.NewEncoder(w).Encode(env)
}

func writeRateLimited(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	env := gatewayerr.Envelope{Error: gatewayerr.EnvelopeBody{
		Type:    "rate_limit_error",
		Message: "rate limit exceeded, retry after " + strconv.Itoa(retryAfterSecs) + "s",
	}}
	json.NewEncoder(w).Encode(env)
}
