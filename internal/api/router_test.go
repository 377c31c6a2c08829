package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/smartcab/backend/internal/metrics"
)

func TestLoggingMiddleware(t *testing.T) {
	logger := zaptest.NewLogger(t)
	var called bool
	handler := loggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatalf("expected handler to be called")
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := zaptest.NewLogger(t)
	handler := recoveryMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(errors.New("boom"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", rec.Code)
	}
}

func TestResponseRecorderWriteHeader(t *testing.T) {
	underlying := httptest.NewRecorder()
	rec := &responseRecorder{ResponseWriter: underlying}
	rec.WriteHeader(http.StatusTeapot)

	if rec.status != http.StatusTeapot {
		t.Fatalf("expected status to be recorded")
	}
	if underlying.Code != http.StatusTeapot {
		t.Fatalf("expected status to propagate to ResponseWriter")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	router := newTestRouter(t, WithLogging(false))

	t.Run("generates id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		if id := rec.Header().Get("X-Request-ID"); len(id) != 32 {
			t.Fatalf("expected generated request id, got %q", id)
		}
	})

	t.Run("propagates caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("X-Request-ID", "cab-42")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if id := rec.Header().Get("X-Request-ID"); id != "cab-42" {
			t.Fatalf("expected caller request id, got %q", id)
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	router := newTestRouter(t, WithLogging(false))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/health", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS headers")
	}
}

func TestWithMetricsRecordsRequests(t *testing.T) {
	m := metrics.New()
	router := newTestRouter(t, WithLogging(false), WithMetrics(m))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "200")); got != 1 {
		t.Fatalf("expected one recorded request, got %v", got)
	}
}

func TestWithRateLimiterOptionAppliesLimiter(t *testing.T) {
	router := newTestRouter(t, WithLogging(false), WithRateLimiter(&staticLimiter{allow: false}))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limiter to block request, got %d", rec.Code)
	}
}

func TestWithRateLimitDisablesLimiterWhenZero(t *testing.T) {
	router := newTestRouter(t, WithLogging(false), WithRateLimiter(&staticLimiter{allow: false}), WithRateLimit(0, 0))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected limiter to be disabled, got %d", rec.Code)
	}
}

func TestWithRateLimitEnforcesLimit(t *testing.T) {
	router := newTestRouter(t, WithLogging(false), WithRateLimit(1, 1))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req.Clone(req.Context()))
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limiter to block second request, got %d", rec2.Code)
	}
}

func TestDefaultRateLimitIsolatesClients(t *testing.T) {
	router := newTestRouter(t, WithLogging(false))

	for i := 0; i < defaultRateLimitBurst+50; i++ {
		router.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:40000"))
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, requestFrom("10.0.0.1:40000"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected bursting client to be limited, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, requestFrom("10.0.0.99:40000"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected unrelated caller to get 200, got %d", rec.Code)
	}
}

func TestMetricsCountRateLimitedRequests(t *testing.T) {
	m := metrics.New()
	router := newTestRouter(t, WithLogging(false), WithMetrics(m), WithRateLimiter(&staticLimiter{allow: false}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "429")); got != 1 {
		t.Fatalf("expected rejected request to be counted, got %v", got)
	}
}

func newTestRouter(t *testing.T, opts ...RouterOption) http.Handler {
	t.Helper()

	handler := NewHandler(stubPinger{}, stubConnection(true))
	logger := zaptest.NewLogger(t)
	return NewRouter(handler, logger, opts...)
}
