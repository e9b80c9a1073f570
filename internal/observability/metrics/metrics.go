package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run outcomes used as the "outcome" label of sovereign_runs_total.
const (
	OutcomeAccepted   = "accepted"
	OutcomeBestEffort = "best_effort"
	OutcomeFailed     = "failed"
)

var (
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sovereign_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"handler", "method", "code"},
	)
	httpErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sovereign_http_request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		},
		[]string{"handler", "method"},
	)
	httpLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sovereign_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"handler", "method"},
	)

	stageCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sovereign_stage_calls_total",
			Help: "Backend calls per pipeline role and result.",
		},
		[]string{"role", "result"},
	)
	stageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sovereign_stage_duration_seconds",
			Help:    "Backend call latency per pipeline role.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"role"},
	)
	stageTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sovereign_stage_tokens_total",
			Help: "Tokens consumed per pipeline role.",
		},
		[]string{"role"},
	)
	stageCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sovereign_stage_cost_usd_total",
			Help: "Estimated backend cost in USD per pipeline role.",
		},
		[]string{"role"},
	)

	runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sovereign_runs_total",
			Help: "Pipeline runs by outcome.",
		},
		[]string{"outcome"},
	)
	runIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sovereign_run_iterations",
			Help:    "Auditor calls per pipeline run.",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
		},
	)
	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sovereign_run_duration_seconds",
			Help:    "Wall clock duration of pipeline runs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
	runCost = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sovereign_run_cost_usd",
			Help:    "Total estimated cost in USD of pipeline runs.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveStage records one backend call made on behalf of a pipeline role.
// Tokens and cost are only counted for successful calls.
func ObserveStage(role string, success bool, tokens int, cost float64, latency time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	stageCalls.WithLabelValues(role, result).Inc()
	stageLatency.WithLabelValues(role).Observe(latency.Seconds())
	if success {
		stageTokens.WithLabelValues(role).Add(float64(tokens))
		if cost > 0 {
			stageCost.WithLabelValues(role).Add(cost)
		}
	}
}

// ObserveRun records the outcome of a finished pipeline run.
func ObserveRun(outcome string, iterations int, duration time.Duration, cost float64) {
	runs.WithLabelValues(outcome).Inc()
	if iterations > 0 {
		runIterations.Observe(float64(iterations))
	}
	runDuration.Observe(duration.Seconds())
	runCost.Observe(cost)
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
