package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	batchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drivesync_batch_items_total",
		Help: "Files processed by the batch processor, by outcome.",
	}, []string{"status"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drivesync_batch_duration_seconds",
		Help:    "Time spent processing one batch.",
		Buckets: prometheus.DefBuckets,
	})

	usersProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drivesync_users_processed_total",
		Help: "Distinct owners resolved across batches.",
	})

	sweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drivesync_sweeps_total",
		Help: "Discovery sweeps, by outcome.",
	}, []string{"outcome"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drivesync_sweep_duration_seconds",
		Help:    "Wall time of a discovery sweep including batch processing.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drivesync_queue_depth",
		Help: "Sync jobs waiting in the queue.",
	})

	authTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drivesync_auth_transitions_total",
		Help: "Authentication state transitions, by target state.",
	}, []string{"state"})

	providerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drivesync_provider_requests_total",
		Help: "Requests made to the storage provider.",
	}, []string{"operation", "status"})

	storeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drivesync_store_latency_seconds",
		Help:    "Histogram of store operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "operation"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drivesync_http_request_duration_seconds",
		Help:    "Histogram of latencies for operator HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// ObserveBatch records the outcome of one processed batch.
func ObserveBatch(success, failed, users int, took time.Duration) {
	batchItemsTotal.WithLabelValues("success").Add(float64(success))
	batchItemsTotal.WithLabelValues("error").Add(float64(failed))
	usersProcessedTotal.Add(float64(users))
	batchDuration.Observe(took.Seconds())
}

// ObserveSweep records a finished sweep. outcome is "ok", "error" or "skipped".
func ObserveSweep(outcome string, took time.Duration) {
	sweepsTotal.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		sweepDuration.Observe(took.Seconds())
	}
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func AuthTransition(state string) {
	authTransitions.WithLabelValues(state).Inc()
}

// ProviderRequest counts a provider call; err decides the status label.
func ProviderRequest(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	providerRequests.WithLabelValues(operation, status).Inc()
}

// ObserveStoreLatency records latency for a store operation.
func ObserveStoreLatency(backend, operation string, start time.Time) {
	storeLatency.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}

// Middleware records request latency labelled by chi route pattern.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			httpRequestDuration.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
