package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CommandsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gateway_commands_received_total", Help: "Inbound commands and events by message kind"}, []string{"kind"})
	AuthFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_auth_failures_total", Help: "Requests rejected by signature verification"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_rate_limit_rejects_total", Help: "Commands rejected by the per-user rate limiter"})
	BusyRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_busy_rejects_total", Help: "Commands turned away because the background pool was saturated"})
	ProviderRequests = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gateway_provider_requests_total", Help: "Provider calls by outcome"}, []string{"provider", "outcome"})
	ProviderLatency  = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "gateway_provider_latency_seconds", Help: "Provider call latency", Buckets: prometheus.ExponentialBuckets(0.1, 2, 10)}, []string{"provider"})
	JobsCreated      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gateway_jobs_created_total", Help: "Jobs persisted and dispatched"}, []string{"kind"})
	DispatchFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_dispatch_failures_total", Help: "Jobs marked failed because dispatch failed"})
	OrphansFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_orphans_failed_total", Help: "Pending jobs failed by the reconciler"})
	Callbacks        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gateway_callbacks_total", Help: "Callback deliveries by outcome"}, []string{"outcome"})
	HTTPRequests     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "gateway_http_requests_total", Help: "HTTP requests"}, []string{"method", "route", "status"})
	HTTPDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "gateway_http_request_duration_seconds", Help: "HTTP request duration", Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1}}, []string{"method", "route"})

	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_tasks_completed_total", Help: "Tasks completed successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_tasks_failed_total", Help: "Task attempts that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "worker_tasks_dead_letter_total", Help: "Tasks moved to DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worker_queue_depth", Help: "Ready depth across the consumed queues"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "worker_inflight", Help: "Tasks currently leased by this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			CommandsReceived,
			AuthFailures,
			RateLimitRejects,
			BusyRejects,
			ProviderRequests,
			ProviderLatency,
			JobsCreated,
			DispatchFailures,
			OrphansFailed,
			Callbacks,
			HTTPRequests,
			HTTPDuration,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}

// Middleware records request counts and latency labelled by the matched chi route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
