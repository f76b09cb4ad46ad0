// Package metrics exposes Prometheus collectors for the prerender service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rendersTotal               *prometheus.CounterVec
	renderDurationSeconds      *prometheus.HistogramVec
	renderRetriesTotal         prometheus.Counter
	workerCrashesTotal         prometheus.Counter
	workerSpawnsTotal          *prometheus.CounterVec
	workers                    *prometheus.GaugeVec
	pendingRequests            prometheus.Gauge
	rateLimitRejectionsTotal   *prometheus.CounterVec
	snapshotWritesTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Worker states reported by the workers gauge.
var workerStates = []string{"spawning", "free", "busy", "dead"}

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		rendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crudivore_renders_total",
				Help: "Total number of render requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		renderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crudivore_render_duration_seconds",
				Help:    "Histogram of render latencies including queueing, labeled by outcome.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		)

		renderRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crudivore_render_retries_total",
				Help: "Total number of renders resubmitted after a worker crash.",
			},
		)

		workerCrashesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crudivore_worker_crashes_total",
				Help: "Total number of browser workers lost to crashes.",
			},
		)

		workerSpawnsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crudivore_worker_spawns_total",
				Help: "Total number of browser launches, labeled by result.",
			},
			[]string{"result"},
		)

		workers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crudivore_workers",
				Help: "Number of browser workers, labeled by state.",
			},
			[]string{"state"},
		)

		pendingRequests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crudivore_pending_requests",
				Help: "Number of render requests waiting for a free worker.",
			},
		)

		rateLimitRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crudivore_ratelimit_rejections_total",
				Help: "Total number of requests rejected by the rate limiter, labeled by host.",
			},
			[]string{"host"},
		)

		snapshotWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crudivore_snapshot_writes_total",
				Help: "Total number of archived snapshots, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRender records a finished render request.
func ObserveRender(outcome string, duration time.Duration) {
	rendersTotal.WithLabelValues(outcome).Inc()
	renderDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncRenderRetries counts a crash resubmission.
func IncRenderRetries() {
	renderRetriesTotal.Inc()
}

// IncWorkerCrashes counts a lost worker.
func IncWorkerCrashes() {
	workerCrashesTotal.Inc()
}

// ObserveWorkerSpawn counts a browser launch attempt.
func ObserveWorkerSpawn(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	workerSpawnsTotal.WithLabelValues(result).Inc()
}

// SetWorkers replaces the per-state worker gauge. States missing from counts
// are reported as zero.
func SetWorkers(counts map[string]int) {
	for _, state := range workerStates {
		workers.WithLabelValues(state).Set(float64(counts[state]))
	}
}

// SetPending sets the pending requests gauge.
func SetPending(n int) {
	pendingRequests.Set(float64(n))
}

// ObserveRateLimitRejection counts a request refused by the rate limiter.
func ObserveRateLimitRejection(rawURL string) {
	rateLimitRejectionsTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveSnapshotWrite counts an archive write.
func ObserveSnapshotWrite(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	snapshotWritesTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
