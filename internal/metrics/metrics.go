// Package metrics exposes Prometheus collectors for the archival service.
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
	crawlsTotal                  *prometheus.CounterVec
	crawlBytesTotal              *prometheus.CounterVec
	crawlDurationSeconds         *prometheus.HistogramVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	probeTLSHandshakeTimeoutTotal prometheus.Counter
	jobsTotal                    *prometheus.CounterVec
	activeWorkers                prometheus.Gauge
	changesTotal                 *prometheus.CounterVec
	indexRecordsTotal            prometheus.Counter
	scheduleRunsTotal            *prometheus.CounterVec
	rateLimitDelaySeconds        *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archivist_crawls_total",
				Help: "Total number of crawl jobs executed, labeled by target and status.",
			},
			[]string{"target", "status"},
		)

		crawlBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archivist_crawl_bytes_total",
				Help: "Total number of archived bytes, labeled by target.",
			},
			[]string{"target"},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archivist_crawl_duration_seconds",
				Help:    "Histogram of crawl wall-clock durations, labeled by engine.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"engine"},
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

		probeTLSHandshakeTimeoutTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archivist_probe_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archivist_jobs_total",
				Help: "Total number of jobs processed, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archivist_active_workers",
				Help: "Number of workers currently executing a crawl.",
			},
		)

		changesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archivist_changes_total",
				Help: "Total detected snapshot changes, labeled by classification.",
			},
			[]string{"change_type"},
		)

		indexRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archivist_index_records_total",
				Help: "Total index records written.",
			},
		)

		scheduleRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archivist_schedule_runs_total",
				Help: "Total scheduled crawl executions, labeled by frequency and outcome.",
			},
			[]string{"frequency", "outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archivist_rate_limit_delay_seconds",
				Help:    "Histogram of delays introduced by the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 60},
			},
			[]string{"host"},
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

// ObserveCrawl records a completed crawl attempt.
func ObserveCrawl(target, engine, status string, bytesArchived int64, duration time.Duration) {
	crawlsTotal.WithLabelValues(target, status).Inc()
	if bytesArchived > 0 {
		crawlBytesTotal.WithLabelValues(target).Add(float64(bytesArchived))
	}
	crawlDurationSeconds.WithLabelValues(engine).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProbeTLSHandshakeTimeout increments the probe-specific handshake timeout counter.
func ObserveProbeTLSHandshakeTimeout() {
	probeTLSHandshakeTimeoutTotal.Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveChange records one classified snapshot change.
func ObserveChange(changeType string) {
	changesTotal.WithLabelValues(changeType).Inc()
}

// ObserveIndexRecords adds to the running index record count.
func ObserveIndexRecords(n int) {
	if n > 0 {
		indexRecordsTotal.Add(float64(n))
	}
}

// ObserveScheduleRun records the outcome of one scheduled execution.
func ObserveScheduleRun(frequency, outcome string) {
	scheduleRunsTotal.WithLabelValues(frequency, outcome).Inc()
}

// ObserveRateLimitDelay records time spent waiting on the per-host
// rate limiter.
func ObserveRateLimitDelay(host string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}
