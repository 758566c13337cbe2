// Package metrics exposes Prometheus collectors for the pipeline service.
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
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	queueDepth                 *prometheus.GaugeVec
	activeWorkers              *prometheus.GaugeVec
	productsTotal              *prometheus.CounterVec
	priceChangesTotal          prometheus.Counter
	alertsTotal                *prometheus.CounterVec
	staleJobsSweptTotal        prometheus.Counter
	robotsDecisionsTotal       *prometheus.CounterVec
	pagesTotal                 *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	lifecycleEventsDropped     prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call repeatedly.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_jobs_total",
				Help: "Jobs finished by the broker, labeled by queue and outcome.",
			},
			[]string{"queue", "outcome"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_job_duration_seconds",
				Help:    "Handler run time, labeled by queue.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"queue"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_queue_depth",
				Help: "Jobs per queue and broker state.",
			},
			[]string{"queue", "state"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_active_workers",
				Help: "Handlers currently running, labeled by queue.",
			},
			[]string{"queue"},
		)

		productsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_products_total",
				Help: "Scraped products, labeled by vendor and result.",
			},
			[]string{"vendor", "result"},
		)

		priceChangesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_price_changes_detected_total",
				Help: "Significant price drops found by the detector.",
			},
		)

		alertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_alert_emails_total",
				Help: "Price alert emails, labeled by result.",
			},
			[]string{"result"},
		)

		staleJobsSweptTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_stale_jobs_swept_total",
				Help: "Non-terminal job records cancelled by the stale sweep.",
			},
		)

		robotsDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_robots_decisions_total",
				Help: "robots.txt admission decisions, labeled by host and decision.",
			},
			[]string{"host", "decision"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_catalog_pages_total",
				Help: "Catalog page fetches, labeled by host and status class.",
			},
			[]string{"host", "status"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host token bucket.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		lifecycleEventsDropped = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_lifecycle_events_dropped_total",
				Help: "Lifecycle events dropped because the hub buffer was full.",
			},
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

// SanitizeSite extracts a lowercase hostname, or "unknown".
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
	Init()
	return promhttp.Handler()
}

// ObserveJob records a finished broker job.
func ObserveJob(queue, outcome string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(queue, outcome).Inc()
	if duration > 0 {
		jobDurationSeconds.WithLabelValues(queue).Observe(duration.Seconds())
	}
}

// SetQueueDepth publishes the broker's per-state counts.
func SetQueueDepth(queue, state string, n int64) {
	Init()
	queueDepth.WithLabelValues(queue, state).Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge for queue.
func IncActiveWorkers(queue string) {
	Init()
	activeWorkers.WithLabelValues(queue).Inc()
}

// DecActiveWorkers decrements the active workers gauge for queue.
func DecActiveWorkers(queue string) {
	Init()
	activeWorkers.WithLabelValues(queue).Dec()
}

// ObserveProduct records one scraped product by write result
// (created, updated, unchanged, invalid, error).
func ObserveProduct(vendorID, result string) {
	Init()
	productsTotal.WithLabelValues(vendorID, result).Inc()
}

// ObservePriceChanges adds detected drops.
func ObservePriceChanges(n int) {
	Init()
	if n > 0 {
		priceChangesTotal.Add(float64(n))
	}
}

// ObserveAlert records an alert email attempt.
func ObserveAlert(result string) {
	Init()
	alertsTotal.WithLabelValues(result).Inc()
}

// ObserveStaleSwept adds swept job records.
func ObserveStaleSwept(n int) {
	Init()
	if n > 0 {
		staleJobsSweptTotal.Add(float64(n))
	}
}

// ObserveRobotsDecision records a robots.txt admission.
func ObserveRobotsDecision(host string, allowed bool) {
	Init()
	decision := "allowed"
	if !allowed {
		decision = "disallowed"
	}
	robotsDecisionsTotal.WithLabelValues(host, decision).Inc()
}

// ObservePage records a catalog page fetch. status zero means no response.
func ObservePage(host string, status int) {
	Init()
	class := "error"
	if status > 0 {
		class = strconv.Itoa(status/100) + "xx"
	}
	pagesTotal.WithLabelValues(host, class).Inc()
}

// ObserveRateLimitDelay records a token-bucket wait.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveEventDropped counts a dropped lifecycle event.
func ObserveEventDropped() {
	Init()
	lifecycleEventsDropped.Inc()
}

// ObserveHTTPRequest records an API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
