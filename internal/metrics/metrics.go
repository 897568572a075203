// Package metrics exposes Prometheus collectors for the timetravel service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	archiveRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timetravel_archive_requests_total",
			Help: "Outbound requests to archives, labeled by site and status class.",
		},
		[]string{"site", "status_class"},
	)

	archiveRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timetravel_archive_request_duration_seconds",
			Help:    "Latency of outbound archive requests, labeled by site.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"site"},
	)

	depotLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timetravel_depot_lookups_total",
			Help: "Depot lookups, labeled by depot and outcome (found, miss, unavailable, malformed).",
		},
		[]string{"depot", "outcome"},
	)

	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timetravel_submissions_total",
			Help: "Submission attempts, labeled by submitter and outcome (submitted, failed).",
		},
		[]string{"submitter", "outcome"},
	)

	statusChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timetravel_submission_status_checks_total",
			Help: "Status polls issued to asynchronous submitters.",
		},
		[]string{"submitter"},
	)

	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timetravel_resolutions_total",
			Help: "Finished resolutions, labeled by final status.",
		},
		[]string{"status"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "timetravel_active_workers",
			Help: "Number of workers currently processing a resolution.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timetravel_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timetravel_http_requests_total",
			Help: "API requests, labeled by method, route pattern and status code.",
		},
		[]string{"method", "route", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "timetravel_http_request_duration_seconds",
			Help:    "API request latency, labeled by method and route pattern.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records API request metrics. Routes are labeled by their chi
// pattern so resolution ids do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
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

// StatusClass groups HTTP status codes; zero maps to "error".
func StatusClass(code int) string {
	switch {
	case code <= 0:
		return "error"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	case code < 600:
		return "5xx"
	default:
		return "other"
	}
}

// ObserveArchiveRequest records one outbound archive request.
func ObserveArchiveRequest(rawURL string, code int, duration time.Duration, err error) {
	site := SanitizeSite(rawURL)
	class := StatusClass(code)
	if err != nil {
		class = "error"
	}
	archiveRequestsTotal.WithLabelValues(site, class).Inc()
	archiveRequestDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveDepotLookup counts a depot lookup outcome.
func ObserveDepotLookup(depot, outcome string) {
	depotLookupsTotal.WithLabelValues(depot, outcome).Inc()
}

// ObserveSubmission counts a submission outcome.
func ObserveSubmission(submitter, outcome string) {
	submissionsTotal.WithLabelValues(submitter, outcome).Inc()
}

// ObserveStatusCheck counts a submission status poll.
func ObserveStatusCheck(submitter string) {
	statusChecksTotal.WithLabelValues(submitter).Inc()
}

// ObserveResolution counts a finished resolution.
func ObserveResolution(status string) {
	resolutionsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
