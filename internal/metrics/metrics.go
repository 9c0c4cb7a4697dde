// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal                 *prometheus.CounterVec
	cursorGauge                prometheus.Gauge
	latestIDGauge              prometheus.Gauge
	imageBytesTotal            prometheus.Counter
	fetchDurationSeconds       prometheus.Histogram
	httpFetchesTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	fetchRetriesTotal          *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallhaven_items_total",
				Help: "Total number of gallery ids processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		cursorGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "wallhaven_cursor",
				Help: "Highest gallery id recorded as fully processed.",
			},
		)

		latestIDGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "wallhaven_latest_id",
				Help: "Newest gallery id seen during discovery.",
			},
		)

		imageBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "wallhaven_image_bytes_total",
				Help: "Total number of image bytes handed to the content store.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wallhaven_fetch_duration_seconds",
				Help:    "Histogram of per-id fetch latencies (page plus image).",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		httpFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallhaven_http_fetches_total",
				Help: "Total number of outbound fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallhaven_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallhaven_fetch_retries_total",
				Help: "Total number of outbound fetches retried after a transient failure.",
			},
			[]string{"site"},
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

// ObserveItem counts one processed gallery id.
func ObserveItem(outcome string) {
	itemsTotal.WithLabelValues(outcome).Inc()
}

// SetCursor records the persisted cursor value.
func SetCursor(id int64) {
	cursorGauge.Set(float64(id))
}

// SetLatestID records the newest discovered gallery id.
func SetLatestID(id int64) {
	latestIDGauge.Set(float64(id))
}

// AddImageBytes adds n to the stored image byte counter.
func AddImageBytes(n int) {
	if n > 0 {
		imageBytesTotal.Add(float64(n))
	}
}

// ObserveFetchDuration records how long fetching one id took.
func ObserveFetchDuration(d time.Duration) {
	fetchDurationSeconds.Observe(d.Seconds())
}

// ObserveFetch counts one outbound fetch against the URL's host.
func ObserveFetch(rawURL string, status int) {
	httpFetchesTotal.WithLabelValues(SanitizeSite(rawURL), strconv.Itoa(status)).Inc()
}

// ObserveRateLimitDelay records a wait imposed by the rate limiter.
func ObserveRateLimitDelay(site string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(site).Observe(d.Seconds())
}

// ObserveRetry counts one retried fetch against the URL's host.
func ObserveRetry(rawURL string) {
	fetchRetriesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	Init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
