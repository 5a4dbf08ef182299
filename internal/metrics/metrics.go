// Package metrics exposes Prometheus collectors for the scrape engine and
// the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scrape outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeAuthError  = "auth_error"
	OutcomeFetchError = "fetch_error"
	OutcomeSkipped    = "skipped"
	OutcomeLocked     = "locked"
	OutcomeSetupError = "setup_error"
)

// Metrics holds every collector the application records into.
type Metrics struct {
	registry        *prometheus.Registry
	ScrapesTotal    *prometheus.CounterVec
	ScrapeDuration  prometheus.Histogram
	CheckerFailures *prometheus.CounterVec
	ShopStatus      *prometheus.GaugeVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ScrapesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shopmon_scrapes_total",
			Help: "Shop scrape cycles by outcome.",
		}, []string{"outcome"}),
		ScrapeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shopmon_scrape_duration_seconds",
			Help:    "Duration of completed shop scrape cycles.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		CheckerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shopmon_checker_failures_total",
			Help: "Checkers that returned an error or panicked.",
		}, []string{"checker"}),
		ShopStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shopmon_shops",
			Help: "Shops by status after the last batch run.",
		}, []string{"status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shopmon_http_requests_total",
			Help: "API requests by method and status code.",
		}, []string{"method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shopmon_http_request_duration_seconds",
			Help:    "API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(
		m.ScrapesTotal, m.ScrapeDuration, m.CheckerFailures, m.ShopStatus,
		m.HTTPRequests, m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveScrape records one finished scrape cycle.
func (m *Metrics) ObserveScrape(outcome string, d time.Duration) {
	m.ScrapesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		m.ScrapeDuration.Observe(d.Seconds())
	}
}

// CheckerFailed counts a failed checker.
func (m *Metrics) CheckerFailed(name string) {
	m.CheckerFailures.WithLabelValues(name).Inc()
}

// SetShopStatuses replaces the per-status shop gauge.
func (m *Metrics) SetShopStatuses(counts map[string]int) {
	m.ShopStatus.Reset()
	for status, n := range counts {
		m.ShopStatus.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveHTTP records one served API request.
func (m *Metrics) ObserveHTTP(method string, code int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(method).Observe(d.Seconds())
}
