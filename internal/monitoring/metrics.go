package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	CrawledTotal *prometheus.CounterVec
	ErrorsTotal  *prometheus.CounterVec

	// Downloader
	RequestsTotal   *prometheus.CounterVec
	ResponsesTotal  *prometheus.CounterVec
	ExceptionsTotal *prometheus.CounterVec
	ResultsTotal    *prometheus.CounterVec
	CrawlDuration   *prometheus.HistogramVec

	// Item pipeline
	ItemsTotal *prometheus.CounterVec

	// API
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CrawledTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_urls_processed_total",
			Help: "The total number of URLs processed",
		}, nil),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_errors_total",
			Help: "The total number of errors encountered",
		}, []string{"type"}), // e.g., 'crawl_failed', 'db_save_failed'
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "downloader_requests_total",
			Help: "Requests that entered the downloader middlewares",
		}, []string{"method"}),
		ResponsesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "downloader_responses_total",
			Help: "Responses seen by the downloader middlewares",
		}, []string{"status"}),
		ExceptionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "downloader_exceptions_total",
			Help: "Download faults seen by the downloader middlewares",
		}, []string{"type"}),
		ResultsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "downloader_results_total",
			Help: "Terminal downloader results by kind",
		}, []string{"kind"}), // response, request, error
		CrawlDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawl_duration_seconds",
			Help:    "Duration of crawl operations.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 15, 30, 60, 120},
		}, []string{"domain"}),
		ItemsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_items_total",
			Help: "Items through the item pipeline by outcome",
		}, []string{"outcome"}), // processed, dropped, error
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

func (m *Metrics) IncCrawledTotal() {
	m.CrawledTotal.WithLabelValues().Inc()
}

func (m *Metrics) IncErrorsTotal(errorType string) {
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) IncRequest(method string) {
	m.RequestsTotal.WithLabelValues(method).Inc()
}

func (m *Metrics) IncResponse(status int) {
	m.ResponsesTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) IncException(errorType string) {
	m.ExceptionsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) IncResult(kind string) {
	m.ResultsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncItem(outcome string) {
	m.ItemsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCrawl(domain string, d time.Duration) {
	m.CrawlDuration.WithLabelValues(domain).Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTP(method, path string, status int, d time.Duration) {
	code := strconv.Itoa(status)
	m.HTTPRequestDuration.WithLabelValues(method, path, code).Observe(d.Seconds())
	m.HTTPRequestsTotal.WithLabelValues(method, path, code).Inc()
}
