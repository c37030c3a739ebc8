package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.IncCrawledTotal()
	m.IncCrawledTotal()
	m.IncErrorsTotal("crawl_failed")
	m.IncRequest("GET")
	m.IncResponse(404)
	m.IncException("*errors.errorString")
	m.IncResult("response")
	m.IncItem("dropped")
	m.ObserveCrawl("example.com", time.Second)
	m.ObserveHTTP("GET", "/api/health", 200, time.Millisecond)

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"crawled", m.CrawledTotal.WithLabelValues(), 2},
		{"errors", m.ErrorsTotal.WithLabelValues("crawl_failed"), 1},
		{"requests", m.RequestsTotal.WithLabelValues("GET"), 1},
		{"responses", m.ResponsesTotal.WithLabelValues("404"), 1},
		{"exceptions", m.ExceptionsTotal.WithLabelValues("*errors.errorString"), 1},
		{"results", m.ResultsTotal.WithLabelValues("response"), 1},
		{"items", m.ItemsTotal.WithLabelValues("dropped"), 1},
		{"http", m.HTTPRequestsTotal.WithLabelValues("GET", "/api/health", "200"), 1},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
	if n := testutil.CollectAndCount(m.CrawlDuration); n != 1 {
		t.Errorf("crawl duration series = %d, want 1", n)
	}
}

func TestNewMetricsPerRegistry(t *testing.T) {
	// Separate registries must not collide.
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}
