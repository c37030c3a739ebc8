package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/user/crawlchain/internal/crawler"
	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/monitoring"
	"github.com/user/crawlchain/internal/storage"
)

type submitted struct {
	url   string
	force bool
}

type fakeCrawler struct {
	mu   sync.Mutex
	got  []submitted
	err  error
	fail string
}

func (f *fakeCrawler) SubmitURL(_ context.Context, rawURL string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil && (f.fail == "" || f.fail == rawURL) {
		return f.err
	}
	f.got = append(f.got, submitted{rawURL, force})
	return nil
}

type fakeStatus map[string]*domain.CrawlStatusResponse

func (f fakeStatus) GetCrawlStatus(_ context.Context, url string) (*domain.CrawlStatusResponse, error) {
	if url == "http://broken/" {
		return nil, errors.New("db down")
	}
	s, ok := f[url]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newTestServer(c *fakeCrawler, health map[string]Pinger) (*Server, *monitoring.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	status := fakeStatus{
		"http://example.com/":                    {URL: "http://example.com/", Status: "completed", UpdatedAt: time.Unix(0, 0).UTC()},
		"http://example.com/a%20b/%C3%A9t%C3%A9": {URL: "http://example.com/a%20b/%C3%A9t%C3%A9", Status: "failed"},
	}
	s := NewServer("0", Deps{Crawler: c, Status: status, Health: health, Gatherer: reg, Metrics: metrics})
	return s, metrics, reg
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleCrawlRequest(t *testing.T) {
	c := &fakeCrawler{}
	s, _, _ := newTestServer(c, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/api/crawl", `{"urls":["http://a.com/","https://b.com/x"],"force_crawl":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var resp crawlAccepted
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if _, err := uuid.Parse(resp.JobID); err != nil || resp.Accepted != 2 {
		t.Errorf("response = %+v", resp)
	}
	if len(c.got) != 2 || !c.got[0].force || c.got[1].url != "https://b.com/x" {
		t.Errorf("submitted = %+v", c.got)
	}
}

func TestHandleCrawlRequestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"empty list", `{"urls":[]}`},
		{"relative url", `{"urls":["/path"]}`},
		{"unsupported scheme", `{"urls":["ftp://a.com/"]}`},
		{"one bad url", `{"urls":["http://ok.com/","not a url"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCrawler{}
			s, _, _ := newTestServer(c, nil)
			rec := do(t, s.Handler(), http.MethodPost, "/api/crawl", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d", rec.Code)
			}
			if len(c.got) != 0 {
				t.Errorf("nothing should be submitted, got %+v", c.got)
			}
		})
	}
}

func TestHandleCrawlRequestSubmitErrors(t *testing.T) {
	c := &fakeCrawler{err: crawler.ErrStopped}
	s, _, _ := newTestServer(c, nil)
	if rec := do(t, s.Handler(), http.MethodPost, "/api/crawl", `{"urls":["http://a.com/"]}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stopped crawler status = %d", rec.Code)
	}

	c = &fakeCrawler{err: context.Canceled, fail: "http://b.com/"}
	s, _, _ = newTestServer(c, nil)
	rec := do(t, s.Handler(), http.MethodPost, "/api/crawl", `{"urls":["http://a.com/","http://b.com/"]}`)
	var resp crawlAccepted
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusAccepted || resp.Accepted != 1 {
		t.Errorf("partial submit = %d %+v", rec.Code, resp)
	}
}

func TestHandleStatusRequest(t *testing.T) {
	s, _, _ := newTestServer(&fakeCrawler{}, nil)

	rec := do(t, s.Handler(), http.MethodGet, "/api/status?url=http://example.com/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got domain.CrawlStatusResponse
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != "completed" || got.URL != "http://example.com/" {
		t.Errorf("body = %+v", got)
	}

	for target, want := range map[string]int{
		"/api/status":                     http.StatusBadRequest,
		"/api/status?url=no-scheme":       http.StatusBadRequest,
		"/api/status?url=http://unknown/": http.StatusNotFound,
		"/api/status?url=http://broken/":  http.StatusInternalServerError,
	} {
		if rec := do(t, s.Handler(), http.MethodGet, target, ""); rec.Code != want {
			t.Errorf("%s: status = %d, want %d", target, rec.Code, want)
		}
	}
}

func TestHandleStatusRequestEscapesURL(t *testing.T) {
	s, _, _ := newTestServer(&fakeCrawler{}, nil)
	target := "/api/status?url=" + url.QueryEscape("http://example.com/a b/été")
	rec := do(t, s.Handler(), http.MethodGet, target, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	var got domain.CrawlStatusResponse
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != "failed" {
		t.Errorf("body = %+v", got)
	}
}

func TestHandleHealthCheck(t *testing.T) {
	s, _, _ := newTestServer(&fakeCrawler{}, map[string]Pinger{"postgres": pinger{}, "redis": pinger{}})
	rec := do(t, s.Handler(), http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"redis":"healthy"`) {
		t.Errorf("healthy = %d %s", rec.Code, rec.Body)
	}

	s, _, _ = newTestServer(&fakeCrawler{}, map[string]Pinger{"postgres": pinger{}, "redis": pinger{err: errors.New("down")}})
	rec = do(t, s.Handler(), http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"redis":"unhealthy"`) {
		t.Errorf("unhealthy = %d %s", rec.Code, rec.Body)
	}
}

func TestMetricsEndpointAndInstrumentation(t *testing.T) {
	s, metrics, _ := newTestServer(&fakeCrawler{}, nil)
	do(t, s.Handler(), http.MethodGet, "/api/status?url=http://example.com/", "")
	do(t, s.Handler(), http.MethodGet, "/nope", "")

	if got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/status", "200")); got != 1 {
		t.Errorf("status route count = %v", got)
	}
	if got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Errorf("unmatched count = %v", got)
	}

	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Errorf("metrics = %d", rec.Code)
	}
}
