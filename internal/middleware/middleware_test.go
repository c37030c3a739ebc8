package middleware

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/downloader"
	"github.com/user/crawlchain/internal/eventual"
	"github.com/user/crawlchain/internal/monitoring"
)

var spider = &domain.Spider{Name: "test"}

// settle adapts a hook's return the way the downloader does and waits for it.
func settle(t *testing.T, v any, err error) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return eventual.Adapt(ctx, v, err).Await(ctx)
}

func responseFor(req *domain.Request, status int, headers map[string]string, body []byte) *domain.Response {
	resp := domain.NewResponse(req.URL())
	resp.Status = status
	resp.Headers = domain.HeadersFromMap(headers)
	resp.Body = body
	resp.Request = req
	return resp
}

type staticSource string

func (s staticSource) GetUserAgent() string { return string(s) }
func (s staticSource) GetProxy() string     { return string(s) }

func TestDefaultHeaders(t *testing.T) {
	m := NewDefaultHeaders([]string{"Accept: text/html", "Accept-Language: en", "broken line"})
	req := domain.MustRequest("http://example.com", domain.WithHeader("Accept-Language", "fr"))

	if out, err := m.ProcessRequest(context.Background(), req, spider); out != nil || err != nil {
		t.Fatalf("ProcessRequest = %v, %v", out, err)
	}
	if got := req.Headers().GetString("Accept"); got != "text/html" {
		t.Errorf("Accept = %q", got)
	}
	if got := req.Headers().GetString("Accept-Language"); got != "fr" {
		t.Errorf("Accept-Language = %q, existing value must win", got)
	}
	if req.Headers().Len() != 2 {
		t.Errorf("headers = %v", req.Headers().Keys())
	}
}

func TestUserAgentAndProxy(t *testing.T) {
	req := domain.MustRequest("http://example.com")
	NewUserAgent(staticSource("bot/1.0")).ProcessRequest(context.Background(), req, spider)
	NewProxy(staticSource("http://proxy:8080")).ProcessRequest(context.Background(), req, spider)
	if got := req.Headers().GetString("User-Agent"); got != "bot/1.0" {
		t.Errorf("User-Agent = %q", got)
	}
	if got := req.MetaString(domain.MetaProxy); got != "http://proxy:8080" {
		t.Errorf("proxy meta = %q", got)
	}

	// Existing values are kept, including an explicit empty proxy.
	req = domain.MustRequest("http://example.com",
		domain.WithHeader("User-Agent", "custom"),
		domain.WithMeta(map[string]any{domain.MetaProxy: ""}))
	NewUserAgent(staticSource("bot/1.0")).ProcessRequest(context.Background(), req, spider)
	NewProxy(staticSource("http://proxy:8080")).ProcessRequest(context.Background(), req, spider)
	if req.Headers().GetString("User-Agent") != "custom" || req.MetaString(domain.MetaProxy) != "" {
		t.Errorf("overrode existing values: ua=%q proxy=%q", req.Headers().GetString("User-Agent"), req.MetaString(domain.MetaProxy))
	}
}

func TestDownloadTimeout(t *testing.T) {
	req := domain.MustRequest("http://example.com")
	NewDownloadTimeout(5*time.Second).ProcessRequest(context.Background(), req, spider)
	if got, _ := req.Meta()[domain.MetaDownloadTimeout].(time.Duration); got != 5*time.Second {
		t.Errorf("timeout meta = %v", req.Meta()[domain.MetaDownloadTimeout])
	}

	req = domain.MustRequest("http://example.com", domain.WithMeta(map[string]any{domain.MetaDownloadTimeout: time.Second}))
	NewDownloadTimeout(5*time.Second).ProcessRequest(context.Background(), req, spider)
	if got, _ := req.Meta()[domain.MetaDownloadTimeout].(time.Duration); got != time.Second {
		t.Errorf("timeout meta overwritten: %v", got)
	}
}

func TestStats(t *testing.T) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	m := NewStats(metrics)
	req := domain.MustRequest("http://example.com")
	resp := responseFor(req, 404, nil, nil)

	m.ProcessRequest(context.Background(), req, spider)
	if out, _ := m.ProcessResponse(context.Background(), req, resp, spider); out != resp {
		t.Error("Stats must pass the response through")
	}
	m.ProcessException(context.Background(), req, errors.New("x"), spider)

	if got := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("GET")); got != 1 {
		t.Errorf("requests = %v", got)
	}
	if got := testutil.ToFloat64(metrics.ResponsesTotal.WithLabelValues("404")); got != 1 {
		t.Errorf("responses = %v", got)
	}
	if got := testutil.CollectAndCount(metrics.ExceptionsTotal); got != 1 {
		t.Errorf("exception series = %v", got)
	}
}

func TestRobots(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fetches.Add(1)
			w.Write([]byte("User-agent: *\nDisallow: /private\n\nUser-agent: special\nDisallow: /\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewRobots(srv.Client(), "crawlchain", time.Hour, nil)
	check := func(path string, meta map[string]any) error {
		req := domain.MustRequest(srv.URL+path, domain.WithMeta(meta))
		out, err := m.ProcessRequest(context.Background(), req, spider)
		_, err = settle(t, out, err)
		return err
	}

	if err := check("/public", nil); err != nil {
		t.Errorf("/public: %v", err)
	}
	err := check("/private/page", nil)
	if !errors.Is(err, ErrIgnoreRequest) {
		t.Errorf("/private/page error = %v, want ErrIgnoreRequest", err)
	}
	var ignore *IgnoreRequestError
	if !errors.As(err, &ignore) || ignore.Reason != "forbidden by robots.txt" {
		t.Errorf("error = %#v", err)
	}
	if err := check("/private/page", map[string]any{domain.MetaDontObeyRobotsTxt: true}); err != nil {
		t.Errorf("dont_obey_robotstxt: %v", err)
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("robots.txt fetched %d times, want 1", n)
	}

	special := NewRobots(srv.Client(), "special", time.Hour, nil)
	req := domain.MustRequest(srv.URL + "/public")
	out, err := special.ProcessRequest(context.Background(), req, spider)
	if _, err := settle(t, out, err); !errors.Is(err, ErrIgnoreRequest) {
		t.Errorf("special agent error = %v", err)
	}
}

func TestRobotsFailOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	m := NewRobots(nil, "crawlchain", time.Hour, nil)
	req := domain.MustRequest(url + "/anything")
	out, err := m.ProcessRequest(context.Background(), req, spider)
	if _, err := settle(t, out, err); err != nil {
		t.Errorf("unreachable robots.txt should allow, got %v", err)
	}
}

func TestThrottle(t *testing.T) {
	m := NewThrottle(10, 1)
	req := domain.MustRequest("http://example.com")

	out, err := m.ProcessRequest(context.Background(), req, spider)
	if out != nil || err != nil {
		t.Fatalf("first request should pass immediately, got %v, %v", out, err)
	}
	out, err = m.ProcessRequest(context.Background(), req, spider)
	if _, ok := out.(eventual.Routine); !ok {
		t.Fatalf("second request should suspend, got %T", out)
	}
	if v, err := settle(t, out, err); v != nil || err != nil {
		t.Errorf("suspended request = %v, %v", v, err)
	}

	other := domain.MustRequest("http://other.example")
	if out, _ := m.ProcessRequest(context.Background(), other, spider); out != nil {
		t.Error("hosts must have separate buckets")
	}
	if out, _ := NewThrottle(0, 1).ProcessRequest(context.Background(), req, spider); out != nil {
		t.Error("disabled throttle must pass")
	}
}

func TestHTTPCache(t *testing.T) {
	store := NewMemoryCache(time.Hour)
	m := NewHTTPCache(store, nil)
	req := domain.MustRequest("http://example.com/page")

	out, err := m.ProcessRequest(context.Background(), req, spider)
	if v, err := settle(t, out, err); v != nil || err != nil {
		t.Fatalf("empty cache = %v, %v", v, err)
	}
	resp := responseFor(req, 200, map[string]string{"Content-Type": "text/html"}, []byte("<p>hi</p>"))
	out, err = m.ProcessResponse(context.Background(), req, resp, spider)
	if v, err := settle(t, out, err); v != resp || err != nil {
		t.Fatalf("ProcessResponse = %v, %v", v, err)
	}

	again := domain.MustRequest("http://example.com/page")
	out, err = m.ProcessRequest(context.Background(), again, spider)
	v, err := settle(t, out, err)
	cached, ok := v.(*domain.Response)
	if err != nil || !ok {
		t.Fatalf("cache hit = %v, %v", v, err)
	}
	if !cached.HasFlag(FlagCached) || cached.Request != again || string(cached.Body) != "<p>hi</p>" {
		t.Errorf("cached response = %v flags=%v", cached, cached.Flags)
	}
	// A cached response is not stored again.
	if v, _ := m.ProcessResponse(context.Background(), again, cached, spider); v != cached {
		t.Error("cached response should pass through untouched")
	}

	noCache := domain.MustRequest("http://example.com/page", domain.WithMeta(map[string]any{domain.MetaDontCache: true}))
	if v, _ := m.ProcessRequest(context.Background(), noCache, spider); v != nil {
		t.Error("dont_cache request must skip the cache")
	}
	notFound := responseFor(req, 404, nil, nil)
	m.ProcessResponse(context.Background(), domain.MustRequest("http://example.com/missing"), notFound, spider)
	if _, err := store.Retrieve(context.Background(), spider, domain.MustRequest("http://example.com/missing")); !errors.Is(err, ErrCacheMiss) {
		t.Error("non-200 responses must not be cached")
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	req := domain.MustRequest("http://example.com")
	c.Store(context.Background(), spider, req, responseFor(req, 200, nil, []byte("x")))

	if _, err := c.Retrieve(context.Background(), spider, req); err != nil {
		t.Fatalf("fresh entry: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := c.Retrieve(context.Background(), spider, req); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expired entry error = %v", err)
	}
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write([]byte(s))
	w.Close()
	return buf.Bytes()
}

func TestCompression(t *testing.T) {
	var zbuf, bbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	zw.Write([]byte("deflated"))
	zw.Close()
	bw := brotli.NewWriter(&bbuf)
	bw.Write([]byte("brotli"))
	bw.Close()

	tests := []struct {
		name     string
		encoding string
		body     []byte
		want     string
	}{
		{"gzip", "gzip", gzipped(t, "zipped"), "zipped"},
		{"deflate", "deflate", zbuf.Bytes(), "deflated"},
		{"br", "br", bbuf.Bytes(), "brotli"},
		{"chained", "br, gzip", gzipped(t, string(bbuf.Bytes())), "brotli"},
		{"unknown left alone", "compress", []byte("raw"), "raw"},
	}
	m := NewCompression(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := domain.MustRequest("http://example.com")
			resp := responseFor(req, 200, map[string]string{"Content-Encoding": tt.encoding, "Content-Length": "99"}, tt.body)
			v, err := m.ProcessResponse(context.Background(), req, resp, spider)
			if err != nil {
				t.Fatalf("ProcessResponse: %v", err)
			}
			out := v.(*domain.Response)
			if string(out.Body) != tt.want {
				t.Errorf("body = %q, want %q", out.Body, tt.want)
			}
			if tt.want != "raw" && out.Headers.Has("Content-Encoding") {
				t.Error("Content-Encoding kept after decoding")
			}
		})
	}
}

func TestCompressionRequestAndErrors(t *testing.T) {
	m := NewCompression(4)
	req := domain.MustRequest("http://example.com")
	m.ProcessRequest(context.Background(), req, spider)
	if got := req.Headers().GetString("Accept-Encoding"); got != acceptEncoding {
		t.Errorf("Accept-Encoding = %q", got)
	}

	bad := responseFor(req, 200, map[string]string{"Content-Encoding": "gzip"}, []byte("not gzip"))
	if _, err := m.ProcessResponse(context.Background(), req, bad, spider); err == nil {
		t.Error("invalid gzip body must fail")
	}
	big := responseFor(req, 200, map[string]string{"Content-Encoding": "gzip"}, gzipped(t, "more than four bytes"))
	if _, err := m.ProcessResponse(context.Background(), req, big, spider); !errors.Is(err, ErrIgnoreRequest) {
		t.Errorf("oversized body error = %v", err)
	}
	head := domain.MustRequest("http://example.com", domain.WithMethod("HEAD"))
	if v, err := m.ProcessResponse(context.Background(), head, bad, spider); v != bad || err != nil {
		t.Error("HEAD responses are not decoded")
	}
}

func TestRedirect(t *testing.T) {
	m := NewRedirect(3, nil)
	post := domain.MustRequest("http://example.com/form",
		domain.WithMethod("POST"),
		domain.WithBody([]byte("a=1")),
		domain.WithHeader("Content-Type", "application/x-www-form-urlencoded"),
		domain.WithPriority(1))

	tests := []struct {
		status     int
		wantMethod string
	}{
		{301, "POST"},
		{302, "GET"},
		{303, "GET"},
		{307, "POST"},
		{308, "POST"},
	}
	for _, tt := range tests {
		resp := responseFor(post, tt.status, map[string]string{"Location": "/next"}, nil)
		v, err := m.ProcessResponse(context.Background(), post, resp, spider)
		if err != nil {
			t.Fatalf("%d: %v", tt.status, err)
		}
		next, ok := v.(*domain.Request)
		if !ok {
			t.Fatalf("%d: got %T, want *domain.Request", tt.status, v)
		}
		if next.URL() != "http://example.com/next" || next.Method() != tt.wantMethod {
			t.Errorf("%d: redirected to %s", tt.status, next)
		}
		if tt.wantMethod == "GET" && (len(next.Body()) != 0 || next.Headers().Has("Content-Type")) {
			t.Errorf("%d: GET redirect kept body or content type", tt.status)
		}
		if next.MetaInt(domain.MetaRedirectTimes) != 1 || next.Priority() != 1+redirectPriorityAdjust {
			t.Errorf("%d: meta=%v priority=%d", tt.status, next.Meta(), next.Priority())
		}
		if urls, _ := next.Meta()[domain.MetaRedirectURLs].([]string); !slices.Equal(urls, []string{post.URL()}) {
			t.Errorf("%d: redirect urls = %v", tt.status, urls)
		}
	}
}

func TestRedirectPassThroughAndLimits(t *testing.T) {
	m := NewRedirect(1, nil)
	req := domain.MustRequest("http://example.com")

	for name, resp := range map[string]*domain.Response{
		"no location": responseFor(req, 302, nil, nil),
		"not 3xx":     responseFor(req, 200, map[string]string{"Location": "/x"}, nil),
		"bad scheme":  responseFor(req, 302, map[string]string{"Location": "javascript:alert(1)"}, nil),
		"file target": responseFor(req, 301, map[string]string{"Location": "file:///etc/passwd"}, nil),
		"data target": responseFor(req, 307, map[string]string{"Location": "data:text/html,hi"}, nil),
	} {
		if v, err := m.ProcessResponse(context.Background(), req, resp, spider); v != resp || err != nil {
			t.Errorf("%s: got %v, %v", name, v, err)
		}
	}

	dont := domain.MustRequest("http://example.com", domain.WithMeta(map[string]any{domain.MetaDontRedirect: true}))
	resp := responseFor(dont, 302, map[string]string{"Location": "/x"}, nil)
	if v, _ := m.ProcessResponse(context.Background(), dont, resp, spider); v != resp {
		t.Error("dont_redirect ignored")
	}

	hopped := domain.MustRequest("http://example.com", domain.WithMeta(map[string]any{domain.MetaRedirectTimes: 1}))
	resp = responseFor(hopped, 302, map[string]string{"Location": "/x"}, nil)
	if _, err := m.ProcessResponse(context.Background(), hopped, resp, spider); !errors.Is(err, ErrIgnoreRequest) {
		t.Errorf("max redirects error = %v", err)
	}
}

func TestRedirectCrossOrigin(t *testing.T) {
	m := NewRedirect(5, nil)
	req := domain.MustRequest("https://example.com/a",
		domain.WithHeaders(domain.HeadersFromMap(map[string]string{"Cookie": "s=1", "Authorization": "Bearer t"})))

	resp := responseFor(req, 302, map[string]string{"Location": "//other.example/b"}, nil)
	v, err := m.ProcessResponse(context.Background(), req, resp, spider)
	if err != nil {
		t.Fatal(err)
	}
	next := v.(*domain.Request)
	if next.URL() != "https://other.example/b" {
		t.Errorf("protocol-relative location gave %s", next.URL())
	}
	if next.Headers().Has("Cookie") || next.Headers().Has("Authorization") {
		t.Errorf("credentials leaked across origins: %v", next.Headers().Keys())
	}

	resp = responseFor(req, 302, map[string]string{"Location": "/same"}, nil)
	v, _ = m.ProcessResponse(context.Background(), req, resp, spider)
	if same := v.(*domain.Request); !same.Headers().Has("Cookie") || !same.Headers().Has("Authorization") {
		t.Errorf("same-origin redirect dropped headers: %v", same.Headers().Keys())
	}
}

func TestMetaRefresh(t *testing.T) {
	m := NewMetaRefresh(100*time.Second, 5, nil)
	req := domain.MustRequest("http://example.com/dir/page")
	html := map[string]string{"Content-Type": "text/html; charset=utf-8"}

	resp := responseFor(req, 200, html, []byte(`<html><head><meta http-equiv="Refresh" content="5; url=next.html"></head></html>`))
	v, err := m.ProcessResponse(context.Background(), req, resp, spider)
	if err != nil {
		t.Fatal(err)
	}
	next, ok := v.(*domain.Request)
	if !ok || next.URL() != "http://example.com/dir/next.html" {
		t.Fatalf("meta refresh gave %v", v)
	}

	for name, body := range map[string]string{
		"too slow": `<meta http-equiv="refresh" content="200; url=/x">`,
		"noscript": `<noscript><meta http-equiv="refresh" content="0; url=/x"></noscript>`,
		"no url":   `<meta http-equiv="refresh" content="5">`,
		"file url": `<meta http-equiv="refresh" content="0; url=file:///etc/passwd">`,
	} {
		resp := responseFor(req, 200, html, []byte(body))
		if v, _ := m.ProcessResponse(context.Background(), req, resp, spider); v != resp {
			t.Errorf("%s: got %v", name, v)
		}
	}

	plain := responseFor(req, 200, map[string]string{"Content-Type": "text/plain"}, []byte(`<meta http-equiv="refresh" content="0; url=/x">`))
	if v, _ := m.ProcessResponse(context.Background(), req, plain, spider); v != plain {
		t.Error("non-HTML responses are not parsed")
	}
}

func TestParseRefresh(t *testing.T) {
	tests := []struct {
		in    string
		delay time.Duration
		url   string
		ok    bool
	}{
		{"5; url=/next", 5 * time.Second, "/next", true},
		{"0;URL='http://x.org/'", 0, "http://x.org/", true},
		{"1.5, url=a.html", 1500 * time.Millisecond, "a.html", true},
		{"3", 0, "", false},
		{"soon; url=/x", 0, "", false},
		{"", 0, "", false},
	}
	for _, tt := range tests {
		delay, u, ok := parseRefresh(tt.in)
		if ok != tt.ok || (ok && (delay != tt.delay || u != tt.url)) {
			t.Errorf("parseRefresh(%q) = %v, %q, %v", tt.in, delay, u, ok)
		}
	}
}

// Chain behaviour of the defaults: redirects are handled before bodies are
// decoded, so a 3xx with a broken body still redirects while a 200 with the
// same body fails.
func TestDefaultsRedirectBeforeDecompression(t *testing.T) {
	m, err := downloader.NewManager(Defaults(Options{RedirectMaxTimes: 5, MetaRefreshMax: 100 * time.Second}), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Open(context.Background(), spider); err != nil {
		t.Fatalf("Open: %v", err)
	}
	fetchWith := func(status int, headers map[string]string, body []byte) downloader.Transport {
		return func(_ context.Context, req *domain.Request, _ *domain.Spider) *eventual.Future[*domain.Response] {
			return eventual.Resolved(responseFor(req, status, headers, body))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := domain.MustRequest("http://example.com/")
	res, err := m.Download(ctx, fetchWith(302, map[string]string{"Location": "http://example.com/login", "Content-Encoding": "gzip"}, []byte("broken")), req, spider).Await(ctx)
	if err != nil {
		t.Fatalf("3xx download: %v", err)
	}
	if res.Request == nil || res.Request.URL() != "http://example.com/login" {
		t.Errorf("3xx result = %+v, want redirect", res)
	}

	_, err = m.Download(ctx, fetchWith(200, map[string]string{"Content-Encoding": "gzip"}, []byte("broken")), req, spider).Await(ctx)
	if err == nil {
		t.Error("200 with invalid gzip body must fail")
	}

	res, err = m.Download(ctx, fetchWith(200, map[string]string{"Content-Encoding": "gzip", "Content-Type": "text/html"}, gzipped(t, "<p>ok</p>")), req, spider).Await(ctx)
	if err != nil || string(res.Response.Body) != "<p>ok</p>" {
		t.Errorf("gzip download = %+v, %v", res, err)
	}
	if got := req.Headers().GetString("Accept-Encoding"); got != acceptEncoding {
		t.Errorf("Accept-Encoding = %q", got)
	}
}

func TestDefaultsOrdering(t *testing.T) {
	regs := Defaults(Options{
		Agents:       staticSource("ua"),
		Proxies:      staticSource(""),
		Robots:       NewRobots(nil, "ua", 0, nil),
		Cache:        NewMemoryCache(0),
		Metrics:      monitoring.NewMetrics(prometheus.NewRegistry()),
		ThrottleRate: 1,
	})
	m, err := downloader.NewManager(regs, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	want := []string{"Robots", "DownloadTimeout", "DefaultHeaders", "UserAgent", "MetaRefresh",
		"Compression", "Redirect", "Proxy", "Stats", "HTTPCache", "Throttle"}
	if got := m.Names(); !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}
