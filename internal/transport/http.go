// Package transport performs the actual network fetch behind the downloader
// middlewares.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/downloader"
	"github.com/user/crawlchain/internal/eventual"
)

// ErrBodyTooLarge is returned when a response body exceeds the size limit.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// Fetcher downloads a single request.
type Fetcher interface {
	Fetch(ctx context.Context, req *domain.Request, spider *domain.Spider) (*domain.Response, error)
}

// Async runs f on its own goroutine per request, in the shape the downloader
// expects.
func Async(f Fetcher) downloader.Transport {
	return func(ctx context.Context, req *domain.Request, spider *domain.Spider) *eventual.Future[*domain.Response] {
		return eventual.Go(ctx, func(ctx context.Context) (*domain.Response, error) {
			return f.Fetch(ctx, req, spider)
		})
	}
}

// HTTPOptions controls plain HTTP fetching.
type HTTPOptions struct {
	Timeout      time.Duration
	MaxBodyBytes int64
}

// HTTP fetches requests with net/http. Redirects and content decoding are
// left to the middlewares, so responses arrive exactly as the server sent
// them.
type HTTP struct {
	client       *http.Client
	timeout      time.Duration
	maxBodyBytes int64
}

type proxyKey struct{}

func NewHTTP(opts HTTPOptions) *HTTP {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 * 1024 * 1024
	}
	transport := &http.Transport{
		Proxy:                 proxyFromContext,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
	return &HTTP{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:      opts.Timeout,
		maxBodyBytes: opts.MaxBodyBytes,
	}
}

// Client exposes the underlying client for side fetches such as robots.txt.
func (h *HTTP) Client() *http.Client { return h.client }

func proxyFromContext(r *http.Request) (*url.URL, error) {
	raw, _ := r.Context().Value(proxyKey{}).(string)
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	return u, nil
}

func (h *HTTP) Fetch(ctx context.Context, req *domain.Request, _ *domain.Spider) (*domain.Response, error) {
	timeout := h.timeout
	if d, ok := metaTimeout(req.Meta()[domain.MetaDownloadTimeout]); ok {
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if p := req.MetaString(domain.MetaProxy); p != "" {
		ctx = context.WithValue(ctx, proxyKey{}, p)
	}

	var body io.Reader
	if b := req.Body(); len(b) > 0 {
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method(), req.URL(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header = req.Headers().HTTP()

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > h.maxBodyBytes {
		return nil, fmt.Errorf("%s: %w (%d bytes)", req.URL(), ErrBodyTooLarge, h.maxBodyBytes)
	}

	out := domain.NewResponse(resp.Request.URL.String())
	out.Status = resp.StatusCode
	out.Headers = domain.HeadersFromHTTP(resp.Header)
	out.Body = data
	out.Request = req
	return out, nil
}

// metaTimeout reads a download timeout given as a duration, a number of
// seconds or a duration string.
func metaTimeout(v any) (time.Duration, bool) {
	var d time.Duration
	switch t := v.(type) {
	case time.Duration:
		d = t
	case float64:
		d = time.Duration(t * float64(time.Second))
	case int:
		d = time.Duration(t) * time.Second
	case string:
		if parsed, err := time.ParseDuration(t); err == nil {
			d = parsed
		} else if secs, err := strconv.ParseFloat(t, 64); err == nil {
			d = time.Duration(secs * float64(time.Second))
		}
	}
	if d <= 0 {
		return 0, false
	}
	return d, true
}
