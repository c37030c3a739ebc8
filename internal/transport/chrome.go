package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/user/crawlchain/internal/domain"
)

// FlagRendered marks responses produced by a headless browser.
const FlagRendered = "rendered"

var errRenderMethod = errors.New("only GET requests can be rendered")

// ChromeOptions configures the rendering transport.
type ChromeOptions struct {
	Sessions     int
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
	// WaitSelector, when set, is awaited before the DOM is captured;
	// otherwise the page gets CaptureDelay to settle.
	WaitSelector string
	CaptureDelay time.Duration
}

// Chrome renders pages with headless Chrome. Allocators are started up front
// and handed out one per fetch, which also bounds concurrent sessions.
type Chrome struct {
	opts   ChromeOptions
	logger *zap.Logger

	allocators chan context.Context
	cancels    []context.CancelFunc
	closeOnce  sync.Once
}

func NewChrome(opts ChromeOptions, logger *zap.Logger) *Chrome {
	if opts.Sessions <= 0 {
		opts.Sessions = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 * 1024 * 1024
	}
	if opts.CaptureDelay <= 0 {
		opts.CaptureDelay = 1500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.UserAgent != "" {
		execOpts = append(execOpts, chromedp.UserAgent(opts.UserAgent))
	}

	c := &Chrome{opts: opts, logger: logger, allocators: make(chan context.Context, opts.Sessions)}
	for range opts.Sessions {
		allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), execOpts...)
		c.allocators <- allocCtx
		c.cancels = append(c.cancels, cancel)
	}
	return c
}

// Close shuts every browser down.
func (c *Chrome) Close() {
	c.closeOnce.Do(func() {
		for _, cancel := range c.cancels {
			cancel()
		}
	})
}

type documentResponse struct {
	url     string
	status  int
	headers network.Headers
}

func (c *Chrome) Fetch(ctx context.Context, req *domain.Request, _ *domain.Spider) (*domain.Response, error) {
	if req.Method() != "GET" {
		return nil, errRenderMethod
	}

	var allocCtx context.Context
	select {
	case allocCtx = <-c.allocators:
		defer func() { c.allocators <- allocCtx }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, c.opts.Timeout)
	defer cancelTimeout()
	// The tab outlives neither the caller's context nor its own timeout.
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var (
		mu   sync.Mutex
		docs []documentResponse
	)
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument && e.Response != nil {
			mu.Lock()
			docs = append(docs, documentResponse{url: e.Response.URL, status: int(e.Response.Status), headers: e.Response.Headers})
			mu.Unlock()
		}
	})

	var html, location string
	actions := []chromedp.Action{
		network.Enable(),
		network.SetExtraHTTPHeaders(extraHeaders(req.Headers())),
		chromedp.Navigate(req.URL()),
	}
	if sel := strings.TrimSpace(c.opts.WaitSelector); sel != "" {
		actions = append(actions, chromedp.WaitReady(sel, chromedp.ByQuery))
	} else {
		actions = append(actions, chromedp.Sleep(c.opts.CaptureDelay))
	}
	actions = append(actions,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&location),
	)

	start := time.Now()
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	if int64(len(html)) > c.opts.MaxBodyBytes {
		return nil, fmt.Errorf("%s: %w (%d bytes)", req.URL(), ErrBodyTooLarge, c.opts.MaxBodyBytes)
	}

	mu.Lock()
	doc, found := mainDocument(docs, location)
	mu.Unlock()

	if location == "" {
		location = req.URL()
	}
	resp := domain.NewResponse(location)
	if found {
		resp.Status = doc.status
		resp.Headers = headersFromCDP(doc.headers)
	}
	// The captured DOM is already decoded text.
	resp.Headers.Del("Content-Encoding")
	resp.Headers.Del("Content-Length")
	resp.Headers.SetString("Content-Type", "text/html; charset=utf-8")
	resp.Body = []byte(html)
	resp.Flags = append(resp.Flags, FlagRendered)
	resp.Request = req

	c.logger.Debug("Rendered page",
		zap.String("url", req.URL()), zap.String("final_url", location),
		zap.Int("status", resp.Status), zap.Duration("latency", time.Since(start)))
	return resp, nil
}

// mainDocument picks the document response for the page's final location,
// falling back to the first document seen.
func mainDocument(docs []documentResponse, location string) (documentResponse, bool) {
	for _, d := range docs {
		if d.url == location {
			return d, true
		}
	}
	if len(docs) > 0 {
		return docs[0], true
	}
	return documentResponse{}, false
}

// headersFromCDP converts devtools headers, where repeated values are joined
// by newlines.
func headersFromCDP(h network.Headers) *domain.Headers {
	out := domain.NewHeaders()
	for k, v := range h {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		for _, line := range strings.Split(s, "\n") {
			out.Add(k, []byte(line))
		}
	}
	return out
}

// extraHeaders are the request headers handed to the browser. Chrome owns
// the transfer-level ones.
func extraHeaders(h *domain.Headers) network.Headers {
	out := network.Headers{}
	for _, k := range h.Keys() {
		switch strings.ToLower(k) {
		case "accept-encoding", "content-length", "host", "connection":
			continue
		}
		out[k] = h.GetString(k)
	}
	return out
}
