// Package crawler drives requests through the downloader with a pool of
// workers and routes the results to callbacks, the item pipeline and storage.
package crawler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/downloader"
	"github.com/user/crawlchain/internal/eventual"
	"github.com/user/crawlchain/internal/item"
	"github.com/user/crawlchain/internal/middleware"
	"github.com/user/crawlchain/internal/monitoring"
	"github.com/user/crawlchain/pkg/utils"
)

// ErrStopped is returned when submitting to a stopped crawler.
var ErrStopped = errors.New("crawler stopped")

// Downloader runs a request through the middleware chain.
type Downloader interface {
	Download(ctx context.Context, fetch downloader.Transport, req *domain.Request, spider *domain.Spider) *eventual.Future[downloader.Result]
}

// ItemProcessor receives scraped items.
type ItemProcessor interface {
	Process(ctx context.Context, it domain.Item, spider *domain.Spider) (domain.Item, error)
}

// CrawlTracker remembers recently crawled URLs.
type CrawlTracker interface {
	IsRecentlyCrawled(ctx context.Context, url string) (bool, error)
	MarkAsCrawled(ctx context.Context, url string, ttl time.Duration) error
}

// StatusStore records per-URL crawl status and extracted page data.
type StatusStore interface {
	SaveData(ctx context.Context, data *domain.PageData) error
}

// Options tunes the worker pool.
type Options struct {
	Workers  int
	Timeout  time.Duration
	DedupTTL time.Duration
	// MaxDepth bounds link following; 0 follows no links.
	MaxDepth int
}

// Deps are the crawler's collaborators. Tracker, Status and Items may be nil.
type Deps struct {
	Downloader Downloader
	Transport  downloader.Transport
	Items      ItemProcessor
	Tracker    CrawlTracker
	Status     StatusStore
	Metrics    *monitoring.Metrics
	Logger     *zap.Logger
}

// Crawler manages the worker pool and crawling tasks.
type Crawler struct {
	opts   Options
	deps   Deps
	spider *domain.Spider
	logger *zap.Logger

	taskQueue chan *domain.Request
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	inflight  sync.WaitGroup
	// sendMu is held shared by every queue sender and exclusively by Stop
	// while it drains, so nothing lands in the queue after the drain.
	sendMu sync.RWMutex

	// queued holds fingerprints of discovered requests waiting or running.
	mu     sync.Mutex
	queued map[string]struct{}
}

func NewCrawler(spider *domain.Spider, opts Options, deps Deps) *Crawler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		opts:      opts,
		deps:      deps,
		spider:    spider,
		logger:    logger.With(zap.String("spider", spider.Name)),
		taskQueue: make(chan *domain.Request, opts.Workers*2),
		stopChan:  make(chan struct{}),
		queued:    make(map[string]struct{}),
	}
}

func (c *Crawler) Start() {
	for i := 0; i < c.opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
}

// Stop ends the workers once their current task finishes. Queued tasks are
// discarded.
func (c *Crawler) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.wg.Wait()
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		for {
			select {
			case <-c.taskQueue:
				c.inflight.Done()
			default:
				return
			}
		}
	})
}

// Wait blocks until every submitted request and its follow-ups are handled,
// or the crawler is stopped.
func (c *Crawler) Wait() {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-c.stopChan:
	}
}

// Submit queues req, blocking while the queue is full.
func (c *Crawler) Submit(ctx context.Context, req *domain.Request) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.stopped() {
		return ErrStopped
	}
	c.inflight.Add(1)
	select {
	case c.taskQueue <- req:
		return nil
	case <-c.stopChan:
		c.inflight.Done()
		return ErrStopped
	case <-ctx.Done():
		c.inflight.Done()
		return ctx.Err()
	}
}

// SubmitURL queues a start URL. force bypasses the recently-crawled check.
func (c *Crawler) SubmitURL(ctx context.Context, rawURL string, force bool) error {
	req, err := domain.NewRequest(rawURL,
		domain.WithMeta(map[string]any{domain.MetaDepth: 0, domain.MetaForceCrawl: force}),
		domain.WithDontFilter(force))
	if err != nil {
		return err
	}
	return c.Submit(ctx, req)
}

// enqueue is Submit for workers: it never blocks, so a full queue cannot
// stall the pool.
func (c *Crawler) enqueue(req *domain.Request) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.stopped() {
		return
	}
	c.inflight.Add(1)
	select {
	case c.taskQueue <- req:
		return
	default:
	}
	go func() {
		c.sendMu.RLock()
		defer c.sendMu.RUnlock()
		if c.stopped() {
			c.inflight.Done()
			return
		}
		select {
		case c.taskQueue <- req:
		case <-c.stopChan:
			c.inflight.Done()
		}
	}()
}

func (c *Crawler) stopped() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

func (c *Crawler) worker() {
	defer c.wg.Done()
	for !c.stopped() {
		select {
		case req := <-c.taskQueue:
			c.processURL(req)
			c.release(req)
			c.inflight.Done()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Crawler) processURL(req *domain.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	url := req.URL()

	if !req.MetaBool(domain.MetaForceCrawl) && c.deps.Tracker != nil {
		isCrawled, err := c.deps.Tracker.IsRecentlyCrawled(ctx, url)
		if err != nil {
			c.logger.Error("failed to check redis for crawled status", zap.String("url", url), zap.Error(err))
		}
		if isCrawled {
			c.logger.Info("skipping recently crawled URL", zap.String("url", url))
			return
		}
	}

	c.saveStatus(ctx, &domain.PageData{URL: url, Status: "processing"})

	start := time.Now()
	res, err := c.deps.Downloader.Download(ctx, c.deps.Transport, req, c.spider).Await(ctx)
	if m := c.deps.Metrics; m != nil {
		m.IncCrawledTotal()
		m.ObserveCrawl(req.Host(), time.Since(start))
	}

	switch {
	case err != nil:
		c.result("error")
		c.handleFailure(ctx, req, err)
	case res.Request != nil:
		c.result("request")
		c.logger.Debug("download produced a new request", zap.String("url", url), zap.String("next", res.Request.URL()))
		c.saveStatus(ctx, &domain.PageData{URL: url, Status: "redirected", CrawledAt: time.Now()})
		c.schedule(req, res.Request, false)
	default:
		c.result("response")
		c.handleResponse(ctx, req, res.Response)
	}
}

func (c *Crawler) handleResponse(ctx context.Context, req *domain.Request, resp *domain.Response) {
	cb := req.Callback()
	if cb == nil {
		cb = c.spider.Parse
	}

	if cb != nil {
		outputs, err := cb(ctx, resp)
		if err != nil {
			c.handleFailure(ctx, req, err)
			return
		}
		c.handleOutputs(ctx, req, outputs)
		c.saveStatus(ctx, &domain.PageData{URL: req.URL(), Status: "completed", StatusCode: resp.Status, CrawledAt: time.Now()})
		c.markCrawled(ctx, req.URL())
		return
	}

	pageData, links, err := ExtractPageData(resp)
	if err != nil {
		c.handleFailure(ctx, req, err)
		return
	}
	pageData.URL = req.URL()
	pageData.CrawledAt = time.Now()
	if c.deps.Status != nil {
		if err := c.deps.Status.SaveData(ctx, pageData); err != nil {
			c.logger.Error("error saving data", zap.String("url", req.URL()), zap.Error(err))
			c.countError("db_save_failed")
		} else {
			c.logger.Info("successfully crawled and saved", zap.String("url", req.URL()))
			c.markCrawled(ctx, req.URL())
		}
	}

	c.processItem(ctx, pageItem(pageData))
	for _, link := range links {
		next, err := domain.NewRequest(link)
		if err != nil {
			continue
		}
		c.schedule(req, next, true)
	}
}

// handleOutputs routes callback results: requests are scheduled, items go to
// the item pipeline.
func (c *Crawler) handleOutputs(ctx context.Context, parent *domain.Request, outputs []any) {
	for _, out := range outputs {
		switch v := out.(type) {
		case *domain.Request:
			c.schedule(parent, v, true)
		case domain.Item:
			c.processItem(ctx, v)
		case map[string]any:
			c.processItem(ctx, domain.Item(v))
		case nil:
		default:
			c.logger.Warn("ignoring unsupported callback output", zap.String("url", parent.URL()), zap.Any("output", out))
		}
	}
}

func (c *Crawler) processItem(ctx context.Context, it domain.Item) {
	if c.deps.Items == nil {
		return
	}
	if _, err := c.deps.Items.Process(ctx, it, c.spider); err != nil && !errors.Is(err, item.ErrDropItem) {
		c.countError("item_failed")
	}
}

// schedule queues a follow-up of parent. Discovered links go one level
// deeper; requests produced by the middlewares keep the parent's depth.
func (c *Crawler) schedule(parent, next *domain.Request, deeper bool) {
	depth := parent.MetaInt(domain.MetaDepth)
	if deeper {
		depth++
		if depth > c.opts.MaxDepth {
			c.logger.Debug("ignoring link beyond max depth", zap.String("url", next.URL()), zap.Int("depth", depth))
			return
		}
	}
	if !c.spider.Allowed(next.ParsedURL()) {
		c.logger.Debug("filtered offsite request", zap.String("url", next.URL()))
		return
	}
	next.Meta()[domain.MetaDepth] = depth

	if !next.DontFilter() {
		fp := fingerprint(next)
		c.mu.Lock()
		_, dup := c.queued[fp]
		if !dup {
			c.queued[fp] = struct{}{}
		}
		c.mu.Unlock()
		if dup {
			c.logger.Debug("filtered duplicate request", zap.String("url", next.URL()))
			return
		}
	}
	c.enqueue(next)
}

func (c *Crawler) release(req *domain.Request) {
	c.mu.Lock()
	delete(c.queued, fingerprint(req))
	c.mu.Unlock()
}

func fingerprint(req *domain.Request) string {
	return utils.Fingerprint(req.Method(), req.URL(), req.Body())
}

func (c *Crawler) handleFailure(ctx context.Context, req *domain.Request, crawlErr error) {
	url := req.URL()
	status := "failed"
	if errors.Is(crawlErr, middleware.ErrIgnoreRequest) {
		status = "ignored"
		c.logger.Info("request ignored", zap.String("url", url), zap.Error(crawlErr))
		c.countError("ignored")
	} else {
		c.logger.Warn("failed to crawl", zap.String("url", url), zap.Error(crawlErr))
		c.countError("crawl_failed")
	}

	if eb := req.Errback(); eb != nil {
		outputs, err := eb(ctx, req, crawlErr)
		if err != nil {
			c.logger.Error("errback failed", zap.String("url", url), zap.Error(err))
		} else {
			c.handleOutputs(ctx, req, outputs)
		}
	}

	c.saveStatus(ctx, &domain.PageData{
		URL:        url,
		Status:     status,
		FailReason: crawlErr.Error(),
		CrawledAt:  time.Now(),
	})
}

func (c *Crawler) saveStatus(ctx context.Context, data *domain.PageData) {
	if c.deps.Status == nil {
		return
	}
	if err := c.deps.Status.SaveData(ctx, data); err != nil {
		c.logger.Error("failed to save crawl status", zap.String("url", data.URL), zap.String("status", data.Status), zap.Error(err))
	}
}

func (c *Crawler) markCrawled(ctx context.Context, url string) {
	if c.deps.Tracker == nil || c.opts.DedupTTL <= 0 {
		return
	}
	if err := c.deps.Tracker.MarkAsCrawled(ctx, url, c.opts.DedupTTL); err != nil {
		c.logger.Error("failed to mark URL as crawled", zap.String("url", url), zap.Error(err))
	}
}

func (c *Crawler) result(kind string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.IncResult(kind)
	}
}

func (c *Crawler) countError(kind string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.IncErrorsTotal(kind)
	}
}

// pageItem is the item emitted for a page handled by the default extractor.
func pageItem(p *domain.PageData) domain.Item {
	return domain.Item{
		"url":         p.URL,
		"title":       p.Title,
		"status_code": p.StatusCode,
		"headers":     p.Headers,
		"meta":        p.MetaTags,
		"images":      p.Images,
		"content":     p.Content,
	}
}
