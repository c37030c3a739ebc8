package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/eventual"
	"github.com/user/crawlchain/pkg/utils"
)

// FlagCached marks responses served from the HTTP cache.
const FlagCached = "cached"

// CacheStorage persists responses keyed by request. Retrieve returns
// ErrCacheMiss when it has no fresh entry.
type CacheStorage interface {
	Retrieve(ctx context.Context, spider *domain.Spider, req *domain.Request) (*domain.Response, error)
	Store(ctx context.Context, spider *domain.Spider, req *domain.Request, resp *domain.Response) error
}

// HTTPCache answers requests from storage and stores fresh 200 responses.
type HTTPCache struct {
	storage CacheStorage
	logger  *zap.Logger
}

func NewHTTPCache(storage CacheStorage, logger *zap.Logger) *HTTPCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPCache{storage: storage, logger: logger}
}

func (m *HTTPCache) Name() string { return "HTTPCache" }

func (m *HTTPCache) ProcessRequest(_ context.Context, req *domain.Request, spider *domain.Spider) (any, error) {
	if req.MetaBool(domain.MetaDontCache) {
		return nil, nil
	}
	return eventual.Routine(func(ctx context.Context) (any, error) {
		resp, err := m.storage.Retrieve(ctx, spider, req)
		if errors.Is(err, ErrCacheMiss) {
			return nil, nil
		}
		if err != nil {
			m.logger.Warn("http cache lookup failed", zap.String("url", req.URL()), zap.Error(err))
			return nil, nil
		}
		resp.Request = req
		if !resp.HasFlag(FlagCached) {
			resp.Flags = append(resp.Flags, FlagCached)
		}
		m.logger.Debug("http cache hit", zap.String("url", req.URL()))
		return resp, nil
	}), nil
}

func (m *HTTPCache) ProcessResponse(_ context.Context, req *domain.Request, resp *domain.Response, spider *domain.Spider) (any, error) {
	if req.MetaBool(domain.MetaDontCache) || resp.HasFlag(FlagCached) || resp.Status != 200 {
		return resp, nil
	}
	return eventual.Routine(func(ctx context.Context) (any, error) {
		if err := m.storage.Store(ctx, spider, req, resp); err != nil {
			m.logger.Warn("http cache store failed", zap.String("url", req.URL()), zap.Error(err))
		}
		return resp, nil
	}), nil
}

// MemoryCache is an in-process CacheStorage.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	stored time.Time
	resp   *domain.Response
}

// NewMemoryCache keeps entries for ttl; ttl <= 0 keeps them forever.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func cacheKey(spider *domain.Spider, req *domain.Request) string {
	name := ""
	if spider != nil {
		name = spider.Name
	}
	return name + ":" + utils.Fingerprint(req.Method(), req.URL(), req.Body())
}

func (c *MemoryCache) Retrieve(_ context.Context, spider *domain.Spider, req *domain.Request) (*domain.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(spider, req)
	e, ok := c.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	if c.ttl > 0 && c.now().Sub(e.stored) > c.ttl {
		delete(c.entries, key)
		return nil, ErrCacheMiss
	}
	return e.resp.Copy(), nil
}

func (c *MemoryCache) Store(_ context.Context, spider *domain.Spider, req *domain.Request, resp *domain.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(spider, req)] = memoryEntry{stored: c.now(), resp: resp.Copy()}
	return nil
}
