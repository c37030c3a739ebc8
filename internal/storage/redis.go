package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/middleware"
	"github.com/user/crawlchain/pkg/utils"
)

// RedisStore handles the recently-crawled marks and the HTTP cache.
type RedisStore struct {
	client   *redis.Client
	cacheTTL time.Duration
}

// NewRedisStore connects lazily to addr. Cached responses expire after
// cacheTTL; 0 keeps them until evicted.
func NewRedisStore(addr string, cacheTTL time.Duration) *RedisStore {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisStore{client: rdb, cacheTTL: cacheTTL}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func crawledKey(url string) string {
	return "crawled:" + utils.HashURL(url)
}

// MarkAsCrawled sets a key with a TTL to prevent re-crawling.
func (s *RedisStore) MarkAsCrawled(ctx context.Context, url string, ttl time.Duration) error {
	return s.client.Set(ctx, crawledKey(url), "1", ttl).Err()
}

// IsRecentlyCrawled checks if a URL has been crawled within the TTL.
func (s *RedisStore) IsRecentlyCrawled(ctx context.Context, url string) (bool, error) {
	val, err := s.client.Exists(ctx, crawledKey(url)).Result()
	if err != nil {
		return false, err
	}
	return val == 1, nil
}

// cachedResponse is the msgpack form of a stored response.
type cachedResponse struct {
	URL     string              `msgpack:"url"`
	Status  int                 `msgpack:"status"`
	Headers map[string][]string `msgpack:"headers"`
	Body    []byte              `msgpack:"body"`
	Flags   []string            `msgpack:"flags,omitempty"`
}

func cacheKey(spider *domain.Spider, req *domain.Request) string {
	name := ""
	if spider != nil {
		name = spider.Name
	}
	return fmt.Sprintf("httpcache:%s:%s", name, utils.Fingerprint(req.Method(), req.URL(), req.Body()))
}

func encodeResponse(resp *domain.Response) ([]byte, error) {
	return msgpack.Marshal(cachedResponse{
		URL:     resp.URL,
		Status:  resp.Status,
		Headers: resp.Headers.HTTP(),
		Body:    resp.Body,
		Flags:   resp.Flags,
	})
}

func decodeResponse(data []byte) (*domain.Response, error) {
	var c cachedResponse
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	resp := domain.NewResponse(c.URL)
	resp.Status = c.Status
	resp.Headers = domain.HeadersFromHTTP(c.Headers)
	resp.Body = c.Body
	resp.Flags = c.Flags
	return resp, nil
}

// Retrieve implements middleware.CacheStorage.
func (s *RedisStore) Retrieve(ctx context.Context, spider *domain.Spider, req *domain.Request) (*domain.Response, error) {
	data, err := s.client.Get(ctx, cacheKey(spider, req)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, middleware.ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return decodeResponse(data)
}

// Store implements middleware.CacheStorage.
func (s *RedisStore) Store(ctx context.Context, spider *domain.Spider, req *domain.Request, resp *domain.Response) error {
	data, err := encodeResponse(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return s.client.Set(ctx, cacheKey(spider, req), data, s.cacheTTL).Err()
}
