package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/eventual"
)

// Robots drops requests that robots.txt disallows. Rules are fetched once per
// host and cached for a TTL; fetch failures allow the request.
type Robots struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	logger    *zap.Logger

	mu    sync.RWMutex
	cache map[string]robotsEntry
}

type robotsEntry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData
}

// NewRobots builds the middleware. userAgent selects the robots.txt group.
func NewRobots(client *http.Client, userAgent string, ttl time.Duration, logger *zap.Logger) *Robots {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Robots{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		logger:    logger,
		cache:     make(map[string]robotsEntry),
	}
}

func (m *Robots) Name() string { return "Robots" }

// ProcessRequest answers with a routine, since the rules may need a fetch.
func (m *Robots) ProcessRequest(_ context.Context, req *domain.Request, _ *domain.Spider) (any, error) {
	target := req.ParsedURL()
	if req.MetaBool(domain.MetaDontObeyRobotsTxt) || target == nil || !target.IsAbs() {
		return nil, nil
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, nil
	}
	return eventual.Routine(func(ctx context.Context) (any, error) {
		if m.allowed(ctx, target) {
			return nil, nil
		}
		m.logger.Debug("Forbidden by robots.txt", zap.String("url", req.URL()))
		return nil, &IgnoreRequestError{URL: req.URL(), Reason: "forbidden by robots.txt"}
	}), nil
}

func (m *Robots) allowed(ctx context.Context, target *url.URL) bool {
	rules, err := m.rules(ctx, target)
	if err != nil {
		m.logger.Warn("robots.txt unavailable, allowing request",
			zap.String("host", target.Host), zap.Error(err))
		return true
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	return rules.TestAgent(path, m.userAgent)
}

func (m *Robots) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)

	m.mu.RLock()
	entry, ok := m.cache[host]
	m.mu.RUnlock()
	if ok && time.Since(entry.fetched) < m.ttl {
		return entry.rules, nil
	}

	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if m.userAgent != "" {
		req.Header.Set("User-Agent", m.userAgent)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	// FromResponse maps 4xx to allow-all and 5xx to disallow-all.
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	m.mu.Lock()
	m.cache[host] = robotsEntry{fetched: time.Now(), rules: data}
	m.mu.Unlock()
	return data, nil
}

// Purge evicts cached rules for a host.
func (m *Robots) Purge(host string) {
	m.mu.Lock()
	delete(m.cache, strings.ToLower(strings.TrimSpace(host)))
	m.mu.Unlock()
}
