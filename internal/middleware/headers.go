package middleware

import (
	"context"
	"strings"

	"github.com/user/crawlchain/internal/domain"
)

// DefaultHeaders sets configured headers on requests that lack them.
type DefaultHeaders struct {
	headers *domain.Headers
}

// NewDefaultHeaders takes "Name: value" lines.
func NewDefaultHeaders(lines []string) *DefaultHeaders {
	h := domain.NewHeaders()
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		h.Add(strings.TrimSpace(name), []byte(strings.TrimSpace(value)))
	}
	return &DefaultHeaders{headers: h}
}

func (m *DefaultHeaders) Name() string { return "DefaultHeaders" }

func (m *DefaultHeaders) ProcessRequest(_ context.Context, req *domain.Request, _ *domain.Spider) (any, error) {
	for _, k := range m.headers.Keys() {
		if !req.Headers().Has(k) {
			req.Headers().Set(k, m.headers.Values(k)...)
		}
	}
	return nil, nil
}

// UserAgentSource hands out user agent strings.
type UserAgentSource interface {
	GetUserAgent() string
}

// UserAgent sets the User-Agent header when the request has none.
type UserAgent struct {
	agents UserAgentSource
}

func NewUserAgent(agents UserAgentSource) *UserAgent {
	return &UserAgent{agents: agents}
}

func (m *UserAgent) Name() string { return "UserAgent" }

func (m *UserAgent) ProcessRequest(_ context.Context, req *domain.Request, _ *domain.Spider) (any, error) {
	if ua := m.agents.GetUserAgent(); ua != "" {
		req.Headers().SetDefault("User-Agent", []byte(ua))
	}
	return nil, nil
}

// ProxySource hands out proxy URLs; "" means no proxy.
type ProxySource interface {
	GetProxy() string
}

// Proxy assigns a rotating proxy through request meta. A request that already
// carries the proxy key, even an empty one, is left alone.
type Proxy struct {
	proxies ProxySource
}

func NewProxy(proxies ProxySource) *Proxy {
	return &Proxy{proxies: proxies}
}

func (m *Proxy) Name() string { return "Proxy" }

func (m *Proxy) ProcessRequest(_ context.Context, req *domain.Request, _ *domain.Spider) (any, error) {
	if _, set := req.Meta()[domain.MetaProxy]; set {
		return nil, nil
	}
	if p := m.proxies.GetProxy(); p != "" {
		req.Meta()[domain.MetaProxy] = p
	}
	return nil, nil
}
