package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/eventual"
)

// Throttle limits the request rate per host with a token bucket. The request
// hook suspends until a token is available.
type Throttle struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle allows perSecond requests per host. perSecond <= 0 disables it.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *Throttle) Name() string { return "Throttle" }

func (m *Throttle) ProcessRequest(_ context.Context, req *domain.Request, _ *domain.Spider) (any, error) {
	if m.limit <= 0 || req.Host() == "" {
		return nil, nil
	}
	limiter := m.limiter(req.Host())
	if limiter.Allow() {
		return nil, nil
	}
	return eventual.Routine(func(ctx context.Context) (any, error) {
		return nil, limiter.Wait(ctx)
	}), nil
}

func (m *Throttle) limiter(host string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[host]
	if !ok {
		l = rate.NewLimiter(m.limit, m.burst)
		m.limiters[host] = l
	}
	return l
}
