package middleware

import (
	"context"
	"fmt"

	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/monitoring"
)

// Stats counts requests, responses and faults passing the chain.
type Stats struct {
	metrics *monitoring.Metrics
}

func NewStats(m *monitoring.Metrics) *Stats {
	return &Stats{metrics: m}
}

func (m *Stats) Name() string { return "Stats" }

func (m *Stats) ProcessRequest(_ context.Context, req *domain.Request, _ *domain.Spider) (any, error) {
	m.metrics.IncRequest(req.Method())
	return nil, nil
}

func (m *Stats) ProcessResponse(_ context.Context, _ *domain.Request, resp *domain.Response, _ *domain.Spider) (any, error) {
	m.metrics.IncResponse(resp.Status)
	return resp, nil
}

func (m *Stats) ProcessException(_ context.Context, _ *domain.Request, err error, _ *domain.Spider) (any, error) {
	m.metrics.IncException(fmt.Sprintf("%T", err))
	return nil, nil
}
