package middleware

import (
	"context"
	"time"

	"github.com/user/crawlchain/internal/domain"
)

// DownloadTimeout fills in the per-request download timeout.
type DownloadTimeout struct {
	timeout time.Duration
}

func NewDownloadTimeout(d time.Duration) *DownloadTimeout {
	return &DownloadTimeout{timeout: d}
}

func (m *DownloadTimeout) Name() string { return "DownloadTimeout" }

func (m *DownloadTimeout) ProcessRequest(_ context.Context, req *domain.Request, _ *domain.Spider) (any, error) {
	if m.timeout <= 0 {
		return nil, nil
	}
	if _, set := req.Meta()[domain.MetaDownloadTimeout]; !set {
		req.Meta()[domain.MetaDownloadTimeout] = m.timeout
	}
	return nil, nil
}
