package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/user/crawlchain/internal/domain"
)

// Composite chooses between plain HTTP and a renderer per request.
type Composite struct {
	http     Fetcher
	renderer Fetcher
	logger   *zap.Logger
}

// NewComposite builds a composite fetcher. renderer may be nil.
func NewComposite(http, renderer Fetcher, logger *zap.Logger) *Composite {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composite{http: http, renderer: renderer, logger: logger}
}

// Fetch renders requests flagged with the render meta key and falls back to
// HTTP when rendering fails.
func (c *Composite) Fetch(ctx context.Context, req *domain.Request, spider *domain.Spider) (*domain.Response, error) {
	if c.renderer != nil && req.MetaBool(domain.MetaRender) {
		resp, err := c.renderer.Fetch(ctx, req, spider)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("renderer failed, falling back to HTTP fetch",
			zap.String("url", req.URL()), zap.Error(err))
	}
	return c.http.Fetch(ctx, req, spider)
}
