package middleware

import (
	"time"

	"go.uber.org/zap"

	"github.com/user/crawlchain/internal/downloader"
	"github.com/user/crawlchain/internal/monitoring"
)

// Options selects and configures the default middleware set. Nil sources
// leave their middleware out.
type Options struct {
	DefaultHeaders   []string
	Agents           UserAgentSource
	Proxies          ProxySource
	Robots           *Robots
	DownloadTimeout  time.Duration
	ThrottleRate     float64
	ThrottleBurst    int
	Cache            CacheStorage
	RedirectMaxTimes int
	MetaRefreshMax   time.Duration
	MaxBodySize      int64
	Metrics          *monitoring.Metrics
	Logger           *zap.Logger
}

// Defaults returns the built-in registrations. Request hooks run from low to
// high priority, response hooks from high to low.
func Defaults(opts Options) []downloader.Registration {
	regs := []downloader.Registration{
		{Priority: 350, Middleware: NewDownloadTimeout(opts.DownloadTimeout)},
		{Priority: 400, Middleware: NewDefaultHeaders(opts.DefaultHeaders)},
		{Priority: 580, Middleware: NewMetaRefresh(opts.MetaRefreshMax, opts.RedirectMaxTimes, opts.Logger)},
		{Priority: 590, Middleware: NewCompression(opts.MaxBodySize)},
		{Priority: 600, Middleware: NewRedirect(opts.RedirectMaxTimes, opts.Logger)},
	}
	if opts.Robots != nil {
		regs = append(regs, downloader.Registration{Priority: 100, Middleware: opts.Robots})
	}
	if opts.Agents != nil {
		regs = append(regs, downloader.Registration{Priority: 500, Middleware: NewUserAgent(opts.Agents)})
	}
	if opts.Proxies != nil {
		regs = append(regs, downloader.Registration{Priority: 750, Middleware: NewProxy(opts.Proxies)})
	}
	if opts.Metrics != nil {
		regs = append(regs, downloader.Registration{Priority: 850, Middleware: NewStats(opts.Metrics)})
	}
	if opts.Cache != nil {
		regs = append(regs, downloader.Registration{Priority: 900, Middleware: NewHTTPCache(opts.Cache, opts.Logger)})
	}
	if opts.ThrottleRate > 0 {
		regs = append(regs, downloader.Registration{Priority: 950, Middleware: NewThrottle(opts.ThrottleRate, opts.ThrottleBurst)})
	}
	return regs
}
