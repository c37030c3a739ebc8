package domain

// Request meta keys understood by the built-in middlewares, the transports
// and the crawler.
const (
	MetaProxy             = "proxy"
	MetaDownloadTimeout   = "download_timeout"
	MetaDontCache         = "dont_cache"
	MetaDontRedirect      = "dont_redirect"
	MetaDontObeyRobotsTxt = "dont_obey_robotstxt"
	MetaRedirectTimes     = "redirect_times"
	MetaRedirectURLs      = "redirect_urls"
	MetaRender            = "render"
	MetaDepth             = "depth"
	MetaForceCrawl        = "force_crawl"
)
