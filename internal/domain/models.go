package domain

import (
	"net/url"
	"strings"
	"time"
)

// Spider identifies the crawl a pipeline run belongs to.
type Spider struct {
	Name           string
	AllowedDomains []string
	// Parse is the default callback for responses whose request has none.
	Parse Callback
}

// Allowed reports whether u is within the spider's allowed domains. An empty
// list allows everything.
func (s *Spider) Allowed(u *url.URL) bool {
	if s == nil || len(s.AllowedDomains) == 0 {
		return true
	}
	if u == nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range s.AllowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Item is a free-form scraped record.
type Item map[string]any

// PageData holds the extracted information from a crawled page
type PageData struct {
	URL        string
	Title      string
	Content    string
	Headers    []string // e.g., H1, H2 tags
	MetaTags   map[string]string
	Images     []string
	Status     string // "completed", "failed"
	StatusCode int
	FailReason string
	CrawledAt  time.Time
}

// CrawlRequest is the payload for the API
type CrawlRequest struct {
	URLs       []string `json:"urls"`
	ForceCrawl bool     `json:"force_crawl"` // Bypass the dedup window
}

// CrawlStatusResponse is the API response for a URL status query
type CrawlStatusResponse struct {
	URL        string    `json:"url"`
	Status     string    `json:"status"`
	FailReason string    `json:"fail_reason,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
