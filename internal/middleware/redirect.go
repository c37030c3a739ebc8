package middleware

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/user/crawlchain/internal/domain"
)

// redirectPriorityAdjust raises redirected requests above fresh ones.
const redirectPriorityAdjust = 2

var redirectStatuses = map[int]bool{301: true, 302: true, 303: true, 307: true, 308: true}

// redirectSchemes are the targets a server may send us to. Local schemes such
// as file: and data: are never followed.
var redirectSchemes = map[string]bool{"http": true, "https": true, "ftp": true, "s3": true}

// Redirect turns 3xx responses carrying a Location into new requests.
type Redirect struct {
	maxTimes int
	logger   *zap.Logger
}

func NewRedirect(maxTimes int, logger *zap.Logger) *Redirect {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redirect{maxTimes: maxTimes, logger: logger}
}

func (m *Redirect) Name() string { return "Redirect" }

func (m *Redirect) ProcessResponse(_ context.Context, req *domain.Request, resp *domain.Response, _ *domain.Spider) (any, error) {
	if req.MetaBool(domain.MetaDontRedirect) || !redirectStatuses[resp.Status] {
		return resp, nil
	}
	location := strings.TrimSpace(resp.Headers.GetString("Location"))
	if location == "" {
		return resp, nil
	}
	if strings.HasPrefix(location, "//") {
		if u := req.ParsedURL(); u != nil {
			location = u.Scheme + ":" + location
		}
	}
	target, err := joinRequestURL(req, location)
	if err != nil {
		return resp, nil
	}
	if !redirectSchemes[strings.ToLower(target.Scheme)] {
		return resp, nil
	}

	keepMethod := resp.Status == 301 || resp.Status == 307 || resp.Status == 308 || req.Method() == "HEAD"
	next, err := redirectRequest(req, target.String(), !keepMethod, m.maxTimes)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("Redirecting",
		zap.Int("status", resp.Status), zap.String("from", req.URL()), zap.String("to", next.URL()))
	return next, nil
}

// MetaRefresh follows <meta http-equiv="refresh"> in HTML responses whose
// delay is below maxDelay.
type MetaRefresh struct {
	maxDelay time.Duration
	maxTimes int
	logger   *zap.Logger
}

func NewMetaRefresh(maxDelay time.Duration, maxTimes int, logger *zap.Logger) *MetaRefresh {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetaRefresh{maxDelay: maxDelay, maxTimes: maxTimes, logger: logger}
}

func (m *MetaRefresh) Name() string { return "MetaRefresh" }

func (m *MetaRefresh) ProcessResponse(_ context.Context, req *domain.Request, resp *domain.Response, _ *domain.Spider) (any, error) {
	if req.MetaBool(domain.MetaDontRedirect) || req.Method() == "HEAD" {
		return resp, nil
	}
	if !strings.Contains(strings.ToLower(resp.Headers.GetString("Content-Type")), "html") {
		return resp, nil
	}
	delay, location, ok := metaRefresh(resp)
	if !ok || delay >= m.maxDelay {
		return resp, nil
	}
	target, err := joinRequestURL(req, location)
	if err != nil || !redirectSchemes[strings.ToLower(target.Scheme)] {
		return resp, nil
	}
	next, err := redirectRequest(req, target.String(), true, m.maxTimes)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("Meta refresh", zap.String("from", req.URL()), zap.String("to", next.URL()))
	return next, nil
}

func metaRefresh(resp *domain.Response) (time.Duration, string, bool) {
	text, err := resp.Text()
	if err != nil {
		return 0, "", false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return 0, "", false
	}
	var content string
	doc.Find("meta[http-equiv]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(strings.TrimSpace(s.AttrOr("http-equiv", "")), "refresh") {
			return true
		}
		if s.ParentsFiltered("noscript").Length() > 0 {
			return true
		}
		content = s.AttrOr("content", "")
		return false
	})
	return parseRefresh(content)
}

// parseRefresh reads `5; url=/next`.
func parseRefresh(content string) (time.Duration, string, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0, "", false
	}
	rawDelay, rest, _ := strings.Cut(content, ";")
	if i := strings.IndexByte(rawDelay, ','); i >= 0 {
		rawDelay, rest = rawDelay[:i], rawDelay[i+1:]+rest
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(rawDelay), 64)
	if err != nil || secs < 0 {
		return 0, "", false
	}
	rest = strings.TrimSpace(rest)
	if len(rest) >= 4 && strings.EqualFold(rest[:3], "url") {
		if after, ok := strings.CutPrefix(strings.TrimSpace(rest[3:]), "="); ok {
			rest = strings.TrimSpace(after)
		}
	}
	rest = strings.Trim(rest, `"'`)
	if rest == "" {
		return 0, "", false
	}
	return time.Duration(secs * float64(time.Second)), rest, true
}

func joinRequestURL(req *domain.Request, ref string) (*url.URL, error) {
	base := req.ParsedURL()
	if base == nil {
		return nil, fmt.Errorf("request url %q does not parse", req.URL())
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(rel), nil
}

// redirectRequest derives the follow-up request, tracking the hop count and
// visited URLs in meta.
func redirectRequest(req *domain.Request, target string, useGet bool, maxTimes int) (*domain.Request, error) {
	times := req.MetaInt(domain.MetaRedirectTimes) + 1
	if maxTimes > 0 && times > maxTimes {
		return nil, &IgnoreRequestError{URL: req.URL(), Reason: "max redirections reached"}
	}

	meta := maps.Clone(req.Meta())
	meta[domain.MetaRedirectTimes] = times
	urls, _ := meta[domain.MetaRedirectURLs].([]string)
	meta[domain.MetaRedirectURLs] = append(slices.Clone(urls), req.URL())

	headers := req.Headers().Clone()
	opts := []domain.RequestOption{
		domain.WithURL(target),
		domain.WithMeta(meta),
		domain.WithPriority(req.Priority() + redirectPriorityAdjust),
	}
	if useGet {
		headers.Del("Content-Type")
		headers.Del("Content-Length")
		opts = append(opts, domain.WithMethod("GET"), domain.WithBody(nil))
	}

	next, err := req.Replace(append(opts, domain.WithHeaders(headers))...)
	if err != nil {
		return nil, err
	}
	stripCrossOriginHeaders(req, next)
	return next, nil
}

func stripCrossOriginHeaders(from, to *domain.Request) {
	src, dst := from.ParsedURL(), to.ParsedURL()
	if src == nil || dst == nil {
		return
	}
	if !strings.EqualFold(src.Hostname(), dst.Hostname()) {
		to.Headers().Del("Cookie")
	}
	if !strings.EqualFold(src.Host, dst.Host) || !strings.EqualFold(src.Scheme, dst.Scheme) {
		to.Headers().Del("Authorization")
	}
}
