package crawler

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/pkg/utils"
)

// ExtractPageData parses an HTML response into page data and the absolute
// http(s) links it contains, in document order without duplicates.
func ExtractPageData(resp *domain.Response) (*domain.PageData, []string, error) {
	text, err := resp.Text()
	if err != nil {
		return nil, nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, nil, err
	}

	data := &domain.PageData{
		URL:        resp.URL,
		Title:      strings.TrimSpace(doc.Find("title").First().Text()),
		MetaTags:   make(map[string]string),
		Images:     []string{},
		Headers:    []string{},
		Status:     "completed",
		StatusCode: resp.Status,
	}

	doc.Find("meta").Each(func(i int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		property, _ := s.Attr("property")
		content, _ := s.Attr("content")
		key := name
		if property != "" {
			key = property
		}
		if key != "" && content != "" {
			data.MetaTags[key] = content
		}
	})

	doc.Find("h1, h2, h3").Each(func(i int, s *goquery.Selection) {
		data.Headers = append(data.Headers, strings.TrimSpace(s.Text()))
	})

	base := resp.URL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if joined, err := resp.URLJoin(strings.TrimSpace(href)); err == nil {
			base = joined
		}
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, nil, err
	}

	doc.Find("img").Each(func(i int, s *goquery.Selection) {
		src, exists := s.Attr("src")
		if !exists || src == "" {
			return
		}
		if abs, err := utils.ToAbsoluteURL(baseURL, src); err == nil {
			src = abs
		}
		data.Images = append(data.Images, src)
	})

	var links []string
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		if strings.Contains(strings.ToLower(s.AttrOr("rel", "")), "nofollow") {
			return
		}
		abs, err := utils.ToAbsoluteURL(baseURL, s.AttrOr("href", ""))
		if err != nil || !(strings.HasPrefix(abs, "http://") || strings.HasPrefix(abs, "https://")) {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})

	// Extract clean body text content
	doc.Find("script, style, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})
	data.Content = strings.Join(strings.Fields(doc.Find("body").Text()), " ")

	return data, links, nil
}
