package domain

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
)

// Callback handles a downloaded response. It returns follow-up requests and
// scraped items.
type Callback func(ctx context.Context, resp *Response) ([]any, error)

// Errback handles a request whose download failed.
type Errback func(ctx context.Context, req *Request, err error) ([]any, error)

// Request is an outbound fetch. URL, method and body are fixed at
// construction; use Replace to derive a changed request. Headers, Meta and
// flags belong to this instance only and may be mutated freely.
//
// Requests compare by identity: two requests built from the same values are
// still distinct, so *Request works as a dedup map key.
type Request struct {
	url        string
	parsed     *url.URL
	method     string
	body       []byte
	headers    *Headers
	meta       map[string]any
	flags      []string
	callback   Callback
	errback    Errback
	encoding   string
	dontFilter bool
	priority   int
}

// RequestOption customises a request under construction.
type RequestOption func(*requestSpec)

type requestSpec struct {
	url        string
	method     string
	methodSet  bool
	body       []byte
	text       *string
	bodySet    bool
	headers    *Headers
	meta       map[string]any
	flags      []string
	callback   Callback
	errback    Errback
	encoding   string
	dontFilter bool
	priority   int
}

// WithURL overrides the URL; mostly useful with Replace.
func WithURL(u string) RequestOption {
	return func(s *requestSpec) { s.url = u }
}

// WithMethod sets the HTTP method.
func WithMethod(m string) RequestOption {
	return func(s *requestSpec) {
		s.method = m
		s.methodSet = true
	}
}

// WithBody sets a raw body.
func WithBody(b []byte) RequestOption {
	return func(s *requestSpec) {
		s.body = bytes.Clone(b)
		s.text = nil
		s.bodySet = true
	}
}

// WithTextBody sets a body that is encoded with the request encoding.
func WithTextBody(text string) RequestOption {
	return func(s *requestSpec) {
		s.text = &text
		s.body = nil
		s.bodySet = true
	}
}

// WithHeaders sets the headers. The request keeps its own copy.
func WithHeaders(h *Headers) RequestOption {
	return func(s *requestSpec) { s.headers = h }
}

// WithHeader sets a single header value.
func WithHeader(key, value string) RequestOption {
	return func(s *requestSpec) {
		if s.headers == nil {
			s.headers = NewHeaders()
		} else {
			s.headers = s.headers.Clone()
		}
		s.headers.SetString(key, value)
	}
}

// WithMeta sets the metadata map. The request keeps its own copy.
func WithMeta(m map[string]any) RequestOption {
	return func(s *requestSpec) { s.meta = m }
}

// WithFlags sets the flags.
func WithFlags(flags ...string) RequestOption {
	return func(s *requestSpec) { s.flags = flags }
}

// WithCallback sets the response callback.
func WithCallback(cb Callback) RequestOption {
	return func(s *requestSpec) { s.callback = cb }
}

// WithErrback sets the failure callback.
func WithErrback(eb Errback) RequestOption {
	return func(s *requestSpec) { s.errback = eb }
}

// WithEncoding sets the text encoding used for the query string and text
// bodies. Defaults to utf-8.
func WithEncoding(enc string) RequestOption {
	return func(s *requestSpec) { s.encoding = enc }
}

// WithDontFilter marks the request as exempt from duplicate filtering.
func WithDontFilter(v bool) RequestOption {
	return func(s *requestSpec) { s.dontFilter = v }
}

// WithPriority sets the scheduling priority.
func WithPriority(p int) RequestOption {
	return func(s *requestSpec) { s.priority = p }
}

// NewRequest builds a request for rawURL. The URL must carry a scheme.
func NewRequest(rawURL string, opts ...RequestOption) (*Request, error) {
	spec := &requestSpec{url: rawURL, method: "GET", encoding: defaultEncoding}
	for _, opt := range opts {
		opt(spec)
	}
	return spec.build()
}

// MustRequest is NewRequest that panics on error. Intended for tests and
// static seeds.
func MustRequest(rawURL string, opts ...RequestOption) *Request {
	r, err := NewRequest(rawURL, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

func (s *requestSpec) build() (*Request, error) {
	if s.encoding == "" {
		s.encoding = defaultEncoding
	}
	if _, err := lookupEncoding(s.encoding); err != nil {
		return nil, err
	}

	safe, err := safeURL(s.url, s.encoding)
	if err != nil {
		return nil, err
	}

	body := s.body
	if s.text != nil {
		if body, err = encodeString(*s.text, s.encoding); err != nil {
			return nil, err
		}
	}
	if body == nil {
		body = []byte{}
	}

	r := &Request{
		url:        safe,
		method:     strings.ToUpper(s.method),
		body:       body,
		headers:    s.headers.Clone(),
		meta:       make(map[string]any, len(s.meta)),
		flags:      slices.Clone(s.flags),
		callback:   s.callback,
		errback:    s.errback,
		encoding:   s.encoding,
		dontFilter: s.dontFilter,
		priority:   s.priority,
	}
	maps.Copy(r.meta, s.meta)
	r.parsed, _ = url.Parse(safe)
	return r, nil
}

// URL returns the escaped request URL.
func (r *Request) URL() string { return r.url }

// ParsedURL returns the URL parsed by net/url, or nil if it does not parse.
// The returned value must not be modified.
func (r *Request) ParsedURL() *url.URL { return r.parsed }

// Host returns the lower-cased host name, or "".
func (r *Request) Host() string {
	if r.parsed == nil {
		return ""
	}
	return strings.ToLower(r.parsed.Hostname())
}

// Method returns the upper-case HTTP method.
func (r *Request) Method() string { return r.method }

// Body returns a copy of the request body.
func (r *Request) Body() []byte { return bytes.Clone(r.body) }

// Headers returns the request's own mutable headers.
func (r *Request) Headers() *Headers { return r.headers }

// Meta returns the request's own mutable metadata map.
func (r *Request) Meta() map[string]any { return r.meta }

// Flags returns a copy of the flags.
func (r *Request) Flags() []string { return slices.Clone(r.flags) }

// AddFlag appends a flag.
func (r *Request) AddFlag(flag string) { r.flags = append(r.flags, flag) }

// Callback returns the response callback, if any.
func (r *Request) Callback() Callback { return r.callback }

// Errback returns the failure callback, if any.
func (r *Request) Errback() Errback { return r.errback }

// Encoding returns the request encoding name.
func (r *Request) Encoding() string { return r.encoding }

// DontFilter reports whether duplicate filtering is disabled.
func (r *Request) DontFilter() bool { return r.dontFilter }

// Priority returns the scheduling priority.
func (r *Request) Priority() int { return r.priority }

// Copy returns a new request with the same values. Headers, meta and flags
// are shallow copies.
func (r *Request) Copy() *Request {
	c, err := r.Replace()
	if err != nil {
		// r was valid when built, so rebuilding it cannot fail.
		panic(err)
	}
	return c
}

// Replace returns a new request with opts applied over r's values.
func (r *Request) Replace(opts ...RequestOption) (*Request, error) {
	spec := &requestSpec{
		url:        r.url,
		method:     r.method,
		body:       r.body,
		headers:    r.headers,
		meta:       r.meta,
		flags:      r.flags,
		callback:   r.callback,
		errback:    r.errback,
		encoding:   r.encoding,
		dontFilter: r.dontFilter,
		priority:   r.priority,
	}
	for _, opt := range opts {
		opt(spec)
	}
	return spec.build()
}

// MetaInt reads an integer metadata value, returning 0 when absent.
func (r *Request) MetaInt(key string) int {
	switch v := r.meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// MetaBool reads a boolean metadata value.
func (r *Request) MetaBool(key string) bool {
	v, _ := r.meta[key].(bool)
	return v
}

// MetaString reads a string metadata value.
func (r *Request) MetaString(key string) string {
	v, _ := r.meta[key].(string)
	return v
}

func (r *Request) String() string {
	return fmt.Sprintf("<%s %s>", r.method, r.url)
}
