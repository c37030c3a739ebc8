package domain

import (
	"bytes"
	"fmt"
	"net/url"
	"slices"
)

// Response is the result of fetching a Request.
type Response struct {
	URL     string
	Status  int
	Headers *Headers
	Body    []byte
	Flags   []string
	// Request is the request that produced this response. It is not owned by
	// the response and may be shared by several responses.
	Request *Request
}

// NewResponse returns a 200 response for rawURL with empty headers.
func NewResponse(rawURL string) *Response {
	return &Response{URL: rawURL, Status: 200, Headers: NewHeaders()}
}

// Copy returns a response whose headers, body and flags are independent
// copies. The Request back-reference is shared.
func (r *Response) Copy() *Response {
	return &Response{
		URL:     r.URL,
		Status:  r.Status,
		Headers: r.Headers.Clone(),
		Body:    bytes.Clone(r.Body),
		Flags:   slices.Clone(r.Flags),
		Request: r.Request,
	}
}

// HasFlag reports whether flag is set on the response.
func (r *Response) HasFlag(flag string) bool {
	return slices.Contains(r.Flags, flag)
}

// URLJoin resolves ref against the response URL.
func (r *Response) URLJoin(ref string) (string, error) {
	base, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("parse response url: %w", err)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	return base.ResolveReference(rel).String(), nil
}

// Encoding returns the body charset declared in Content-Type, falling back
// to the request encoding and then utf-8.
func (r *Response) Encoding() string {
	if cs := charsetFromContentType(r.Headers.GetString("Content-Type")); cs != "" {
		if _, err := lookupEncoding(cs); err == nil {
			return cs
		}
	}
	if r.Request != nil {
		return r.Request.Encoding()
	}
	return defaultEncoding
}

// Text decodes the body using Encoding.
func (r *Response) Text() (string, error) {
	return decodeBytes(r.Body, r.Encoding())
}

func (r *Response) String() string {
	return fmt.Sprintf("<%d %s>", r.Status, r.URL)
}
