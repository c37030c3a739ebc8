package middleware

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/user/crawlchain/internal/domain"
)

const acceptEncoding = "gzip, deflate, br"

var supportedEncodings = map[string]bool{
	"gzip": true, "x-gzip": true, "deflate": true, "br": true, "identity": true,
}

// Compression advertises and decodes gzip, deflate and br bodies. A body
// that does not decode is a fault.
type Compression struct {
	maxSize int64
}

// NewCompression caps decoded bodies at maxSize bytes; 0 means no cap.
func NewCompression(maxSize int64) *Compression {
	return &Compression{maxSize: maxSize}
}

func (m *Compression) Name() string { return "Compression" }

func (m *Compression) ProcessRequest(_ context.Context, req *domain.Request, _ *domain.Spider) (any, error) {
	req.Headers().SetDefault("Accept-Encoding", []byte(acceptEncoding))
	return nil, nil
}

func (m *Compression) ProcessResponse(_ context.Context, req *domain.Request, resp *domain.Response, _ *domain.Spider) (any, error) {
	if req.Method() == "HEAD" || len(resp.Body) == 0 {
		return resp, nil
	}
	encodings := resp.Headers.Values("Content-Encoding")
	if len(encodings) == 0 {
		return resp, nil
	}

	var chain []string
	for _, v := range encodings {
		for _, enc := range strings.Split(string(v), ",") {
			if enc = strings.ToLower(strings.TrimSpace(enc)); enc != "" {
				chain = append(chain, enc)
			}
		}
	}

	for _, enc := range chain {
		if !supportedEncodings[enc] {
			return resp, nil
		}
	}

	body := resp.Body
	// Encodings are listed in the order they were applied.
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i] == "identity" {
			continue
		}
		decoded, err := m.decode(chain[i], body)
		if err != nil {
			return nil, fmt.Errorf("decode %s body of %s: %w", chain[i], resp.URL, err)
		}
		body = decoded
	}
	if m.maxSize > 0 && int64(len(body)) > m.maxSize {
		return nil, &IgnoreRequestError{URL: req.URL(), Reason: fmt.Sprintf("decompressed body exceeds %d bytes", m.maxSize)}
	}

	out := resp.Copy()
	out.Body = body
	out.Headers.Del("Content-Encoding")
	out.Headers.Del("Content-Length")
	return out, nil
}

func (m *Compression) decode(encoding string, body []byte) ([]byte, error) {
	var r io.Reader
	switch encoding {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		// Servers send both zlib-wrapped and raw deflate.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			r = fr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	if m.maxSize > 0 {
		r = io.LimitReader(r, m.maxSize+1)
	}
	return io.ReadAll(r)
}
