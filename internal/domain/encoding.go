package domain

import (
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// ErrMissingScheme is returned for URLs without an explicit scheme.
var ErrMissingScheme = errors.New("missing scheme in request url")

const defaultEncoding = "utf-8"

var schemeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)

func lookupEncoding(name string) (encoding.Encoding, error) {
	if isUTF8(name) {
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	return enc, nil
}

func isUTF8(name string) bool {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "-")) {
	case "", "utf-8", "utf8":
		return true
	}
	return false
}

// encodeString converts s to bytes in the named encoding.
func encodeString(s, name string) ([]byte, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return []byte(s), nil
	}
	out, err := enc.NewEncoder().String(s)
	if err != nil {
		return nil, fmt.Errorf("encode as %s: %w", name, err)
	}
	return []byte(out), nil
}

// decodeBytes converts b from the named encoding to a UTF-8 string.
func decodeBytes(b []byte, name string) (string, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return "", err
	}
	if enc == nil {
		return string(b), nil
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", name, err)
	}
	return string(out), nil
}

// charsetFromContentType extracts the charset parameter, if any.
func charsetFromContentType(ct string) string {
	if ct == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// safeURL percent-escapes raw so it is a valid URL. The scheme, authority and
// path are escaped from UTF-8; the query is first converted to enc. Existing
// percent escapes are kept untouched.
func safeURL(raw, enc string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !schemeRe.MatchString(raw) {
		return "", fmt.Errorf("%w: %s", ErrMissingScheme, raw)
	}

	rest, fragment, hasFragment := strings.Cut(raw, "#")
	base, query, hasQuery := strings.Cut(rest, "?")

	var b strings.Builder
	b.WriteString(escapeBytes([]byte(base), isPathSafe))
	if hasQuery {
		q, err := encodeString(query, enc)
		if err != nil {
			return "", err
		}
		b.WriteByte('?')
		b.WriteString(escapeBytes(q, isQuerySafe))
	}
	if hasFragment {
		b.WriteByte('#')
		b.WriteString(escapeBytes([]byte(fragment), isQuerySafe))
	}
	return b.String(), nil
}

func isUnreserved(c byte) bool {
	return 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

func isPathSafe(c byte) bool {
	if isUnreserved(c) {
		return true
	}
	return strings.IndexByte("!$&'()*+,;=:@/%[]|", c) >= 0
}

func isQuerySafe(c byte) bool {
	return isPathSafe(c) || c == '?'
}

func escapeBytes(b []byte, safe func(byte) bool) string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c < 0x80 && safe(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hex[c>>4])
		sb.WriteByte(hex[c&0x0f])
	}
	return sb.String()
}
