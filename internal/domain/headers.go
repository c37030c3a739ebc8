package domain

import (
	"bytes"
	"net/http"
	"net/textproto"
	"sort"
)

// Headers maps header names to ordered lists of raw byte values. Lookups are
// case-insensitive: names are stored in canonical MIME form.
type Headers struct {
	values map[string][][]byte
}

// NewHeaders returns an empty header set.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][][]byte)}
}

// HeadersFromMap builds headers from single string values.
func HeadersFromMap(m map[string]string) *Headers {
	h := NewHeaders()
	for k, v := range m {
		h.Set(k, []byte(v))
	}
	return h
}

// HeadersFromHTTP copies an http.Header.
func HeadersFromHTTP(src http.Header) *Headers {
	h := NewHeaders()
	for k, vs := range src {
		for _, v := range vs {
			h.Add(k, []byte(v))
		}
	}
	return h
}

func normKey(key string) string {
	return textproto.CanonicalMIMEHeaderKey(key)
}

// Get returns the first value for key, or nil.
func (h *Headers) Get(key string) []byte {
	if h == nil {
		return nil
	}
	vs := h.values[normKey(key)]
	if len(vs) == 0 {
		return nil
	}
	return vs[0]
}

// GetString is Get as a string.
func (h *Headers) GetString(key string) string {
	return string(h.Get(key))
}

// Values returns every value stored for key.
func (h *Headers) Values(key string) [][]byte {
	if h == nil {
		return nil
	}
	return h.values[normKey(key)]
}

// Set replaces the values for key.
func (h *Headers) Set(key string, values ...[]byte) {
	vs := make([][]byte, 0, len(values))
	for _, v := range values {
		vs = append(vs, bytes.Clone(v))
	}
	h.values[normKey(key)] = vs
}

// SetString replaces the values for key with a single string value.
func (h *Headers) SetString(key, value string) {
	h.Set(key, []byte(value))
}

// Add appends value to key.
func (h *Headers) Add(key string, value []byte) {
	k := normKey(key)
	h.values[k] = append(h.values[k], bytes.Clone(value))
}

// SetDefault sets key to value unless it is already present. It reports
// whether the value was set.
func (h *Headers) SetDefault(key string, value []byte) bool {
	if h.Has(key) {
		return false
	}
	h.Set(key, value)
	return true
}

// Has reports whether key is present.
func (h *Headers) Has(key string) bool {
	if h == nil {
		return false
	}
	_, ok := h.values[normKey(key)]
	return ok
}

// Del removes key.
func (h *Headers) Del(key string) {
	delete(h.values, normKey(key))
}

// Keys returns the canonical header names in sorted order.
func (h *Headers) Keys() []string {
	if h == nil {
		return nil
	}
	keys := make([]string, 0, len(h.values))
	for k := range h.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of distinct header names.
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.values)
}

// Clone returns a copy that shares no storage with h.
func (h *Headers) Clone() *Headers {
	out := NewHeaders()
	if h == nil {
		return out
	}
	for k, vs := range h.values {
		cp := make([][]byte, len(vs))
		for i, v := range vs {
			cp[i] = bytes.Clone(v)
		}
		out.values[k] = cp
	}
	return out
}

// Equal reports whether both header sets hold the same names and values.
func (h *Headers) Equal(o *Headers) bool {
	if h.Len() != o.Len() {
		return false
	}
	for _, k := range h.Keys() {
		a, b := h.Values(k), o.Values(k)
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !bytes.Equal(a[i], b[i]) {
				return false
			}
		}
	}
	return true
}

// HTTP converts the headers to an http.Header.
func (h *Headers) HTTP() http.Header {
	out := make(http.Header, h.Len())
	for _, k := range h.Keys() {
		for _, v := range h.values[k] {
			out.Add(k, string(v))
		}
	}
	return out
}
