// Package middleware holds the built-in downloader middlewares.
package middleware

import (
	"errors"
	"fmt"
)

// ErrIgnoreRequest matches every IgnoreRequestError.
var ErrIgnoreRequest = errors.New("request ignored")

// ErrCacheMiss is returned by a CacheStorage that holds no entry.
var ErrCacheMiss = errors.New("http cache miss")

// IgnoreRequestError is raised by middlewares that refuse a request. It is an
// ordinary download fault: later exception hooks and the request errback see
// it.
type IgnoreRequestError struct {
	URL    string
	Reason string
}

func (e *IgnoreRequestError) Error() string {
	return fmt.Sprintf("ignoring request %s: %s", e.URL, e.Reason)
}

func (e *IgnoreRequestError) Is(target error) bool {
	return target == ErrIgnoreRequest
}
