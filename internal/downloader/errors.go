package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrPipelineClosed is returned by Download before Open has completed or
	// once Close has begun.
	ErrPipelineClosed = errors.New("downloader: pipeline is not open")
	// ErrNoResponse is the fault raised when a transport settles without a
	// response or an error.
	ErrNoResponse = errors.New("downloader: transport returned no response")
)

// StartupError reports the middleware whose Open hook failed.
type StartupError struct {
	Middleware string
	Err        error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("open middleware %s: %v", e.Middleware, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
