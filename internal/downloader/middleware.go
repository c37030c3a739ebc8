// Package downloader runs requests through an ordered chain of downloader
// middlewares around a transport call.
//
// Request hooks run in ascending priority order before the transport. Response
// and exception hooks run in the reverse order, so the middleware closest to
// the transport sees a response first. Every hook may answer immediately, with
// a pending eventual.Future, or with an eventual.Routine; the manager composes
// all three through continuations and hands the caller a single future.
package downloader

import (
	"context"

	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/eventual"
)

// RequestProcessor inspects a request before it is downloaded.
//
// It may return nil to continue, a *domain.Response to skip the transport and
// the remaining request hooks, or a *domain.Request to abandon this download
// and reschedule the new request. Any of those may also be delivered through
// a future or a routine.
type RequestProcessor interface {
	ProcessRequest(ctx context.Context, req *domain.Request, spider *domain.Spider) (any, error)
}

// ResponseProcessor inspects a downloaded response. It must return a
// *domain.Response to continue or a *domain.Request to reschedule.
type ResponseProcessor interface {
	ProcessResponse(ctx context.Context, req *domain.Request, resp *domain.Response, spider *domain.Spider) (any, error)
}

// ExceptionProcessor gets a chance to recover a failed download. It returns
// nil to pass, a *domain.Response to resume the response hooks with it, or a
// *domain.Request to reschedule.
type ExceptionProcessor interface {
	ProcessException(ctx context.Context, req *domain.Request, err error, spider *domain.Spider) (any, error)
}

// Opener is called once when the pipeline opens.
type Opener interface {
	Open(ctx context.Context, spider *domain.Spider) error
}

// Closer is called once when the pipeline closes.
type Closer interface {
	Close(ctx context.Context, spider *domain.Spider) error
}

// Named middlewares report their own name in logs and errors.
type Named interface {
	Name() string
}

// Registration places a middleware in the chain. Lower priorities sit closer
// to the engine, higher ones closer to the transport.
type Registration struct {
	Name       string
	Priority   int
	Middleware any
}

// Transport performs the actual fetch.
type Transport func(ctx context.Context, req *domain.Request, spider *domain.Spider) *eventual.Future[*domain.Response]

// Result is the outcome of a successful download: exactly one of Response
// and Request is set. A Request asks the caller to schedule it instead.
type Result struct {
	Response *domain.Response
	Request  *domain.Request
}

type handler struct {
	name      string
	request   RequestProcessor
	response  ResponseProcessor
	exception ExceptionProcessor
	opener    Opener
	closer    Closer
}

func (h handler) hasHooks() bool {
	return h.request != nil || h.response != nil || h.exception != nil || h.opener != nil || h.closer != nil
}
