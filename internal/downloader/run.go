package downloader

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/user/crawlchain/internal/domain"
	"github.com/user/crawlchain/internal/eventual"
)

const (
	forward  = 1
	backward = -1
)

// run is the state of one Download call. Its stages follow each other through
// future continuations, so at most one goroutine touches it at a time.
type run struct {
	m      *Manager
	ctx    context.Context
	fetch  Transport
	req    *domain.Request
	spider *domain.Spider
	out    *eventual.Future[Result]

	resp       *domain.Response
	recovering bool
}

// hookCall invokes the stage hook of handler i. ok is false when the handler
// has no hook for the stage.
type hookCall func(i int) (f *eventual.Future[any], ok bool)

// hookResult handles the settled result of handler i and reports whether the
// walk goes on to the next handler.
type hookResult func(i int, v any, err error) bool

// walk visits handlers from index i in direction dir and calls finish after
// the last one. Settled results are handled in the loop; only a pending hook
// parks the walk on a continuation.
func (r *run) walk(i, dir int, call hookCall, handle hookResult, finish func()) {
	for ; i >= 0 && i < len(r.m.handlers); i += dir {
		f, ok := call(i)
		if !ok {
			continue
		}
		if v, err, settled := f.Peek(); settled {
			if !handle(i, v, err) {
				return
			}
			continue
		}
		at := i
		f.OnComplete(func(v any, err error) {
			if handle(at, v, err) {
				r.walk(at+dir, dir, call, handle, finish)
			}
		})
		return
	}
	finish()
}

// invoke calls a hook and adapts its result, turning a panic into a fault.
func (r *run) invoke(hook func() (any, error)) (f *eventual.Future[any]) {
	defer func() {
		if p := recover(); p != nil {
			f = eventual.Failed[any](eventual.NewPanicError(p))
		}
	}()
	v, err := hook()
	return eventual.Adapt(r.ctx, v, err)
}

func (r *run) requestStage() {
	call := func(i int) (*eventual.Future[any], bool) {
		h := r.m.handlers[i]
		if h.request == nil {
			return nil, false
		}
		return r.invoke(func() (any, error) {
			return h.request.ProcessRequest(r.ctx, r.req, r.spider)
		}), true
	}
	handle := func(i int, v any, err error) bool {
		if err != nil {
			r.exceptionStage(i, err)
			return false
		}
		resp, req, verr := validate(StageRequest, r.m.handlers[i].name, v)
		switch {
		case verr != nil:
			r.fail(verr)
		case req != nil:
			r.finish(Result{Request: req})
		case resp != nil:
			r.m.logger.Debug("Request answered by middleware",
				zap.String("middleware", r.m.handlers[i].name), zap.String("url", r.req.URL()))
			r.responseStage(len(r.m.handlers)-1, resp)
		default:
			return true
		}
		return false
	}
	r.walk(0, forward, call, handle, r.download)
}

func (r *run) download() {
	f, err := func() (f *eventual.Future[*domain.Response], err error) {
		defer func() {
			if p := recover(); p != nil {
				err = eventual.NewPanicError(p)
			}
		}()
		return r.fetch(r.ctx, r.req, r.spider), nil
	}()
	if err == nil && f == nil {
		err = ErrNoResponse
	}
	if err != nil {
		r.exceptionStage(len(r.m.handlers)-1, err)
		return
	}
	f.OnComplete(func(resp *domain.Response, err error) {
		if err == nil && resp == nil {
			err = ErrNoResponse
		}
		if err != nil {
			r.exceptionStage(len(r.m.handlers)-1, err)
			return
		}
		r.responseStage(len(r.m.handlers)-1, resp)
	})
}

// responseStage runs response hooks from index from down to the first
// handler, starting with resp.
func (r *run) responseStage(from int, resp *domain.Response) {
	r.resp = resp
	call := func(i int) (*eventual.Future[any], bool) {
		h := r.m.handlers[i]
		if h.response == nil {
			return nil, false
		}
		current := r.resp
		return r.invoke(func() (any, error) {
			return h.response.ProcessResponse(r.ctx, r.req, current, r.spider)
		}), true
	}
	handle := func(i int, v any, err error) bool {
		if err != nil {
			r.exceptionStage(i, err)
			return false
		}
		resp, req, verr := validate(StageResponse, r.m.handlers[i].name, v)
		switch {
		case verr != nil:
			r.fail(verr)
		case req != nil:
			r.finish(Result{Request: req})
		default:
			r.resp = resp
			return true
		}
		return false
	}
	r.walk(from, backward, call, handle, func() {
		r.finish(Result{Response: r.resp})
	})
}

// exceptionStage offers fault to the exception hooks of the handlers at or
// before index at, nearest first. A run gets one pass: a fault raised after a
// recovery is final.
func (r *run) exceptionStage(at int, fault error) {
	var invalid *InvalidOutputError
	if r.recovering || errors.As(fault, &invalid) {
		r.fail(fault)
		return
	}
	r.recovering = true

	call := func(i int) (*eventual.Future[any], bool) {
		h := r.m.handlers[i]
		if h.exception == nil {
			return nil, false
		}
		return r.invoke(func() (any, error) {
			return h.exception.ProcessException(r.ctx, r.req, fault, r.spider)
		}), true
	}
	handle := func(i int, v any, err error) bool {
		if err != nil {
			r.fail(err)
			return false
		}
		resp, req, verr := validate(StageException, r.m.handlers[i].name, v)
		switch {
		case verr != nil:
			r.fail(verr)
		case req != nil:
			r.finish(Result{Request: req})
		case resp != nil:
			r.m.logger.Debug("Download fault recovered by middleware",
				zap.String("middleware", r.m.handlers[i].name), zap.String("url", r.req.URL()), zap.Error(fault))
			r.responseStage(i-1, resp)
		default:
			return true
		}
		return false
	}
	r.walk(at, backward, call, handle, func() {
		r.fail(fault)
	})
}

func (r *run) finish(res Result) {
	r.out.Resolve(res)
}

func (r *run) fail(err error) {
	var invalid *InvalidOutputError
	if errors.As(err, &invalid) {
		r.m.logger.Error("Invalid downloader middleware output",
			zap.String("middleware", invalid.Middleware), zap.String("stage", string(invalid.Stage)),
			zap.String("url", r.req.URL()))
	}
	r.out.Reject(err)
}
