package downloader

import (
	"fmt"

	"github.com/user/crawlchain/internal/domain"
)

// Stage names a pass over the middleware chain.
type Stage string

const (
	StageRequest   Stage = "process_request"
	StageResponse  Stage = "process_response"
	StageException Stage = "process_exception"
)

func (s Stage) allowed() string {
	if s == StageResponse {
		return "Response or Request"
	}
	return "None, Response or Request"
}

// InvalidOutputError means a middleware hook returned a value its stage does
// not accept. It ends the download as is; exception hooks never see it.
type InvalidOutputError struct {
	Middleware string
	Stage      Stage
	Output     any
}

func (e *InvalidOutputError) Error() string {
	return fmt.Sprintf("middleware %s must return %s from %s, got %T",
		e.Middleware, e.Stage.allowed(), e.Stage, e.Output)
}

// validate checks a settled hook value against its stage. Typed nil
// responses and requests count as nil.
func validate(stage Stage, middleware string, out any) (*domain.Response, *domain.Request, error) {
	switch v := out.(type) {
	case *domain.Response:
		if v != nil {
			return v, nil, nil
		}
	case *domain.Request:
		if v != nil {
			return nil, v, nil
		}
	case nil:
	default:
		return nil, nil, &InvalidOutputError{Middleware: middleware, Stage: stage, Output: out}
	}
	if stage == StageResponse {
		return nil, nil, &InvalidOutputError{Middleware: middleware, Stage: stage, Output: out}
	}
	return nil, nil, nil
}
