package domain

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

const jsonAccept = "application/json, text/javascript, */*; q=0.01"

// NewJSONRequest builds a request whose body is data marshalled as JSON. Map
// keys are sorted by encoding/json. When data is given without an explicit
// method or body the request is a POST; an explicit body wins over data.
func NewJSONRequest(rawURL string, data any, opts ...RequestOption) (*Request, error) {
	spec := &requestSpec{url: rawURL, method: "GET", encoding: defaultEncoding}
	for _, opt := range opts {
		opt(spec)
	}

	spec.headers = spec.headers.Clone()
	spec.headers.SetDefault("Content-Type", []byte("application/json"))
	spec.headers.SetDefault("Accept", []byte(jsonAccept))

	if data != nil {
		if spec.bodySet {
			zap.L().Warn("both body and data passed to JSON request, data will be ignored",
				zap.String("url", rawURL))
		} else {
			body, err := json.Marshal(data)
			if err != nil {
				return nil, fmt.Errorf("marshal json request data: %w", err)
			}
			spec.body = body
			if !spec.methodSet {
				spec.method = "POST"
			}
		}
	}
	return spec.build()
}
