package capture

import (
	"context"
	"errors"
)

// Body is a fetched response body as reported by the browser.
type Body struct {
	Text          string
	Base64Encoded bool
}

// BodyFetcher retrieves the response body for a request id within one target.
type BodyFetcher interface {
	FetchBody(ctx context.Context, requestID string) (Body, error)
}

// BodyFetcherFunc adapts a function to BodyFetcher.
type BodyFetcherFunc func(ctx context.Context, requestID string) (Body, error)

func (f BodyFetcherFunc) FetchBody(ctx context.Context, requestID string) (Body, error) {
	return f(ctx, requestID)
}

// FetchResult is the outcome of one asynchronous body fetch. Err set means no
// body is available.
type FetchResult struct {
	RequestID  string
	Generation uint64
	Body       Body
	Err        error
}

var errNoFetcher = errors.New("capture: no body fetcher for target")
