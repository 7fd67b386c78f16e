package capture

import "github.com/dgnsrekt/harcollector/internal/types"

// Event is one of the three network lifecycle events the tracker understands:
// RequestStarted, ResponseHeaders or LoadingFinished.
type Event interface {
	ID() string
	event()
}

// RequestStarted corresponds to Network.requestWillBeSent.
type RequestStarted struct {
	RequestID string
	URL       string
	Method    string
	Headers   types.Headers
	PostData  *string
	// WallTime is seconds since the Unix epoch.
	WallTime float64
	// Timestamp is seconds on the feed's monotonic clock.
	Timestamp float64
}

// ResponseHeaders corresponds to Network.responseReceived.
type ResponseHeaders struct {
	RequestID  string
	Status     int
	StatusText string
	Headers    types.Headers
	MimeType   string
	Timestamp  float64
}

// LoadingFinished corresponds to Network.loadingFinished.
type LoadingFinished struct {
	RequestID         string
	EncodedDataLength int64
}

func (e RequestStarted) ID() string  { return e.RequestID }
func (e ResponseHeaders) ID() string { return e.RequestID }
func (e LoadingFinished) ID() string { return e.RequestID }

func (RequestStarted) event()  {}
func (ResponseHeaders) event() {}
func (LoadingFinished) event() {}
