package capture

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/chromedp/cdproto/network"
	"github.com/dgnsrekt/harcollector/internal/types"
)

const (
	MethodRequestWillBeSent = "Network.requestWillBeSent"
	MethodResponseReceived  = "Network.responseReceived"
	MethodLoadingFinished   = "Network.loadingFinished"
)

// ErrUnhandledEvent is returned by Decode for CDP methods the tracker ignores.
var ErrUnhandledEvent = errors.New("capture: unhandled event")

type wireRequestWillBeSent struct {
	RequestID string `json:"requestId"`
	Request   struct {
		URL             string        `json:"url"`
		Method          string        `json:"method"`
		Headers         types.Headers `json:"headers"`
		PostData        *string       `json:"postData"`
		PostDataEntries []struct {
			Bytes string `json:"bytes"`
		} `json:"postDataEntries"`
	} `json:"request"`
	Timestamp float64 `json:"timestamp"`
	WallTime  float64 `json:"wallTime"`
}

type wireResponseReceived struct {
	RequestID string  `json:"requestId"`
	Timestamp float64 `json:"timestamp"`
	Response  *struct {
		Status     float64       `json:"status"`
		StatusText string        `json:"statusText"`
		Headers    types.Headers `json:"headers"`
		MimeType   string        `json:"mimeType"`
	} `json:"response"`
}

type wireLoadingFinished struct {
	RequestID         string  `json:"requestId"`
	EncodedDataLength float64 `json:"encodedDataLength"`
}

// Decode turns raw CDP event params into a validated Event.
func Decode(method string, params []byte) (Event, error) {
	switch method {
	case MethodRequestWillBeSent:
		var w wireRequestWillBeSent
		if err := json.Unmarshal(params, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", method, err)
		}
		if w.RequestID == "" || w.Request.URL == "" || w.Request.Method == "" {
			return nil, fmt.Errorf("decode %s: missing requestId, url or method", method)
		}
		postData := w.Request.PostData
		if postData == nil && len(w.Request.PostDataEntries) > 0 {
			parts := make([]string, 0, len(w.Request.PostDataEntries))
			for _, e := range w.Request.PostDataEntries {
				parts = append(parts, e.Bytes)
			}
			postData = joinPostDataEntries(parts)
		}
		return RequestStarted{
			RequestID: w.RequestID,
			URL:       w.Request.URL,
			Method:    w.Request.Method,
			Headers:   w.Request.Headers,
			PostData:  postData,
			WallTime:  w.WallTime,
			Timestamp: w.Timestamp,
		}, nil

	case MethodResponseReceived:
		var w wireResponseReceived
		if err := json.Unmarshal(params, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", method, err)
		}
		if w.RequestID == "" || w.Response == nil {
			return nil, fmt.Errorf("decode %s: missing requestId or response", method)
		}
		return ResponseHeaders{
			RequestID:  w.RequestID,
			Status:     int(w.Response.Status),
			StatusText: w.Response.StatusText,
			Headers:    w.Response.Headers,
			MimeType:   w.Response.MimeType,
			Timestamp:  w.Timestamp,
		}, nil

	case MethodLoadingFinished:
		var w wireLoadingFinished
		if err := json.Unmarshal(params, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", method, err)
		}
		if w.RequestID == "" {
			return nil, fmt.Errorf("decode %s: missing requestId", method)
		}
		return LoadingFinished{
			RequestID:         w.RequestID,
			EncodedDataLength: int64(math.Round(w.EncodedDataLength)),
		}, nil
	}
	return nil, ErrUnhandledEvent
}

// FromNetworkEvent converts a typed cdproto event into an Event. Header order
// is not recoverable from cdproto's map type, so headers are sorted by name.
func FromNetworkEvent(ev any) (Event, bool) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil || e.RequestID == "" {
			return nil, false
		}
		var postData *string
		if e.Request.HasPostData && len(e.Request.PostDataEntries) > 0 {
			parts := make([]string, 0, len(e.Request.PostDataEntries))
			for _, entry := range e.Request.PostDataEntries {
				parts = append(parts, entry.Bytes)
			}
			postData = joinPostDataEntries(parts)
		}
		out := RequestStarted{
			RequestID: string(e.RequestID),
			URL:       e.Request.URL,
			Method:    e.Request.Method,
			Headers:   sortedHeaders(e.Request.Headers),
			PostData:  postData,
		}
		if e.WallTime != nil {
			out.WallTime = float64(e.WallTime.Time().UnixNano()) / 1e9
		}
		if e.Timestamp != nil {
			out.Timestamp = float64(e.Timestamp.Time().UnixNano()) / 1e9
		}
		return out, true

	case *network.EventResponseReceived:
		if e.Response == nil || e.RequestID == "" {
			return nil, false
		}
		out := ResponseHeaders{
			RequestID:  string(e.RequestID),
			Status:     int(e.Response.Status),
			StatusText: e.Response.StatusText,
			Headers:    sortedHeaders(e.Response.Headers),
			MimeType:   e.Response.MimeType,
		}
		if e.Timestamp != nil {
			out.Timestamp = float64(e.Timestamp.Time().UnixNano()) / 1e9
		}
		return out, true

	case *network.EventLoadingFinished:
		if e.RequestID == "" {
			return nil, false
		}
		return LoadingFinished{
			RequestID:         string(e.RequestID),
			EncodedDataLength: int64(math.Round(e.EncodedDataLength)),
		}, true
	}
	return nil, false
}

// joinPostDataEntries concatenates base64 post data chunks, keeping any chunk
// that is not valid base64 as raw text. It returns nil when no bytes remain.
func joinPostDataEntries(parts []string) *string {
	var decoded []byte
	for _, p := range parts {
		if p == "" {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			decoded = append(decoded, p...)
			continue
		}
		decoded = append(decoded, b...)
	}
	if len(decoded) == 0 {
		return nil
	}
	s := string(decoded)
	return &s
}

func sortedHeaders(headers network.Headers) types.Headers {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make(types.Headers, 0, len(names))
	for _, name := range names {
		switch v := headers[name].(type) {
		case string:
			out = append(out, types.Header{Name: name, Value: v})
		case nil:
		default:
			out = append(out, types.Header{Name: name, Value: fmt.Sprint(v)})
		}
	}
	return out
}
