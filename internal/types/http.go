package types

import (
	"math"
	"strings"
)

// Header is a single name/value pair as it appeared on the wire.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered header list. Duplicate names are kept as separate pairs.
type Headers []Header

// Get returns the value of the first header whose name matches exactly.
func (h Headers) Get(name string) (string, bool) {
	for _, hdr := range h {
		if hdr.Name == name {
			return hdr.Value, true
		}
	}
	return "", false
}

// Lookup tries each name in order and returns the first non-empty value.
func (h Headers) Lookup(names ...string) string {
	for _, name := range names {
		if v, _ := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// GetFold returns the first header matching name case-insensitively.
func (h Headers) GetFold(name string) (string, bool) {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// RequestState is the correlation stage of a RequestRecord.
type RequestState int

const (
	StateStarted RequestState = iota
	StateResponseReceived
	StateComplete
)

func (s RequestState) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateResponseReceived:
		return "response_received"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s RequestState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RequestRecord is one network exchange as it is assembled from feed events.
type RequestRecord struct {
	RequestID      string        `json:"request_id"`
	URL            string        `json:"url"`
	Method         string        `json:"method"`
	Headers        Headers       `json:"headers"`
	PostData       *string       `json:"post_data,omitempty"`
	WallTime       float64       `json:"wall_time"`
	StartTimestamp float64       `json:"start_timestamp"`
	EndTimestamp   *float64      `json:"end_timestamp,omitempty"`
	Response       *ResponseInfo `json:"response,omitempty"`
	State          RequestState  `json:"state"`
}

// ResponseInfo is the response half of a RequestRecord.
type ResponseInfo struct {
	Status            int     `json:"status"`
	StatusText        string  `json:"status_text"`
	Headers           Headers `json:"headers"`
	MimeType          string  `json:"mime_type"`
	Body              *string `json:"body,omitempty"`
	Base64Encoded     bool    `json:"base64_encoded,omitempty"`
	EncodedDataLength int64   `json:"encoded_data_length"`
}

// ElapsedMillis is the request duration on the feed's monotonic clock,
// clamped to zero when the end is missing or precedes the start.
func (r RequestRecord) ElapsedMillis() float64 {
	if r.EndTimestamp == nil {
		return 0
	}
	ms := (*r.EndTimestamp - r.StartTimestamp) * 1000
	if !(ms >= 0) || math.IsInf(ms, 0) {
		return 0
	}
	return ms
}
