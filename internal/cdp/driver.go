// Package cdp feeds browser network events into the capture registry and
// fetches response bodies over the Chrome DevTools Protocol.
package cdp

import (
	"github.com/dgnsrekt/harcollector/internal/capture"
	"github.com/dgnsrekt/harcollector/internal/types"
)

// EventSink is the part of capture.Registry a driver feeds.
type EventSink interface {
	StartSession(targetID string) bool
	StopSession(targetID string) bool
	Apply(targetID string, ev capture.Event, fetcher capture.BodyFetcher)
}

// Options configures a driver.
type Options struct {
	// ConnectRetries bounds connection attempts after the first.
	ConnectRetries int
	// OnTargetChanged is called, off the event loop, when a target is
	// created or navigates.
	OnTargetChanged func(info types.TargetInfo)
	// OnTargetGone is called when an attached target closes or detaches.
	OnTargetGone func(targetID string)
}

func (o Options) targetChanged(info types.TargetInfo) {
	if o.OnTargetChanged != nil {
		go o.OnTargetChanged(info)
	}
}

func (o Options) targetGone(targetID string) {
	if o.OnTargetGone != nil {
		go o.OnTargetGone(targetID)
	}
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
