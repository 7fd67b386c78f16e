package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/harcollector/internal/capture"
)

// Counter publishes capture registry changes to a Broker. It is a
// capture.Observer; completions are left to other observers.
type Counter struct {
	capture.NopObserver

	broker *Broker

	mu       sync.Mutex
	count    int
	sessions []string
}

// NewCounter creates a Counter publishing to broker.
func NewCounter(broker *Broker) *Counter {
	return &Counter{broker: broker, count: -1}
}

// CountChanged publishes the live request count when it differs from the
// last published value.
func (c *Counter) CountChanged(count int) {
	c.mu.Lock()
	if count == c.count {
		c.mu.Unlock()
		return
	}
	c.count = count
	c.mu.Unlock()
	c.publish(KindCount, countPayload{Count: count})
}

// SessionsChanged publishes the attached target ids.
func (c *Counter) SessionsChanged(targetIDs []string) {
	ids := append([]string{}, targetIDs...)
	c.mu.Lock()
	c.sessions = ids
	c.mu.Unlock()
	c.publish(KindSession, sessionPayload{TargetIDs: ids})
}

// PublishExport announces a finished export.
func (c *Counter) PublishExport(payload any) {
	c.publish(KindExport, payload)
}

// Snapshot returns the current count and sessions as events, for clients
// that just connected.
func (c *Counter) Snapshot() []Event {
	c.mu.Lock()
	count := max(c.count, 0)
	ids := append([]string{}, c.sessions...)
	c.mu.Unlock()
	return []Event{
		c.event(KindCount, countPayload{Count: count}),
		c.event(KindSession, sessionPayload{TargetIDs: ids}),
	}
}

type countPayload struct {
	Count int `json:"count"`
}

type sessionPayload struct {
	TargetIDs []string `json:"target_ids"`
}

func (c *Counter) publish(kind string, payload any) {
	c.broker.Publish(c.event(kind, payload))
}

func (c *Counter) event(kind string, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("relay payload encode failed", "kind", kind, "error", err)
		data = []byte("{}")
	}
	return Event{Kind: kind, Payload: string(data)}
}
