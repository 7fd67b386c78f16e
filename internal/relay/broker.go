// Package relay fans capture state changes out to server-sent-event clients.
package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 256

// Event kinds published by the capture service.
const (
	KindCount   = "count"
	KindSession = "session"
	KindExport  = "export"
)

// Event is one SSE message: Kind is the event name, Payload its JSON data.
type Event struct {
	Kind    string
	Payload string
}

type subscriber struct {
	ch      chan Event
	kinds   map[string]bool
	dropped atomic.Int64
}

func (s *subscriber) wants(kind string) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// Broker fans out events to subscribers. Publish never blocks; a subscriber
// whose buffer is full misses the event.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID atomic.Int64
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int64]*subscriber)}
}

// Subscribe registers a client for the given kinds, or every kind when none
// are given.
func (b *Broker) Subscribe(kinds ...string) (int64, <-chan Event) {
	sub := &subscriber{ch: make(chan Event, subscriberBufSize)}
	if len(kinds) > 0 {
		sub.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
	if ok {
		if n := sub.dropped.Load(); n > 0 {
			slog.Debug("event stream client dropped events", "id", id, "dropped", n)
		}
	}
}

// Publish delivers evt to every interested subscriber.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(evt.Kind) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Dropped returns how many events subscriber id has missed so far.
func (b *Broker) Dropped(id int64) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.subs[id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
