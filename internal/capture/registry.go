package capture

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/harcollector/internal/types"
)

// Observer receives registry notifications. Implementations must not block.
type Observer interface {
	CountChanged(count int)
	SessionsChanged(targetIDs []string)
	RecordCompleted(targetID string, rec types.RequestRecord)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) CountChanged(int)                            {}
func (NopObserver) SessionsChanged([]string)                    {}
func (NopObserver) RecordCompleted(string, types.RequestRecord) {}

// MultiObserver fans notifications out in order.
type MultiObserver []Observer

func (m MultiObserver) CountChanged(count int) {
	for _, o := range m {
		o.CountChanged(count)
	}
}

func (m MultiObserver) SessionsChanged(targetIDs []string) {
	for _, o := range m {
		o.SessionsChanged(targetIDs)
	}
}

func (m MultiObserver) RecordCompleted(targetID string, rec types.RequestRecord) {
	for _, o := range m {
		o.RecordCompleted(targetID, rec)
	}
}

// RegistryOptions configures every tracker the registry creates.
type RegistryOptions struct {
	MaxPending  int
	BodyTimeout time.Duration
	Observer    Observer
}

// Registry owns one Tracker per captured target, in registration order.
type Registry struct {
	opts RegistryOptions

	mu       sync.RWMutex
	sessions map[string]*Tracker
	order    []string
}

// NewRegistry creates an empty session registry.
func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Tracker),
	}
}

// StartSession registers a tracker for targetID. It returns false when the
// session already exists.
func (r *Registry) StartSession(targetID string) bool {
	r.mu.Lock()
	if _, ok := r.sessions[targetID]; ok {
		r.mu.Unlock()
		return false
	}
	t := NewTracker(targetID, TrackerOptions{
		MaxPending:  r.opts.MaxPending,
		BodyTimeout: r.opts.BodyTimeout,
		OnChange:    r.publishCount,
		OnComplete: func(rec types.RequestRecord) {
			if r.opts.Observer != nil {
				r.opts.Observer.RecordCompleted(targetID, rec)
			}
		},
	})
	r.sessions[targetID] = t
	r.order = append(r.order, targetID)
	ids := r.idsLocked()
	r.mu.Unlock()

	slog.Info("capture session started", "target_id", targetID)
	r.publishSessions(ids)
	return true
}

// StopSession discards the session and all of its records.
func (r *Registry) StopSession(targetID string) bool {
	r.mu.Lock()
	t, ok := r.sessions[targetID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, targetID)
	for i, id := range r.order {
		if id == targetID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	ids := r.idsLocked()
	r.mu.Unlock()
	t.Close()

	slog.Info("capture session stopped", "target_id", targetID)
	r.publishSessions(ids)
	r.publishCount()
	return true
}

// StopAll discards every session.
func (r *Registry) StopAll() {
	r.mu.Lock()
	stopped := r.sessions
	r.sessions = make(map[string]*Tracker)
	r.order = nil
	r.mu.Unlock()
	for _, t := range stopped {
		t.Close()
	}
	n := len(stopped)

	slog.Info("all capture sessions stopped", "sessions", n)
	r.publishSessions(nil)
	r.publishCount()
}

// Reset clears the records of every session but keeps the sessions.
func (r *Registry) Reset() {
	for _, t := range r.trackers() {
		t.Reset()
	}
	r.publishCount()
}

// Tracker returns the tracker for targetID.
func (r *Registry) Tracker(targetID string) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.sessions[targetID]
	return t, ok
}

// Has reports whether a session exists for targetID.
func (r *Registry) Has(targetID string) bool {
	_, ok := r.Tracker(targetID)
	return ok
}

// Apply routes an event to the target's tracker. Events for targets without a
// session are dropped.
func (r *Registry) Apply(targetID string, ev Event, fetcher BodyFetcher) {
	t, ok := r.Tracker(targetID)
	if !ok {
		slog.Debug("dropping event for unknown session", "target_id", targetID, "request_id", ev.ID())
		return
	}
	t.Apply(ev, fetcher)
}

// TargetIDs returns the registered targets in registration order.
func (r *Registry) TargetIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idsLocked()
}

// LiveRequestCount sums every tracked record across sessions, in any state.
func (r *Registry) LiveRequestCount() int {
	total := 0
	for _, t := range r.trackers() {
		total += t.Len()
	}
	return total
}

// SnapshotComplete returns each session's complete records, in session
// registration order.
func (r *Registry) SnapshotComplete() [][]types.RequestRecord {
	trackers := r.trackers()
	out := make([][]types.RequestRecord, 0, len(trackers))
	for _, t := range trackers {
		out = append(out, t.SnapshotComplete())
	}
	return out
}

// Wait blocks until outstanding body fetches of current sessions are applied.
func (r *Registry) Wait() {
	for _, t := range r.trackers() {
		t.Wait()
	}
}

func (r *Registry) trackers() []*Tracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tracker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

func (r *Registry) publishCount() {
	if r.opts.Observer == nil {
		return
	}
	r.opts.Observer.CountChanged(r.LiveRequestCount())
}

func (r *Registry) publishSessions(ids []string) {
	if r.opts.Observer == nil {
		return
	}
	r.opts.Observer.SessionsChanged(ids)
}
