package capture

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/harcollector/internal/types"
)

const defaultBodyTimeout = 10 * time.Second

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	// MaxPending caps incomplete records; the oldest incomplete record is
	// evicted when the cap is exceeded. Zero means unbounded.
	MaxPending  int
	BodyTimeout time.Duration
	// OnChange runs after every mutation, outside the tracker lock.
	OnChange func()
	// OnComplete runs when a record reaches StateComplete, outside the lock.
	OnComplete func(types.RequestRecord)
}

type entry struct {
	rec      types.RequestRecord
	seq      uint64
	gen      uint64
	finished bool
}

// Tracker correlates the event stream of a single target into request records.
type Tracker struct {
	targetID string
	opts     TrackerOptions

	mu      sync.RWMutex
	entries map[string]*entry
	nextSeq uint64
	nextGen uint64
	pending int
	closed  bool

	fetches sync.WaitGroup
}

// NewTracker creates an empty tracker for one target.
func NewTracker(targetID string, opts TrackerOptions) *Tracker {
	if opts.BodyTimeout <= 0 {
		opts.BodyTimeout = defaultBodyTimeout
	}
	return &Tracker{
		targetID: targetID,
		opts:     opts,
		entries:  make(map[string]*entry),
	}
}

// TargetID returns the target this tracker belongs to.
func (t *Tracker) TargetID() string { return t.targetID }

// Apply routes an event to its handler. fetcher is only used for LoadingFinished.
func (t *Tracker) Apply(ev Event, fetcher BodyFetcher) {
	switch e := ev.(type) {
	case RequestStarted:
		t.OnRequestStarted(e)
	case ResponseHeaders:
		t.OnResponseHeaders(e)
	case LoadingFinished:
		t.OnLoadingFinished(e, fetcher)
	}
}

// OnRequestStarted creates a record in StateStarted. An existing record with
// the same id is replaced in place and keeps its arrival position.
func (t *Tracker) OnRequestStarted(ev RequestStarted) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.nextGen++
	rec := types.RequestRecord{
		RequestID:      ev.RequestID,
		URL:            ev.URL,
		Method:         ev.Method,
		Headers:        ev.Headers,
		PostData:       ev.PostData,
		WallTime:       ev.WallTime,
		StartTimestamp: ev.Timestamp,
		State:          types.StateStarted,
	}
	if e, ok := t.entries[ev.RequestID]; ok {
		slog.Debug("request id reused, replacing record", "target_id", t.targetID, "request_id", ev.RequestID, "previous_state", e.rec.State.String())
		if e.rec.State == types.StateComplete {
			t.pending++
		}
		e.rec = rec
		e.gen = t.nextGen
		e.finished = false
	} else {
		t.nextSeq++
		t.entries[ev.RequestID] = &entry{rec: rec, seq: t.nextSeq, gen: t.nextGen}
		t.pending++
	}
	t.evictLocked()
	t.mu.Unlock()

	t.changed()
}

// OnResponseHeaders attaches response metadata to a started record.
func (t *Tracker) OnResponseHeaders(ev ResponseHeaders) {
	t.mu.Lock()
	e, ok := t.entries[ev.RequestID]
	if !ok || e.finished || e.rec.State == types.StateComplete {
		t.mu.Unlock()
		slog.Debug("dropping response for unknown or finished request", "target_id", t.targetID, "request_id", ev.RequestID)
		return
	}
	end := ev.Timestamp
	e.rec.EndTimestamp = &end
	e.rec.Response = &types.ResponseInfo{
		Status:     ev.Status,
		StatusText: ev.StatusText,
		Headers:    ev.Headers,
		MimeType:   ev.MimeType,
	}
	e.rec.State = types.StateResponseReceived
	t.mu.Unlock()

	t.changed()
}

// OnLoadingFinished records the transfer size and starts the body fetch.
// The record reaches StateComplete when the fetch returns, with or without a body.
func (t *Tracker) OnLoadingFinished(ev LoadingFinished, fetcher BodyFetcher) {
	t.mu.Lock()
	e, ok := t.entries[ev.RequestID]
	if !ok || e.finished || e.rec.State != types.StateResponseReceived {
		t.mu.Unlock()
		slog.Debug("dropping loading finished out of order", "target_id", t.targetID, "request_id", ev.RequestID)
		return
	}
	e.finished = true
	e.rec.Response.EncodedDataLength = ev.EncodedDataLength
	gen := e.gen
	t.fetches.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.fetches.Done()
		t.Complete(t.fetch(ev.RequestID, gen, fetcher))
	}()
}

func (t *Tracker) fetch(requestID string, gen uint64, fetcher BodyFetcher) FetchResult {
	res := FetchResult{RequestID: requestID, Generation: gen}
	if fetcher == nil {
		res.Err = errNoFetcher
		return res
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.BodyTimeout)
	defer cancel()
	res.Body, res.Err = fetcher.FetchBody(ctx, requestID)
	return res
}

// Complete applies a body fetch result against the current tracker state. It
// is a no-op when the record was removed or replaced since the fetch started.
func (t *Tracker) Complete(res FetchResult) {
	t.mu.Lock()
	e, ok := t.entries[res.RequestID]
	if !ok || e.gen != res.Generation || !e.finished || e.rec.State != types.StateResponseReceived {
		t.mu.Unlock()
		slog.Debug("discarding body for stale record", "target_id", t.targetID, "request_id", res.RequestID)
		return
	}
	if res.Err != nil {
		slog.Debug("failed to get response body", "target_id", t.targetID, "request_id", res.RequestID, "error", res.Err)
	} else {
		text := res.Body.Text
		e.rec.Response.Body = &text
		e.rec.Response.Base64Encoded = res.Body.Base64Encoded
	}
	e.rec.State = types.StateComplete
	t.pending--
	rec := cloneRecord(e.rec)
	t.mu.Unlock()

	if t.opts.OnComplete != nil {
		t.opts.OnComplete(rec)
	}
	t.changed()
}

// SnapshotComplete returns copies of all complete records in arrival order.
func (t *Tracker) SnapshotComplete() []types.RequestRecord {
	t.mu.RLock()
	picked := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.rec.State == types.StateComplete {
			picked = append(picked, e)
		}
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].seq < picked[j].seq })
	out := make([]types.RequestRecord, 0, len(picked))
	for _, e := range picked {
		out = append(out, cloneRecord(e.rec))
	}
	t.mu.RUnlock()
	return out
}

// Len returns the number of tracked records in any state.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Counts returns the total and complete record counts.
func (t *Tracker) Counts() (total, complete int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.rec.State == types.StateComplete {
			complete++
		}
	}
	return len(t.entries), complete
}

// Reset discards every record. Outstanding fetches complete as no-ops.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.entries = make(map[string]*entry)
	t.pending = 0
	t.mu.Unlock()

	t.changed()
}

// Close discards every record and makes the tracker ignore further events.
// Fetches still in flight find no record and complete as no-ops.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.entries = make(map[string]*entry)
	t.pending = 0
	t.mu.Unlock()
}

// Wait blocks until all outstanding body fetches have been applied.
func (t *Tracker) Wait() {
	t.fetches.Wait()
}

// evictLocked drops the oldest incomplete records beyond MaxPending.
func (t *Tracker) evictLocked() {
	if t.opts.MaxPending <= 0 {
		return
	}
	for t.pending > t.opts.MaxPending {
		var oldest *entry
		for _, e := range t.entries {
			if e.rec.State == types.StateComplete {
				continue
			}
			if oldest == nil || e.seq < oldest.seq {
				oldest = e
			}
		}
		if oldest == nil {
			return
		}
		delete(t.entries, oldest.rec.RequestID)
		t.pending--
		slog.Warn("evicted incomplete request", "target_id", t.targetID, "request_id", oldest.rec.RequestID, "max_pending", t.opts.MaxPending)
	}
}

func (t *Tracker) changed() {
	if t.opts.OnChange != nil {
		t.opts.OnChange()
	}
}

// cloneRecord copies the mutable parts of a record so snapshots never alias
// tracker state.
func cloneRecord(r types.RequestRecord) types.RequestRecord {
	out := r
	if r.EndTimestamp != nil {
		end := *r.EndTimestamp
		out.EndTimestamp = &end
	}
	if r.Response != nil {
		resp := *r.Response
		out.Response = &resp
	}
	return out
}
