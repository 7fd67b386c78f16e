package capture

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/harcollector/internal/types"
)

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]Body
	fail   map[string]bool
	gate   chan struct{}
	calls  []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{bodies: map[string]Body{}, fail: map[string]bool{}}
}

func (f *fakeFetcher) FetchBody(ctx context.Context, requestID string) (Body, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Body{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, requestID)
	if f.fail[requestID] {
		return Body{}, errors.New("no resource with given identifier found")
	}
	return f.bodies[requestID], nil
}

func started(id string, ts float64) RequestStarted {
	return RequestStarted{
		RequestID: id,
		URL:       "https://x/" + id,
		Method:    "GET",
		Headers:   types.Headers{},
		WallTime:  1700000000,
		Timestamp: ts,
	}
}

func headers(id string, ts float64) ResponseHeaders {
	return ResponseHeaders{RequestID: id, Status: 200, StatusText: "OK", Headers: types.Headers{}, MimeType: "text/plain", Timestamp: ts}
}

func TestTrackerOrderedSequenceCompletes(t *testing.T) {
	f := newFakeFetcher()
	f.bodies["r1"] = Body{Text: "hello"}
	tr := NewTracker("T1", TrackerOptions{})

	tr.Apply(started("r1", 0.0), f)
	tr.Apply(headers("r1", 0.2), f)
	tr.Apply(LoadingFinished{RequestID: "r1", EncodedDataLength: 42}, f)
	tr.Wait()

	recs := tr.SnapshotComplete()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, types.StateComplete, rec.State)
	require.NotNil(t, rec.Response)
	require.NotNil(t, rec.Response.Body)
	assert.Equal(t, "hello", *rec.Response.Body)
	assert.False(t, rec.Response.Base64Encoded)
	assert.Equal(t, int64(42), rec.Response.EncodedDataLength)
	assert.InDelta(t, 200, rec.ElapsedMillis(), 1e-9)
}

func TestTrackerDropsUnknownAndOutOfOrder(t *testing.T) {
	f := newFakeFetcher()
	tr := NewTracker("T1", TrackerOptions{})

	t.Run("unknown_ids_never_create_records", func(t *testing.T) {
		tr.OnResponseHeaders(headers("ghost", 1))
		tr.OnLoadingFinished(LoadingFinished{RequestID: "ghost"}, f)
		tr.Wait()
		assert.Equal(t, 0, tr.Len())
	})

	t.Run("finished_before_headers_is_ignored", func(t *testing.T) {
		tr.OnRequestStarted(started("r2", 0))
		tr.OnLoadingFinished(LoadingFinished{RequestID: "r2", EncodedDataLength: 10}, f)
		tr.Wait()
		assert.Empty(t, tr.SnapshotComplete())
		assert.Equal(t, 1, tr.Len())
		assert.Empty(t, f.calls)
	})

	t.Run("duplicate_finished_fetches_once", func(t *testing.T) {
		tr.OnResponseHeaders(headers("r2", 1))
		tr.OnLoadingFinished(LoadingFinished{RequestID: "r2"}, f)
		tr.OnLoadingFinished(LoadingFinished{RequestID: "r2"}, f)
		tr.Wait()
		assert.Len(t, tr.SnapshotComplete(), 1)
		assert.Equal(t, []string{"r2"}, f.calls)
	})

	t.Run("headers_after_complete_are_ignored", func(t *testing.T) {
		tr.OnResponseHeaders(ResponseHeaders{RequestID: "r2", Status: 500})
		recs := tr.SnapshotComplete()
		require.Len(t, recs, 1)
		assert.Equal(t, 200, recs[0].Response.Status)
	})
}

func TestTrackerFetchFailureStillCompletes(t *testing.T) {
	f := newFakeFetcher()
	f.fail["r1"] = true
	tr := NewTracker("T1", TrackerOptions{})

	tr.OnRequestStarted(started("r1", 0))
	tr.OnResponseHeaders(headers("r1", 0.1))
	tr.OnLoadingFinished(LoadingFinished{RequestID: "r1", EncodedDataLength: 7}, f)
	tr.Wait()

	recs := tr.SnapshotComplete()
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].Response.Body)
	assert.Equal(t, int64(7), recs[0].Response.EncodedDataLength)
}

func TestTrackerResetDiscardsInFlightFetch(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	f.bodies["r1"] = Body{Text: "late"}
	tr := NewTracker("T1", TrackerOptions{})

	tr.OnRequestStarted(started("r1", 0))
	tr.OnResponseHeaders(headers("r1", 0.1))
	tr.OnLoadingFinished(LoadingFinished{RequestID: "r1"}, f)

	tr.Reset()
	close(f.gate)
	tr.Wait()

	assert.Empty(t, tr.SnapshotComplete())
	assert.Equal(t, 0, tr.Len())

	tr.Reset()
	assert.Empty(t, tr.SnapshotComplete())
}

func TestTrackerRestartedIDIgnoresStaleFetch(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	f.bodies["r1"] = Body{Text: "old"}
	tr := NewTracker("T1", TrackerOptions{})

	tr.OnRequestStarted(started("r0", 0))
	tr.OnRequestStarted(started("r1", 0))
	tr.OnResponseHeaders(headers("r1", 0.1))
	tr.OnLoadingFinished(LoadingFinished{RequestID: "r1"}, f)

	restarted := started("r1", 5)
	restarted.URL = "https://x/retry"
	tr.OnRequestStarted(restarted)
	close(f.gate)
	tr.Wait()

	assert.Empty(t, tr.SnapshotComplete())
	assert.Equal(t, 2, tr.Len())

	f.gate = nil
	tr.OnResponseHeaders(headers("r1", 5.5))
	tr.OnLoadingFinished(LoadingFinished{RequestID: "r1"}, f)
	tr.OnResponseHeaders(headers("r0", 1))
	tr.OnLoadingFinished(LoadingFinished{RequestID: "r0"}, f)
	tr.Wait()

	recs := tr.SnapshotComplete()
	require.Len(t, recs, 2)
	assert.Equal(t, "r0", recs[0].RequestID)
	assert.Equal(t, "https://x/retry", recs[1].URL)
	assert.InDelta(t, 500, recs[1].ElapsedMillis(), 1e-6)
}

func TestTrackerSnapshotKeepsArrivalOrder(t *testing.T) {
	f := newFakeFetcher()
	tr := NewTracker("T1", TrackerOptions{})
	ids := []string{"c", "a", "b"}
	for _, id := range ids {
		tr.OnRequestStarted(started(id, 0))
	}
	for i := len(ids) - 1; i >= 0; i-- {
		tr.OnResponseHeaders(headers(ids[i], 1))
		tr.OnLoadingFinished(LoadingFinished{RequestID: ids[i]}, f)
	}
	tr.Wait()

	var got []string
	for _, r := range tr.SnapshotComplete() {
		got = append(got, r.RequestID)
	}
	assert.Equal(t, ids, got)
}

func TestTrackerSnapshotIsACopy(t *testing.T) {
	f := newFakeFetcher()
	f.bodies["r1"] = Body{Text: "hello"}
	tr := NewTracker("T1", TrackerOptions{})
	tr.OnRequestStarted(started("r1", 0))
	tr.OnResponseHeaders(headers("r1", 1))
	tr.OnLoadingFinished(LoadingFinished{RequestID: "r1"}, f)
	tr.Wait()

	first := tr.SnapshotComplete()
	first[0].Response.Status = 999
	*first[0].EndTimestamp = 100

	second := tr.SnapshotComplete()
	assert.Equal(t, 200, second[0].Response.Status)
	assert.Equal(t, 1.0, *second[0].EndTimestamp)
}

func TestTrackerMaxPendingEvictsOldestIncomplete(t *testing.T) {
	f := newFakeFetcher()
	tr := NewTracker("T1", TrackerOptions{MaxPending: 2})

	tr.OnRequestStarted(started("done", 0))
	tr.OnResponseHeaders(headers("done", 1))
	tr.OnLoadingFinished(LoadingFinished{RequestID: "done"}, f)
	tr.Wait()

	tr.OnRequestStarted(started("p1", 0))
	tr.OnRequestStarted(started("p2", 0))
	tr.OnRequestStarted(started("p3", 0))

	assert.Equal(t, 3, tr.Len())
	total, complete := tr.Counts()
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, complete)

	tr.OnResponseHeaders(headers("p1", 1))
	tr.OnLoadingFinished(LoadingFinished{RequestID: "p1"}, f)
	tr.Wait()
	assert.Len(t, tr.SnapshotComplete(), 1, "p1 was evicted and must not complete")
}

func TestTrackerNilFetcherCompletesWithoutBody(t *testing.T) {
	tr := NewTracker("T1", TrackerOptions{})
	tr.OnRequestStarted(started("r1", 0))
	tr.OnResponseHeaders(headers("r1", 1))
	tr.OnLoadingFinished(LoadingFinished{RequestID: "r1"}, nil)
	tr.Wait()

	recs := tr.SnapshotComplete()
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].Response.Body)
}

func TestTrackerConcurrentSnapshot(t *testing.T) {
	f := newFakeFetcher()
	tr := NewTracker("T1", TrackerOptions{})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, r := range tr.SnapshotComplete() {
				if r.Response == nil || r.State != types.StateComplete {
					t.Errorf("snapshot observed incomplete record %+v", r)
					return
				}
			}
		}
	}()

	for i := 0; i < 200; i++ {
		id := string(rune('a'+i%26)) + string(rune('a'+i/26))
		tr.OnRequestStarted(started(id, 0))
		tr.OnResponseHeaders(headers(id, 1))
		tr.OnLoadingFinished(LoadingFinished{RequestID: id}, f)
	}
	tr.Wait()
	close(stop)
	wg.Wait()

	assert.Len(t, tr.SnapshotComplete(), 200)
}
