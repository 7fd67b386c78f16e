package storage

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/harcollector/internal/capture"
	"github.com/dgnsrekt/harcollector/internal/types"
)

// JournalLine is one completed record as written to the journal.
type JournalLine struct {
	RecordedAt    time.Time           `json:"recorded_at"`
	TargetID      string              `json:"target_id"`
	Host          string              `json:"host,omitempty"`
	PathSegment   string              `json:"path_segment"`
	DurationMS    float64             `json:"duration_ms"`
	BodyTruncated bool                `json:"body_truncated,omitempty"`
	BodySize      int                 `json:"body_size,omitempty"`
	BodySHA256    string              `json:"body_sha256,omitempty"`
	Record        types.RequestRecord `json:"record"`
}

// Journal appends every completed record to a per-target JSONL file. It is a
// capture.Observer that writes completions and closes files on detach.
type Journal struct {
	capture.NopObserver

	writers      *WriterRegistry
	maxBodyBytes int
	now          func() time.Time

	// Session sets are applied by one goroutine; a newer set replaces an
	// unapplied older one.
	mu      sync.Mutex
	keep    map[string]bool
	version uint64
	applied uint64
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewJournal writes under dir. Bodies longer than maxBodyBytes are truncated
// and fingerprinted; zero keeps them whole.
func NewJournal(dir string, bufferSize, maxSizeMB, maxBodyBytes int) *Journal {
	j := &Journal{
		writers:      NewWriterRegistry(dir, bufferSize, maxSizeMB),
		maxBodyBytes: maxBodyBytes,
		now:          time.Now,
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go j.retainLoop()
	return j
}

// RecordCompleted queues rec without blocking.
func (j *Journal) RecordCompleted(targetID string, rec types.RequestRecord) {
	host, segment := urlParts(rec.URL)
	line := JournalLine{
		RecordedAt:  j.now().UTC(),
		TargetID:    targetID,
		Host:        host,
		PathSegment: segment,
		DurationMS:  rec.ElapsedMillis(),
		Record:      rec,
	}
	if resp := rec.Response; resp != nil && resp.Body != nil {
		if clipped, ok := clipBody(*resp.Body, j.maxBodyBytes, resp.Base64Encoded); ok {
			cp := *resp
			cp.Body = &clipped
			line.Record.Response = &cp
			line.BodyTruncated = true
			line.BodySize = len(*resp.Body)
			line.BodySHA256 = fingerprint(*resp.Body)
		}
	}

	if err := j.writers.GetWriter(types.BrowserID(targetID)).Write(line); err != nil {
		slog.Debug("journal write dropped", "target_id", targetID, "request_id", rec.RequestID, "error", err)
	}
}

// SessionsChanged closes the files of targets that are no longer captured.
// It never blocks; the most recent set is applied in the background.
func (j *Journal) SessionsChanged(targetIDs []string) {
	keep := make(map[string]bool, len(targetIDs))
	for _, id := range targetIDs {
		keep[types.BrowserID(id)] = true
	}
	j.mu.Lock()
	j.keep = keep
	j.version++
	j.mu.Unlock()
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *Journal) retainLoop() {
	defer close(j.stopped)
	for {
		select {
		case <-j.stop:
			return
		case <-j.wake:
		}
		j.mu.Lock()
		keep, version := j.keep, j.version
		j.mu.Unlock()
		if err := j.writers.Retain(keep); err != nil {
			slog.Warn("journal close after detach failed", "error", err)
		}
		j.mu.Lock()
		j.applied = version
		j.mu.Unlock()
	}
}

// settled reports whether the latest session set has been applied.
func (j *Journal) settled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.applied == j.version
}

// Close flushes and closes every journal file.
func (j *Journal) Close() error {
	j.once.Do(func() {
		close(j.stop)
		<-j.stopped
	})
	return j.writers.Close()
}
