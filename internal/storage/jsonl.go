package storage

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	errWriterClosed = errors.New("writer is closed")
	errBufferFull   = errors.New("buffer full")
)

const drainTimeout = 5 * time.Second

// JSONLWriter appends JSON lines to <baseDir>/<YYYY-MM-DD>/<name>.jsonl from a
// single goroutine, switching files when the UTC date changes.
type JSONLWriter struct {
	baseDir   string
	name      string
	maxSizeMB int

	queue     chan any
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	closeErr  error

	// owned by run
	day  string
	file *lumberjack.Logger
	now  func() time.Time
}

func NewJSONLWriter(baseDir, name string, bufferSize int, maxSizeMB int) *JSONLWriter {
	w := &JSONLWriter{
		baseDir:   baseDir,
		name:      name,
		maxSizeMB: maxSizeMB,
		queue:     make(chan any, max(bufferSize, 1)),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		now:       time.Now,
	}
	go w.run()
	return w
}

// Write queues record. A full queue drops it rather than block the caller.
func (w *JSONLWriter) Write(record any) error {
	select {
	case <-w.done:
		return errWriterClosed
	default:
	}
	select {
	case w.queue <- record:
		return nil
	default:
		slog.Warn("journal queue full, dropping record", "name", w.name)
		return errBufferFull
	}
}

// Close stops accepting records, writes what is queued and closes the file.
// Only the first call does any work.
func (w *JSONLWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		<-w.exited
	})
	return w.closeErr
}

func (w *JSONLWriter) run() {
	defer close(w.exited)
	for {
		select {
		case record := <-w.queue:
			w.append(record)
		case <-w.done:
			w.drain()
			if w.file != nil {
				w.closeErr = w.file.Close()
			}
			return
		}
	}
}

func (w *JSONLWriter) drain() {
	deadline := time.After(drainTimeout)
	for {
		select {
		case record := <-w.queue:
			w.append(record)
		case <-deadline:
			slog.Warn("journal drain timed out", "name", w.name, "left", len(w.queue))
			return
		default:
			return
		}
	}
}

func (w *JSONLWriter) append(record any) {
	line, err := json.Marshal(record)
	if err != nil {
		slog.Error("journal record not encodable", "name", w.name, "error", err)
		return
	}
	if day := w.now().UTC().Format(time.DateOnly); day != w.day || w.file == nil {
		if err := w.open(day); err != nil {
			slog.Error("journal file open failed", "name", w.name, "error", err)
			return
		}
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		slog.Error("journal write failed", "name", w.name, "error", err)
	}
}

func (w *JSONLWriter) open(day string) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	dir := filepath.Join(w.baseDir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w.file = &lumberjack.Logger{
		Filename:   filepath.Join(dir, w.name+".jsonl"),
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
	}
	w.day = day
	return nil
}
