package storage

import (
	"errors"
	"log/slog"
	"sync"
)

// WriterRegistry keys one JSONLWriter per journal file name.
type WriterRegistry struct {
	baseDir    string
	maxSizeMB  int
	bufferSize int

	mu      sync.Mutex
	writers map[string]*JSONLWriter
}

func NewWriterRegistry(baseDir string, bufferSize int, maxSizeMB int) *WriterRegistry {
	return &WriterRegistry{
		baseDir:    baseDir,
		maxSizeMB:  maxSizeMB,
		bufferSize: bufferSize,
		writers:    make(map[string]*JSONLWriter),
	}
}

// GetWriter returns the open writer for name, opening one on first use.
func (r *WriterRegistry) GetWriter(name string) *JSONLWriter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.writers[name]; ok {
		return w
	}
	w := NewJSONLWriter(r.baseDir, name, r.bufferSize, r.maxSizeMB)
	r.writers[name] = w
	slog.Debug("journal file opened", "name", name)
	return w
}

// Retain closes every writer whose name is not in keep.
func (r *WriterRegistry) Retain(keep map[string]bool) error {
	r.mu.Lock()
	var stale []*JSONLWriter
	for name, w := range r.writers {
		if !keep[name] {
			stale = append(stale, w)
			delete(r.writers, name)
		}
	}
	r.mu.Unlock()
	return closeAll(stale)
}

// Close closes every writer. GetWriter may reopen files afterwards.
func (r *WriterRegistry) Close() error {
	r.mu.Lock()
	all := make([]*JSONLWriter, 0, len(r.writers))
	for _, w := range r.writers {
		all = append(all, w)
	}
	r.writers = make(map[string]*JSONLWriter)
	r.mu.Unlock()
	return closeAll(all)
}

// Len reports how many writers are open.
func (r *WriterRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writers)
}

func closeAll(ws []*JSONLWriter) error {
	var errs []error
	for _, w := range ws {
		if err := w.Close(); err != nil {
			slog.Error("journal file close failed", "name", w.name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
