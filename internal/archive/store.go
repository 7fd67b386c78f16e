// Package archive keeps exported HAR documents on disk, each as a payload file
// plus a JSON metadata sidecar.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// ErrNotFound is returned when no export exists for an ID.
var ErrNotFound = errors.New("export not found")

// Meta describes a stored export.
type Meta struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	SizeBytes  int       `json:"size_bytes"`
	SHA256     string    `json:"sha256"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store manages export files in one directory.
type Store struct {
	dir      string
	compress bool
	mu       sync.RWMutex
	now      func() time.Time
}

// NewStore creates a Store and ensures the directory exists. When compress is
// set, payloads are written gzip-compressed.
func NewStore(dir string, compress bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, compress: compress, now: time.Now}, nil
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
		return fmt.Errorf("invalid export id: %q", id)
	}
	return nil
}

func (s *Store) payloadPath(meta Meta) string {
	if meta.Compressed {
		return filepath.Join(s.dir, meta.ID+".har.gz")
	}
	return filepath.Join(s.dir, meta.ID+".har")
}

// Deliver stores payload under a new ID. It satisfies export.Sink.
func (s *Store) Deliver(ctx context.Context, filename string, payload []byte) error {
	_, err := s.Save(ctx, filename, payload)
	return err
}

// Save stores payload and returns its metadata.
func (s *Store) Save(ctx context.Context, filename string, payload []byte) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}
	sum := sha256.Sum256(payload)
	meta := Meta{
		ID:         uuid.NewString(),
		Filename:   filename,
		SizeBytes:  len(payload),
		SHA256:     hex.EncodeToString(sum[:]),
		Compressed: s.compress,
		CreatedAt:  s.now().UTC(),
	}

	data := payload
	if meta.Compressed {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		zw.Name = filename
		if _, err := zw.Write(payload); err != nil {
			return Meta{}, fmt.Errorf("archive store: gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return Meta{}, fmt.Errorf("archive store: gzip: %w", err)
		}
		data = buf.Bytes()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.payloadPath(meta)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Meta{}, fmt.Errorf("archive store: write payload: %w", err)
	}
	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(path)
		return Meta{}, fmt.Errorf("archive store: marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, meta.ID+".json"), sidecar, 0o644); err != nil {
		_ = os.Remove(path)
		return Meta{}, fmt.Errorf("archive store: write meta: %w", err)
	}
	return meta, nil
}

// Get reads export metadata by ID.
func (s *Store) Get(id string) (Meta, error) {
	if err := validateID(id); err != nil {
		return Meta{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMeta(filepath.Join(s.dir, id+".json"))
}

func (s *Store) readMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, ErrNotFound
		}
		return Meta{}, fmt.Errorf("archive store: read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("archive store: unmarshal meta: %w", err)
	}
	return meta, nil
}

// List returns all exports, newest first.
func (s *Store) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("archive store: glob: %w", err)
	}
	metas := make([]Meta, 0, len(matches))
	for _, path := range matches {
		meta, err := s.readMeta(path)
		if err != nil {
			slog.Debug("skipping unreadable export meta", "path", path, "error", err)
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// Read returns the uncompressed HAR bytes of an export.
func (s *Store) Read(id string) ([]byte, Meta, error) {
	meta, err := s.Get(id)
	if err != nil {
		return nil, Meta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.payloadPath(meta))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Meta{}, ErrNotFound
		}
		return nil, Meta{}, fmt.Errorf("archive store: open payload: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if meta.Compressed {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, Meta{}, fmt.Errorf("archive store: gunzip: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("archive store: read payload: %w", err)
	}
	return data, meta, nil
}

// Delete removes an export's payload and sidecar.
func (s *Store) Delete(id string) error {
	meta, err := s.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.payloadPath(meta)); err != nil {
		slog.Debug("export payload cleanup failed", "export_id", id, "error", err)
	}
	if err := os.Remove(filepath.Join(s.dir, id+".json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive store: remove meta: %w", err)
	}
	return nil
}
