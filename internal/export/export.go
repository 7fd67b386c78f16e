// Package export snapshots completed captures into a HAR document and hands it
// to a delivery sink.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/harcollector/internal/har"
	"github.com/dgnsrekt/harcollector/internal/types"
)

// Sink performs a one-shot save of a serialized archive.
type Sink interface {
	Deliver(ctx context.Context, filename string, payload []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, filename string, payload []byte) error

func (f SinkFunc) Deliver(ctx context.Context, filename string, payload []byte) error {
	return f(ctx, filename, payload)
}

// Source yields the complete records of every session in registration order.
type Source interface {
	SnapshotComplete() [][]types.RequestRecord
}

// DeliveryError reports a failed sink delivery. It is terminal for the export
// attempt; a retry is a new Export call.
type DeliveryError struct {
	Filename string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s: %v", e.Filename, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsDeliveryError reports whether err wraps a *DeliveryError.
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// Result summarizes a delivered export.
type Result struct {
	Filename string    `json:"filename"`
	Entries  int       `json:"entries"`
	Bytes    int       `json:"bytes"`
	At       time.Time `json:"at"`
}

// Coordinator ties a record source, the HAR assembler and a default sink.
type Coordinator struct {
	source    Source
	assembler *har.Assembler
	sink      Sink
	now       func() time.Time
}

// NewCoordinator returns a Coordinator. sink may be nil when every export
// names its own sink via ExportTo.
func NewCoordinator(source Source, assembler *har.Assembler, sink Sink) *Coordinator {
	if assembler == nil {
		assembler = har.NewAssembler("", "")
	}
	return &Coordinator{source: source, assembler: assembler, sink: sink, now: time.Now}
}

// Export builds the archive and delivers it to the default sink.
func (c *Coordinator) Export(ctx context.Context) (Result, error) {
	if c.sink == nil {
		return Result{}, errors.New("export: no sink configured")
	}
	return c.ExportTo(ctx, c.sink)
}

// ExportTo builds the archive from a fresh snapshot and delivers it to sink.
func (c *Coordinator) ExportTo(ctx context.Context, sink Sink) (Result, error) {
	doc := c.assembler.Document(c.source.SnapshotComplete())
	payload, err := har.Marshal(doc)
	if err != nil {
		return Result{}, fmt.Errorf("export: %w", err)
	}

	at := c.now()
	res := Result{
		Filename: har.Filename(at),
		Entries:  len(doc.Log.Entries),
		Bytes:    len(payload),
		At:       at,
	}
	if err := sink.Deliver(ctx, res.Filename, payload); err != nil {
		slog.Warn("har export delivery failed", "filename", res.Filename, "error", err)
		return Result{}, &DeliveryError{Filename: res.Filename, Err: err}
	}
	slog.Info("har exported", "filename", res.Filename, "entries", res.Entries, "bytes", res.Bytes)
	return res, nil
}

// BufferSink keeps the last delivered payload in memory.
type BufferSink struct {
	mu       sync.Mutex
	filename string
	payload  []byte
}

func (b *BufferSink) Deliver(ctx context.Context, filename string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filename = filename
	b.payload = append([]byte(nil), payload...)
	return nil
}

// Last returns the most recent delivery.
func (b *BufferSink) Last() (string, []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filename, b.payload
}
