// Package controller implements the capture service behind the HTTP API:
// capture on/off state, target attachment policy and HAR exports.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/harcollector/internal/archive"
	"github.com/dgnsrekt/harcollector/internal/capture"
	"github.com/dgnsrekt/harcollector/internal/config"
	"github.com/dgnsrekt/harcollector/internal/export"
	"github.com/dgnsrekt/harcollector/internal/notify"
	"github.com/dgnsrekt/harcollector/internal/types"
)

const autoAttachTimeout = 10 * time.Second

// Driver attaches the event feed to browser targets.
type Driver interface {
	Targets(ctx context.Context) ([]types.TargetInfo, error)
	Attach(ctx context.Context, targetID string) error
	Detach(ctx context.Context, targetID string) error
	DetachAll(ctx context.Context) error
}

// ExportPublisher announces stored exports to live clients.
type ExportPublisher interface {
	PublishExport(payload any)
}

// Deps are the collaborators of a Service. Store, Notifier and Publisher
// are optional.
type Deps struct {
	Driver      Driver
	Registry    *capture.Registry
	Coordinator *export.Coordinator
	Store       *archive.Store
	Notifier    *notify.Notifier
	Publisher   ExportPublisher
}

// Options control which targets are captured.
type Options struct {
	TabURLFilter string
	Rules        *config.Rules
	AutoAttach   bool
}

// Service wraps capture control and export operations.
type Service struct {
	deps    Deps
	opts    Options
	enabled atomic.Bool
	mu      sync.Mutex
}

func NewService(deps Deps, opts Options) *Service {
	return &Service{deps: deps, opts: opts}
}

// SessionStatus summarizes one captured target.
type SessionStatus struct {
	TargetID string `json:"target_id"`
	Total    int    `json:"total"`
	Complete int    `json:"complete"`
}

// Status is the capture state reported to clients.
type Status struct {
	Enabled   bool            `json:"enabled"`
	LiveCount int             `json:"live_count"`
	Sessions  []SessionStatus `json:"sessions"`
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return newError(CodeValidation, fieldName+" is required", nil)
	}
	return nil
}

// Enabled reports whether capture is on.
func (s *Service) Enabled() bool { return s.enabled.Load() }

// Eligible reports whether a target passes the capture policy.
func (s *Service) Eligible(info types.TargetInfo) bool {
	if !info.Capturable() {
		return false
	}
	if f := s.opts.TabURLFilter; f != "" && !strings.Contains(strings.ToLower(info.URL), strings.ToLower(f)) {
		return false
	}
	return s.opts.Rules.Match(info.URL)
}

// StartCapture enables capture and attaches the given targets, or every
// eligible page when targetIDs is empty.
func (s *Service) StartCapture(ctx context.Context, targetIDs []string) (Status, error) {
	for _, id := range targetIDs {
		if err := s.requireNonEmpty(id, "target_id"); err != nil {
			return Status{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(targetIDs) == 0 {
		targets, err := s.deps.Driver.Targets(ctx)
		if err != nil {
			return Status{}, newError(CodeCDPUnavailable, "list targets", err)
		}
		for _, t := range targets {
			if s.Eligible(t) {
				targetIDs = append(targetIDs, t.TargetID)
			}
		}
	}

	s.enabled.Store(true)
	var errs []error
	for _, id := range targetIDs {
		if err := s.deps.Driver.Attach(ctx, strings.TrimSpace(id)); err != nil {
			slog.Warn("attach failed", "target_id", id, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && len(errs) == len(targetIDs) {
		return s.Status(), newError(CodeCDPUnavailable, "attach failed for every target", errors.Join(errs...))
	}
	slog.Info("capture started", "targets", len(targetIDs)-len(errs))
	return s.Status(), nil
}

// AttachTarget adds one target while capture is enabled.
func (s *Service) AttachTarget(ctx context.Context, targetID string) (Status, error) {
	if err := s.requireNonEmpty(targetID, "target_id"); err != nil {
		return Status{}, err
	}
	if !s.enabled.Load() {
		return Status{}, newError(CodeCaptureDisabled, "capture is not enabled", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deps.Driver.Attach(ctx, strings.TrimSpace(targetID)); err != nil {
		return Status{}, newError(CodeCDPUnavailable, "attach "+targetID, err)
	}
	return s.Status(), nil
}

// StopCapture disables capture, detaches every target and discards all
// sessions.
func (s *Service) StopCapture(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enabled.Store(false)
	err := s.deps.Driver.DetachAll(ctx)
	s.deps.Registry.StopAll()
	if err != nil {
		slog.Warn("detach all failed", "error", err)
	}
	slog.Info("capture stopped")
	return s.Status(), nil
}

// StopTarget detaches one target and discards its session.
func (s *Service) StopTarget(ctx context.Context, targetID string) (Status, error) {
	if err := s.requireNonEmpty(targetID, "target_id"); err != nil {
		return Status{}, err
	}
	targetID = strings.TrimSpace(targetID)
	if !s.deps.Registry.Has(targetID) {
		return Status{}, newError(CodeSessionNotFound, "no capture session for "+targetID, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deps.Driver.Detach(ctx, targetID); err != nil {
		s.deps.Registry.StopSession(targetID)
		return s.Status(), newError(CodeCDPUnavailable, "detach "+targetID, err)
	}
	return s.Status(), nil
}

// ClearData drops every captured record while keeping sessions attached.
func (s *Service) ClearData() Status {
	s.deps.Registry.Reset()
	slog.Info("capture data cleared")
	return s.Status()
}

// Status reports capture state and per-session counts.
func (s *Service) Status() Status {
	st := Status{
		Enabled:   s.enabled.Load(),
		LiveCount: s.deps.Registry.LiveRequestCount(),
		Sessions:  []SessionStatus{},
	}
	for _, id := range s.deps.Registry.TargetIDs() {
		t, ok := s.deps.Registry.Tracker(id)
		if !ok {
			continue
		}
		total, complete := t.Counts()
		st.Sessions = append(st.Sessions, SessionStatus{TargetID: id, Total: total, Complete: complete})
	}
	return st
}

// Targets lists browser targets.
func (s *Service) Targets(ctx context.Context) ([]types.TargetInfo, error) {
	targets, err := s.deps.Driver.Targets(ctx)
	if err != nil {
		return nil, newError(CodeCDPUnavailable, "list targets", err)
	}
	return targets, nil
}

// OnTargetChanged attaches newly eligible pages while capture is enabled.
func (s *Service) OnTargetChanged(info types.TargetInfo) {
	if !s.opts.AutoAttach || !s.enabled.Load() || info.Attached || !s.Eligible(info) {
		return
	}
	if s.deps.Registry.Has(info.TargetID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), autoAttachTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled.Load() {
		return
	}
	if err := s.deps.Driver.Attach(ctx, info.TargetID); err != nil {
		slog.Warn("auto-attach failed", "target_id", info.TargetID, "url", info.URL, "error", err)
		return
	}
	slog.Info("auto-attached target", "target_id", info.TargetID, "url", info.URL)
}

// OnTargetGone logs a target that closed while captured.
func (s *Service) OnTargetGone(targetID string) {
	slog.Info("captured target closed", "target_id", targetID, "live_count", s.deps.Registry.LiveRequestCount())
}

// ExportArchive builds a HAR from every complete record and stores it.
func (s *Service) ExportArchive(ctx context.Context) (archive.Meta, error) {
	if s.deps.Store == nil {
		return archive.Meta{}, newError(CodeDeliveryFailed, "no export store configured", nil)
	}
	var meta archive.Meta
	sink := export.SinkFunc(func(ctx context.Context, filename string, payload []byte) error {
		m, err := s.deps.Store.Save(ctx, filename, payload)
		meta = m
		return err
	})
	res, err := s.deps.Coordinator.ExportTo(ctx, sink)
	if err != nil {
		if export.IsDeliveryError(err) {
			return archive.Meta{}, newError(CodeDeliveryFailed, "store export", err)
		}
		return archive.Meta{}, err
	}

	if s.deps.Publisher != nil {
		s.deps.Publisher.PublishExport(exportEvent{Meta: meta, Entries: res.Entries})
	}
	if err := s.deps.Notifier.ExportStored(ctx, meta.ID, meta.Filename, res.Entries); err != nil {
		slog.Warn("export notification failed", "export_id", meta.ID, "error", err)
	}
	return meta, nil
}

type exportEvent struct {
	archive.Meta
	Entries int `json:"entries"`
}

// DownloadArchive builds a HAR and returns it without storing it.
func (s *Service) DownloadArchive(ctx context.Context) (string, []byte, error) {
	buf := &export.BufferSink{}
	if _, err := s.deps.Coordinator.ExportTo(ctx, buf); err != nil {
		if export.IsDeliveryError(err) {
			return "", nil, newError(CodeDeliveryFailed, "deliver export", err)
		}
		return "", nil, err
	}
	filename, payload := buf.Last()
	return filename, payload, nil
}

func (s *Service) requireStore() error {
	if s.deps.Store == nil {
		return newError(CodeExportNotFound, "no export store configured", nil)
	}
	return nil
}

func (s *Service) validateExportID(id string) error {
	if err := s.requireNonEmpty(id, "export_id"); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return newError(CodeValidation, "export_id must be a uuid", err)
	}
	return s.requireStore()
}

func mapStoreErr(id string, err error) error {
	if errors.Is(err, archive.ErrNotFound) {
		return newError(CodeExportNotFound, "export not found: "+id, err)
	}
	return err
}

// ListExports returns stored exports, newest first.
func (s *Service) ListExports() ([]archive.Meta, error) {
	if err := s.requireStore(); err != nil {
		return nil, err
	}
	return s.deps.Store.List()
}

// GetExport returns metadata for one stored export.
func (s *Service) GetExport(id string) (archive.Meta, error) {
	if err := s.validateExportID(id); err != nil {
		return archive.Meta{}, err
	}
	meta, err := s.deps.Store.Get(id)
	if err != nil {
		return archive.Meta{}, mapStoreErr(id, err)
	}
	return meta, nil
}

// ReadExport returns the HAR bytes of a stored export.
func (s *Service) ReadExport(id string) ([]byte, archive.Meta, error) {
	if err := s.validateExportID(id); err != nil {
		return nil, archive.Meta{}, err
	}
	data, meta, err := s.deps.Store.Read(id)
	if err != nil {
		return nil, archive.Meta{}, mapStoreErr(id, err)
	}
	return data, meta, nil
}

// DeleteExport removes a stored export.
func (s *Service) DeleteExport(id string) error {
	if err := s.validateExportID(id); err != nil {
		return err
	}
	return mapStoreErr(id, s.deps.Store.Delete(id))
}
