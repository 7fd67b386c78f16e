package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/dgnsrekt/harcollector/internal/archive"
	"github.com/dgnsrekt/harcollector/internal/capture"
	"github.com/dgnsrekt/harcollector/internal/config"
	"github.com/dgnsrekt/harcollector/internal/export"
	"github.com/dgnsrekt/harcollector/internal/har"
	"github.com/dgnsrekt/harcollector/internal/notify"
	"github.com/dgnsrekt/harcollector/internal/types"
)

// fakeDriver mimics a CDP driver: attaching starts a registry session.
type fakeDriver struct {
	reg       *capture.Registry
	targets   []types.TargetInfo
	listErr   error
	attachErr map[string]error

	mu       sync.Mutex
	attached []string
}

func (d *fakeDriver) Targets(ctx context.Context) ([]types.TargetInfo, error) {
	return d.targets, d.listErr
}

func (d *fakeDriver) Attach(ctx context.Context, id string) error {
	if err := d.attachErr[id]; err != nil {
		return err
	}
	d.mu.Lock()
	d.attached = append(d.attached, id)
	d.mu.Unlock()
	d.reg.StartSession(id)
	return nil
}

func (d *fakeDriver) Detach(ctx context.Context, id string) error {
	d.reg.StopSession(id)
	return nil
}

func (d *fakeDriver) DetachAll(ctx context.Context) error {
	for _, id := range d.reg.TargetIDs() {
		d.reg.StopSession(id)
	}
	return nil
}

func (d *fakeDriver) attachedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.attached...)
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []any
}

func (p *recordingPublisher) PublishExport(payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
}

func newTestService(t *testing.T, opts Options) (*Service, *fakeDriver, *capture.Registry) {
	t.Helper()
	reg := capture.NewRegistry(capture.RegistryOptions{})
	store, err := archive.NewStore(t.TempDir(), false)
	if err != nil {
		t.Fatalf("archive.NewStore() failed: %v", err)
	}
	d := &fakeDriver{
		reg: reg,
		targets: []types.TargetInfo{
			{TargetID: "T1", Type: "page", URL: "https://shop.example.com/"},
			{TargetID: "T2", Type: "page", URL: "https://ads.example.com/"},
			{TargetID: "T3", Type: "page", URL: "chrome://newtab/"},
			{TargetID: "W1", Type: "service_worker", URL: "https://shop.example.com/sw.js"},
		},
	}
	s := NewService(Deps{
		Driver:      d,
		Registry:    reg,
		Coordinator: export.NewCoordinator(reg, har.NewAssembler("", ""), nil),
		Store:       store,
	}, opts)
	return s, d, reg
}

func completeExchange(reg *capture.Registry, target, id string) {
	f := capture.BodyFetcherFunc(func(ctx context.Context, requestID string) (capture.Body, error) {
		return capture.Body{Text: "ok"}, nil
	})
	reg.Apply(target, capture.RequestStarted{RequestID: id, URL: "https://shop.example.com/" + id, Method: "GET", Headers: types.Headers{}, WallTime: 1700000000}, f)
	reg.Apply(target, capture.ResponseHeaders{RequestID: id, Status: 200, StatusText: "OK", Headers: types.Headers{}, Timestamp: 0.1}, f)
	reg.Apply(target, capture.LoadingFinished{RequestID: id, EncodedDataLength: 2}, f)
	reg.Wait()
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var coded *CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("error = %v (%T); want *CodedError", err, err)
	}
	return coded.Code
}

func TestRequireNonEmpty(t *testing.T) {
	s := &Service{}
	if err := s.requireNonEmpty("T1", "target_id"); err != nil {
		t.Fatalf("requireNonEmpty() = %v; want nil", err)
	}

	err := s.requireNonEmpty("   ", "target_id")
	if err == nil {
		t.Fatalf("requireNonEmpty() = nil; want validation error")
	}
	got, ok := err.(*CodedError)
	if !ok {
		t.Fatalf("requireNonEmpty() = %T; want *CodedError", err)
	}
	if got.Code != CodeValidation || got.Message != "target_id is required" {
		t.Fatalf("requireNonEmpty() = %q/%q; want %q/%q", got.Code, got.Message, CodeValidation, "target_id is required")
	}
}

func TestStartCaptureAttachesEligiblePages(t *testing.T) {
	rules := &config.Rules{Exclude: []config.Rule{{Name: "ads", URLPattern: "ads."}}}
	s, d, reg := newTestService(t, Options{Rules: rules})

	st, err := s.StartCapture(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartCapture() failed: %v", err)
	}
	if !st.Enabled {
		t.Fatalf("Status.Enabled = false; want true")
	}
	if got := d.attachedIDs(); len(got) != 1 || got[0] != "T1" {
		t.Fatalf("attached = %v; want [T1]", got)
	}
	if !reg.Has("T1") || len(st.Sessions) != 1 {
		t.Fatalf("sessions = %+v; want one session for T1", st.Sessions)
	}
}

func TestStartCaptureExplicitTargets(t *testing.T) {
	s, d, _ := newTestService(t, Options{})
	if _, err := s.StartCapture(context.Background(), []string{"T2", " "}); codeOf(t, err) != CodeValidation {
		t.Fatalf("StartCapture(blank) code = %v; want VALIDATION", err)
	}

	d.attachErr = map[string]error{"T9": errors.New("no such target")}
	if _, err := s.StartCapture(context.Background(), []string{"T9"}); codeOf(t, err) != CodeCDPUnavailable {
		t.Fatalf("StartCapture(T9) = %v; want CDP_UNAVAILABLE", err)
	}

	if _, err := s.StartCapture(context.Background(), []string{"T2", "T9"}); err != nil {
		t.Fatalf("StartCapture(T2,T9) = %v; want partial success", err)
	}
}

func TestStartCaptureListFailure(t *testing.T) {
	s, d, _ := newTestService(t, Options{})
	d.listErr = errors.New("connection refused")
	_, err := s.StartCapture(context.Background(), nil)
	if codeOf(t, err) != CodeCDPUnavailable {
		t.Fatalf("StartCapture() = %v; want CDP_UNAVAILABLE", err)
	}
	if _, err := s.Targets(context.Background()); codeOf(t, err) != CodeCDPUnavailable {
		t.Fatalf("Targets() = %v; want CDP_UNAVAILABLE", err)
	}
}

func TestAttachTargetRequiresEnabled(t *testing.T) {
	s, _, reg := newTestService(t, Options{})
	if _, err := s.AttachTarget(context.Background(), "T1"); codeOf(t, err) != CodeCaptureDisabled {
		t.Fatalf("AttachTarget() = %v; want CAPTURE_DISABLED", err)
	}
	if _, err := s.StartCapture(context.Background(), []string{"T2"}); err != nil {
		t.Fatalf("StartCapture() failed: %v", err)
	}
	if _, err := s.AttachTarget(context.Background(), "T1"); err != nil {
		t.Fatalf("AttachTarget() = %v; want nil", err)
	}
	if ids := reg.TargetIDs(); len(ids) != 2 || ids[0] != "T2" || ids[1] != "T1" {
		t.Fatalf("TargetIDs() = %v; want [T2 T1]", ids)
	}
}

func TestStopTargetAndStopCapture(t *testing.T) {
	s, _, reg := newTestService(t, Options{})
	if _, err := s.StopTarget(context.Background(), "T1"); codeOf(t, err) != CodeSessionNotFound {
		t.Fatalf("StopTarget(unknown) = %v; want SESSION_NOT_FOUND", err)
	}
	if _, err := s.StartCapture(context.Background(), []string{"T1", "T2"}); err != nil {
		t.Fatalf("StartCapture() failed: %v", err)
	}
	st, err := s.StopTarget(context.Background(), "T1")
	if err != nil {
		t.Fatalf("StopTarget() failed: %v", err)
	}
	if len(st.Sessions) != 1 || st.Sessions[0].TargetID != "T2" {
		t.Fatalf("sessions = %+v; want only T2", st.Sessions)
	}

	st, err = s.StopCapture(context.Background())
	if err != nil {
		t.Fatalf("StopCapture() failed: %v", err)
	}
	if st.Enabled || len(st.Sessions) != 0 || len(reg.TargetIDs()) != 0 {
		t.Fatalf("Status after StopCapture() = %+v; want disabled with no sessions", st)
	}
}

func TestClearDataKeepsSessions(t *testing.T) {
	s, _, reg := newTestService(t, Options{})
	if _, err := s.StartCapture(context.Background(), []string{"T1"}); err != nil {
		t.Fatalf("StartCapture() failed: %v", err)
	}
	completeExchange(reg, "T1", "r1")
	if st := s.Status(); st.LiveCount != 1 || st.Sessions[0].Complete != 1 {
		t.Fatalf("Status() = %+v; want one complete record", st)
	}

	st := s.ClearData()
	if st.LiveCount != 0 || len(st.Sessions) != 1 || st.Sessions[0].Total != 0 {
		t.Fatalf("ClearData() = %+v; want T1 kept with no records", st)
	}
}

func TestOnTargetChangedPolicy(t *testing.T) {
	s, d, _ := newTestService(t, Options{AutoAttach: true, TabURLFilter: "shop."})
	page := types.TargetInfo{TargetID: "T5", Type: "page", URL: "https://shop.example.com/x"}

	s.OnTargetChanged(page)
	if len(d.attachedIDs()) != 0 {
		t.Fatalf("auto-attached while capture disabled")
	}

	if _, err := s.StartCapture(context.Background(), []string{"T1"}); err != nil {
		t.Fatalf("StartCapture() failed: %v", err)
	}
	s.OnTargetChanged(types.TargetInfo{TargetID: "T6", Type: "page", URL: "https://blog.example.com/"})
	s.OnTargetChanged(types.TargetInfo{TargetID: "T7", Type: "page", URL: "about:blank"})
	s.OnTargetChanged(page)
	s.OnTargetChanged(page)

	if got := d.attachedIDs(); len(got) != 2 || got[1] != "T5" {
		t.Fatalf("attached = %v; want [T1 T5]", got)
	}
	s.OnTargetGone("T5")
}

func TestExportArchiveStoresAndNotifies(t *testing.T) {
	notified := make(chan string, 1)
	ntfy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		notified <- r.URL.Path
	}))
	defer ntfy.Close()

	s, _, reg := newTestService(t, Options{})
	pub := &recordingPublisher{}
	s.deps.Publisher = pub
	s.deps.Notifier = notify.New(ntfy.URL+"/harcap", nil)

	if _, err := s.StartCapture(context.Background(), []string{"T1"}); err != nil {
		t.Fatalf("StartCapture() failed: %v", err)
	}
	completeExchange(reg, "T1", "r1")

	meta, err := s.ExportArchive(context.Background())
	if err != nil {
		t.Fatalf("ExportArchive() failed: %v", err)
	}
	if path := <-notified; path != "/harcap" {
		t.Fatalf("notification path = %q; want /harcap", path)
	}
	if len(pub.payloads) != 1 {
		t.Fatalf("published %d export events; want 1", len(pub.payloads))
	}

	data, got, err := s.ReadExport(meta.ID)
	if err != nil {
		t.Fatalf("ReadExport() failed: %v", err)
	}
	if got.ID != meta.ID {
		t.Fatalf("ReadExport() meta = %+v; want %s", got, meta.ID)
	}
	var doc har.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("stored export is not JSON: %v", err)
	}
	if len(doc.Log.Entries) != 1 {
		t.Fatalf("entries = %d; want 1", len(doc.Log.Entries))
	}

	list, err := s.ListExports()
	if err != nil || len(list) != 1 {
		t.Fatalf("ListExports() = %v, %v; want one export", list, err)
	}
	if err := s.DeleteExport(meta.ID); err != nil {
		t.Fatalf("DeleteExport() failed: %v", err)
	}
	if _, err := s.GetExport(meta.ID); codeOf(t, err) != CodeExportNotFound {
		t.Fatalf("GetExport() after delete = %v; want EXPORT_NOT_FOUND", err)
	}
}

func TestExportIDValidation(t *testing.T) {
	s, _, _ := newTestService(t, Options{})
	if _, err := s.GetExport("nope"); codeOf(t, err) != CodeValidation {
		t.Fatalf("GetExport(nope) = %v; want VALIDATION", err)
	}
	if err := s.DeleteExport(""); codeOf(t, err) != CodeValidation {
		t.Fatalf("DeleteExport(\"\") = %v; want VALIDATION", err)
	}
}

func TestExportArchiveDeliveryFailure(t *testing.T) {
	s, _, _ := newTestService(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ExportArchive(ctx)
	if codeOf(t, err) != CodeDeliveryFailed {
		t.Fatalf("ExportArchive() = %v; want DELIVERY_FAILED", err)
	}
	if !export.IsDeliveryError(err) {
		t.Fatalf("ExportArchive() error does not wrap *export.DeliveryError")
	}
}

func TestDownloadArchive(t *testing.T) {
	s, _, reg := newTestService(t, Options{})
	if _, err := s.StartCapture(context.Background(), []string{"T1"}); err != nil {
		t.Fatalf("StartCapture() failed: %v", err)
	}
	completeExchange(reg, "T1", "r1")

	name, payload, err := s.DownloadArchive(context.Background())
	if err != nil {
		t.Fatalf("DownloadArchive() failed: %v", err)
	}
	if len(name) == 0 || len(payload) == 0 {
		t.Fatalf("DownloadArchive() = %q, %d bytes; want named payload", name, len(payload))
	}
	if list, _ := s.ListExports(); len(list) != 0 {
		t.Fatalf("DownloadArchive() stored %d exports; want none", len(list))
	}
}

func TestDownloadArchiveDeliveryFailure(t *testing.T) {
	s, _, _ := newTestService(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.DownloadArchive(ctx)
	if codeOf(t, err) != CodeDeliveryFailed || !export.IsDeliveryError(err) {
		t.Fatalf("DownloadArchive() = %v; want DELIVERY_FAILED wrapping *export.DeliveryError", err)
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", newError(CodeSessionNotFound, "gone", nil))
	if got := CodeOf(wrapped); got != CodeSessionNotFound {
		t.Fatalf("CodeOf() = %q; want %q", got, CodeSessionNotFound)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf(plain) = %q; want empty", got)
	}
}
