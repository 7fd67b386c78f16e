package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/harcollector/internal/archive"
	"github.com/dgnsrekt/harcollector/internal/controller"
	"github.com/dgnsrekt/harcollector/internal/types"
)

type stubService struct {
	status    controller.Status
	startIDs  []string
	attachErr error
	stopErr   error
	targets   []types.TargetInfo
	targetErr error
	exports   []archive.Meta
	payload   []byte
	deleteErr error
}

func (s *stubService) Status() controller.Status { return s.status }
func (s *stubService) StartCapture(ctx context.Context, ids []string) (controller.Status, error) {
	s.startIDs = ids
	s.status.Enabled = true
	return s.status, nil
}
func (s *stubService) AttachTarget(ctx context.Context, id string) (controller.Status, error) {
	return s.status, s.attachErr
}
func (s *stubService) StopCapture(ctx context.Context) (controller.Status, error) {
	s.status.Enabled = false
	return s.status, nil
}
func (s *stubService) StopTarget(ctx context.Context, id string) (controller.Status, error) {
	return s.status, s.stopErr
}
func (s *stubService) ClearData() controller.Status { return s.status }
func (s *stubService) Targets(ctx context.Context) ([]types.TargetInfo, error) {
	return s.targets, s.targetErr
}
func (s *stubService) ExportArchive(ctx context.Context) (archive.Meta, error) {
	return archive.Meta{ID: "11111111-2222-3333-4444-555555555555", Filename: "a.har"}, nil
}
func (s *stubService) DownloadArchive(ctx context.Context) (string, []byte, error) {
	return "har-capture-2024-05-01T08-20-30_123Z.har", s.payload, nil
}
func (s *stubService) ListExports() ([]archive.Meta, error) { return s.exports, nil }
func (s *stubService) GetExport(id string) (archive.Meta, error) {
	for _, m := range s.exports {
		if m.ID == id {
			return m, nil
		}
	}
	return archive.Meta{}, &controller.CodedError{Code: controller.CodeExportNotFound, Message: "export not found: " + id}
}
func (s *stubService) ReadExport(id string) ([]byte, archive.Meta, error) {
	m, err := s.GetExport(id)
	if err != nil {
		return nil, archive.Meta{}, err
	}
	return s.payload, m, nil
}
func (s *stubService) DeleteExport(id string) error { return s.deleteErr }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDocsDarkMode(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := do(t, h, http.MethodGet, "/docs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); !strings.Contains(body, `data-theme="dark"`) || !strings.Contains(body, "/api/v1/events") {
		t.Fatalf("docs missing dark theme or event stream pointer")
	}
}

func TestHealth(t *testing.T) {
	h := NewServer(&stubService{status: controller.Status{Enabled: true}}, nil)
	w := do(t, h, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got struct {
		Status         string `json:"status"`
		CaptureEnabled bool   `json:"capture_enabled"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "ok" || !got.CaptureEnabled {
		t.Fatalf("health = %+v; want ok and enabled", got)
	}
}

func TestStartCapturePassesTargetIDs(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, nil)
	w := do(t, h, http.MethodPost, "/api/v1/capture/start", `{"target_ids":["T1","T2"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(svc.startIDs) != 2 || svc.startIDs[0] != "T1" {
		t.Fatalf("StartCapture ids = %v; want [T1 T2]", svc.startIDs)
	}
	var st controller.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Enabled {
		t.Fatalf("Enabled = false; want true")
	}
}

func TestStartCaptureEmptyBody(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, nil)
	w := do(t, h, http.MethodPost, "/api/v1/capture/start", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(svc.startIDs) != 0 {
		t.Fatalf("StartCapture ids = %v; want empty", svc.startIDs)
	}
}

func TestErrorMapping(t *testing.T) {
	coded := func(code string) error { return &controller.CodedError{Code: code, Message: "boom"} }
	tests := []struct {
		name   string
		svc    *stubService
		method string
		path   string
		want   int
	}{
		{"capture disabled", &stubService{attachErr: coded(controller.CodeCaptureDisabled)}, http.MethodPost, "/api/v1/capture/sessions/T1", http.StatusConflict},
		{"session not found", &stubService{stopErr: coded(controller.CodeSessionNotFound)}, http.MethodDelete, "/api/v1/capture/sessions/T1", http.StatusNotFound},
		{"validation", &stubService{stopErr: coded(controller.CodeValidation)}, http.MethodDelete, "/api/v1/capture/sessions/T1", http.StatusBadRequest},
		{"cdp unavailable", &stubService{targetErr: coded(controller.CodeCDPUnavailable)}, http.MethodGet, "/api/v1/targets", http.StatusBadGateway},
		{"delivery failed", &stubService{deleteErr: coded(controller.CodeDeliveryFailed)}, http.MethodDelete, "/api/v1/exports/x", http.StatusInternalServerError},
		{"plain error", &stubService{deleteErr: errors.New("disk")}, http.MethodDelete, "/api/v1/exports/x", http.StatusInternalServerError},
		{"export not found", &stubService{}, http.MethodGet, "/api/v1/exports/missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, NewServer(tt.svc, nil), tt.method, tt.path, "")
			if w.Code != tt.want {
				t.Fatalf("status = %d; want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestTargetsNeverNull(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := do(t, h, http.MethodGet, "/api/v1/targets", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"targets":[]`) {
		t.Fatalf("body = %s; want empty targets array", w.Body.String())
	}
}

func TestDownloadHARSetsAttachmentHeaders(t *testing.T) {
	payload := []byte("{\n  \"log\": {}\n}")
	h := NewServer(&stubService{payload: payload}, nil)
	w := do(t, h, http.MethodGet, "/api/v1/har", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Disposition"); got != `attachment; filename="har-capture-2024-05-01T08-20-30_123Z.har"` {
		t.Fatalf("Content-Disposition = %q", got)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q; want application/json", got)
	}
	if w.Body.String() != string(payload) {
		t.Fatalf("body = %q; want %q", w.Body.String(), payload)
	}
}

func TestExportLifecycleRoutes(t *testing.T) {
	id := "11111111-2222-3333-4444-555555555555"
	svc := &stubService{
		payload: []byte(`{"log":{}}`),
		exports: []archive.Meta{{ID: id, Filename: "stored.har", CreatedAt: time.Unix(0, 0).UTC()}},
	}
	h := NewServer(svc, nil)

	w := do(t, h, http.MethodPost, "/api/v1/exports", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", w.Code)
	}

	w = do(t, h, http.MethodGet, "/api/v1/exports", "")
	var list struct {
		Exports []archive.Meta `json:"exports"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Exports) != 1 || list.Exports[0].ID != id {
		t.Fatalf("exports = %+v", list.Exports)
	}

	w = do(t, h, http.MethodGet, "/api/v1/exports/"+id+"/download", "")
	if w.Code != http.StatusOK {
		t.Fatalf("download status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "stored.har") {
		t.Fatalf("Content-Disposition = %q", w.Header().Get("Content-Disposition"))
	}

	w = do(t, h, http.MethodDelete, "/api/v1/exports/"+id, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"deleted"`) {
		t.Fatalf("delete = %d %s", w.Code, w.Body.String())
	}
}

func TestEventsRouteMounted(t *testing.T) {
	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	})
	h := NewServer(&stubService{}, events)
	w := do(t, h, http.MethodGet, "/api/v1/events", "")
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q; want text/event-stream", got)
	}

	w = do(t, NewServer(&stubService{}, nil), http.MethodGet, "/api/v1/events", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status without events = %d; want 404", w.Code)
	}
}
