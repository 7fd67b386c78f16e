package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/harcollector/internal/archive"
	"github.com/dgnsrekt/harcollector/internal/controller"
	"github.com/dgnsrekt/harcollector/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	Status() controller.Status
	StartCapture(ctx context.Context, targetIDs []string) (controller.Status, error)
	AttachTarget(ctx context.Context, targetID string) (controller.Status, error)
	StopCapture(ctx context.Context) (controller.Status, error)
	StopTarget(ctx context.Context, targetID string) (controller.Status, error)
	ClearData() controller.Status
	Targets(ctx context.Context) ([]types.TargetInfo, error)
	ExportArchive(ctx context.Context) (archive.Meta, error)
	DownloadArchive(ctx context.Context) (string, []byte, error)
	ListExports() ([]archive.Meta, error)
	GetExport(id string) (archive.Meta, error)
	ReadExport(id string) ([]byte, archive.Meta, error)
	DeleteExport(id string) error
}

type statusOutput struct {
	Body controller.Status
}

type targetIDInput struct {
	TargetID string `path:"target_id" doc:"Browser target ID"`
}

type exportIDInput struct {
	ExportID string `path:"export_id" doc:"Export ID (UUID)"`
}

type exportOutput struct {
	Body archive.Meta
}

type harOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

// NewServer mounts the capture API. events, when non-nil, is served at
// /api/v1/events.
func NewServer(svc Service, events http.Handler) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("HAR Collector API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if events != nil {
		router.Method(http.MethodGet, "/api/v1/events", events)
	}

	registerCaptureHandlers(api, svc)
	registerExportHandlers(api, svc)

	return router
}

func harDownload(filename string, payload []byte) *harOutput {
	return &harOutput{
		ContentType:        "application/json",
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", filename),
		Body:               payload,
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *controller.CodedError
	if !errors.As(err, &coded) {
		return huma.Error500InternalServerError(err.Error())
	}
	switch coded.Code {
	case controller.CodeValidation:
		return huma.Error400BadRequest(coded.Message)
	case controller.CodeSessionNotFound, controller.CodeExportNotFound:
		return huma.Error404NotFound(coded.Message)
	case controller.CodeCaptureDisabled:
		return huma.Error409Conflict(coded.Message)
	case controller.CodeCDPUnavailable:
		return huma.Error502BadGateway(coded.Message)
	default:
		return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
	}
}
