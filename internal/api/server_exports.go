package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/harcollector/internal/archive"
)

var harResponses = map[string]*huma.Response{
	"200": {
		Description: "HAR 1.2 document",
		Content: map[string]*huma.MediaType{
			"application/json": {
				Schema: &huma.Schema{Type: "string", Format: "binary"},
			},
		},
	},
}

func registerExportHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{
		OperationID: "download-har",
		Method:      http.MethodGet,
		Path:        "/api/v1/har",
		Summary:     "Download HAR",
		Description: "Builds a HAR from every complete record and returns it without storing it.",
		Tags:        []string{"Exports"},
		Responses:   harResponses,
	}, func(ctx context.Context, input *struct{}) (*harOutput, error) {
		filename, payload, err := svc.DownloadArchive(ctx)
		if err != nil {
			return nil, mapErr(err)
		}
		return harDownload(filename, payload), nil
	})

	huma.Register(api, huma.Operation{OperationID: "create-export", Method: http.MethodPost, Path: "/api/v1/exports", Summary: "Export HAR", Description: "Builds a HAR from every complete record and stores it in the export directory.", Tags: []string{"Exports"}, DefaultStatus: http.StatusCreated},
		func(ctx context.Context, input *struct{}) (*exportOutput, error) {
			meta, err := svc.ExportArchive(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &exportOutput{Body: meta}, nil
		})

	type listExportsOutput struct {
		Body struct {
			Exports []archive.Meta `json:"exports"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-exports", Method: http.MethodGet, Path: "/api/v1/exports", Summary: "List exports", Tags: []string{"Exports"}},
		func(ctx context.Context, input *struct{}) (*listExportsOutput, error) {
			exports, err := svc.ListExports()
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listExportsOutput{}
			out.Body.Exports = exports
			if out.Body.Exports == nil {
				out.Body.Exports = []archive.Meta{}
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-export", Method: http.MethodGet, Path: "/api/v1/exports/{export_id}", Summary: "Get export metadata", Tags: []string{"Exports"}},
		func(ctx context.Context, input *exportIDInput) (*exportOutput, error) {
			meta, err := svc.GetExport(input.ExportID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &exportOutput{Body: meta}, nil
		})

	huma.Register(api, huma.Operation{
		OperationID: "download-export",
		Method:      http.MethodGet,
		Path:        "/api/v1/exports/{export_id}/download",
		Summary:     "Download stored export",
		Tags:        []string{"Exports"},
		Responses:   harResponses,
	}, func(ctx context.Context, input *exportIDInput) (*harOutput, error) {
		payload, meta, err := svc.ReadExport(input.ExportID)
		if err != nil {
			return nil, mapErr(err)
		}
		return harDownload(meta.Filename, payload), nil
	})

	type deleteOutput struct {
		Body struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "delete-export", Method: http.MethodDelete, Path: "/api/v1/exports/{export_id}", Summary: "Delete export", Tags: []string{"Exports"}},
		func(ctx context.Context, input *exportIDInput) (*deleteOutput, error) {
			if err := svc.DeleteExport(input.ExportID); err != nil {
				return nil, mapErr(err)
			}
			out := &deleteOutput{}
			out.Body.ID = input.ExportID
			out.Body.Status = "deleted"
			return out, nil
		})
}
