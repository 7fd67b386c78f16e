package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/harcollector/internal/types"
)

func registerCaptureHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status         string `json:"status"`
			CaptureEnabled bool   `json:"capture_enabled"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/api/v1/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.CaptureEnabled = svc.Status().Enabled
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-capture", Method: http.MethodGet, Path: "/api/v1/capture", Summary: "Capture status", Description: "Reports whether capture is enabled, the live request count and per-session record counts.", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return &statusOutput{Body: svc.Status()}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "start-capture", Method: http.MethodPost, Path: "/api/v1/capture/start", Summary: "Start capture", Description: "Enables capture and attaches to the given targets, or to every eligible page when target_ids is empty.", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct {
			Body struct {
				TargetIDs []string `json:"target_ids,omitempty" doc:"Targets to attach. Empty attaches every eligible page."`
			} `required:"false"`
		}) (*statusOutput, error) {
			st, err := svc.StartCapture(ctx, input.Body.TargetIDs)
			if err != nil {
				return nil, mapErr(err)
			}
			return &statusOutput{Body: st}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "stop-capture", Method: http.MethodPost, Path: "/api/v1/capture/stop", Summary: "Stop capture", Description: "Disables capture and detaches every session, discarding its records.", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			st, err := svc.StopCapture(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &statusOutput{Body: st}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "clear-capture", Method: http.MethodPost, Path: "/api/v1/capture/clear", Summary: "Clear captured data", Tags: []string{"Capture"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return &statusOutput{Body: svc.ClearData()}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "attach-target", Method: http.MethodPost, Path: "/api/v1/capture/sessions/{target_id}", Summary: "Attach one target", Tags: []string{"Capture"}},
		func(ctx context.Context, input *targetIDInput) (*statusOutput, error) {
			st, err := svc.AttachTarget(ctx, input.TargetID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &statusOutput{Body: st}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "detach-target", Method: http.MethodDelete, Path: "/api/v1/capture/sessions/{target_id}", Summary: "Detach one target", Tags: []string{"Capture"}},
		func(ctx context.Context, input *targetIDInput) (*statusOutput, error) {
			st, err := svc.StopTarget(ctx, input.TargetID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &statusOutput{Body: st}, nil
		})

	type targetsOutput struct {
		Body struct {
			Targets []types.TargetInfo `json:"targets"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-targets", Method: http.MethodGet, Path: "/api/v1/targets", Summary: "List browser targets", Tags: []string{"Targets"}},
		func(ctx context.Context, input *struct{}) (*targetsOutput, error) {
			targets, err := svc.Targets(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &targetsOutput{}
			out.Body.Targets = targets
			if out.Body.Targets == nil {
				out.Body.Targets = []types.TargetInfo{}
			}
			return out, nil
		})
}
