package main

import (
	"context"
	"errors"
	"net/http"

	"planlane/pkg/domain"
	"planlane/pkg/httpx"
	"planlane/services/pvl/internal/orchestrator"

	"github.com/go-chi/chi/v5"
)

// pipeline is the orchestrator surface the HTTP API drives. Tests swap
// in a fake.
type pipeline interface {
	Run(ctx context.Context) (*domain.RunSummary, error)
	RunPlan(ctx context.Context, planID string) (*domain.RunSummary, error)
	ExportPayloads(ctx context.Context) (*orchestrator.ExportResult, error)
	AssignIdentifiers(ctx context.Context) (*domain.RunSummary, error)
	Submission(ctx context.Context, planID string) (*domain.SubmissionRecord, error)
	Rearm(ctx context.Context, planID string) (domain.SubmissionRecord, error)
}

func newRouter(p pipeline, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestIDs)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Route("/pvl", func(api chi.Router) {

		api.Post("/runs", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Action string `json:"action"`
				PlanID string `json:"plan_id"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
				return
			}

			switch req.Action {
			case "", orchestrator.ActionValidatePlans:
				summary, err := p.Run(r.Context())
				if err != nil {
					writeRunError(w, r, err)
					return
				}
				writeSummary(w, r, summary)

			case orchestrator.ActionValidatePlan:
				if req.PlanID == "" {
					httpx.WriteError(w, r, 400, "VALIDATION", "plan_id is required for validate_plan", nil)
					return
				}
				summary, err := p.RunPlan(r.Context(), req.PlanID)
				if err != nil {
					writeRunError(w, r, err)
					return
				}
				writeSummary(w, r, summary)

			case orchestrator.ActionExportPayloads:
				out, err := p.ExportPayloads(r.Context())
				if err != nil {
					writeRunError(w, r, err)
					return
				}
				httpx.WriteJSON(w, 200, map[string]any{
					"request_id": httpx.RequestID(r),
					"payloads":   out.Payloads,
					"faults":     out.Faults,
				})

			case orchestrator.ActionAssignIdentifiers:
				summary, err := p.AssignIdentifiers(r.Context())
				if err != nil {
					writeRunError(w, r, err)
					return
				}
				writeSummary(w, r, summary)

			default:
				httpx.WriteError(w, r, 400, "VALIDATION", "unknown action "+req.Action, nil)
			}
		})

		api.Get("/plans/{plan_id}/submission", func(w http.ResponseWriter, r *http.Request) {
			rec, err := p.Submission(r.Context(), chi.URLParam(r, "plan_id"))
			if err != nil {
				httpx.WriteError(w, r, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if rec == nil {
				httpx.WriteError(w, r, 404, "NOT_FOUND", "no submission tracked for plan", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "submission": rec})
		})

		api.Post("/plans/{plan_id}/retry", func(w http.ResponseWriter, r *http.Request) {
			rec, err := p.Rearm(r.Context(), chi.URLParam(r, "plan_id"))
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrPlanNotFound):
					httpx.WriteError(w, r, 404, "NOT_FOUND", err.Error(), nil)
				case errors.Is(err, domain.ErrStateConflict):
					httpx.WriteError(w, r, 409, "CONFLICT", "submission is in flight, retry once it settles", nil)
				default:
					httpx.WriteError(w, r, 500, "DB_ERROR", err.Error(), nil)
				}
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.RequestID(r), "submission": rec})
		})
	})

	return r
}

func writeSummary(w http.ResponseWriter, r *http.Request, summary *domain.RunSummary) {
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.RequestID(r),
		"outcome":    summary.Outcome(),
		"summary":    summary,
	})
}

// writeRunError maps failures that abort a whole run before any plan
// is touched.
func writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		authErr     *domain.AuthError
		transport   *domain.TransportError
		persistence *domain.PersistenceError
	)
	switch {
	case errors.Is(err, domain.ErrPlanNotFound):
		httpx.WriteError(w, r, 404, "NOT_FOUND", err.Error(), nil)
	case errors.As(err, &authErr):
		httpx.WriteError(w, r, 502, "GATEWAY_AUTH", err.Error(), nil)
	case errors.As(err, &transport):
		httpx.WriteError(w, r, 502, "GATEWAY_UNREACHABLE", err.Error(), nil)
	case errors.As(err, &persistence):
		httpx.WriteError(w, r, 500, "DB_ERROR", err.Error(), nil)
	default:
		httpx.WriteError(w, r, 500, "INTERNAL", err.Error(), nil)
	}
}
