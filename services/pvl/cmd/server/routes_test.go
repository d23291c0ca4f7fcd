package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"planlane/pkg/domain"
	"planlane/pkg/httpx"
	"planlane/services/pvl/internal/orchestrator"
)

type fakePipeline struct {
	summary    *domain.RunSummary
	runErr     error
	export     *orchestrator.ExportResult
	submission *domain.SubmissionRecord
	subErr     error
	rearmed    domain.SubmissionRecord
	rearmErr   error
	lastPlanID string
}

func (f *fakePipeline) Run(context.Context) (*domain.RunSummary, error) {
	return f.summary, f.runErr
}

func (f *fakePipeline) RunPlan(_ context.Context, planID string) (*domain.RunSummary, error) {
	f.lastPlanID = planID
	return f.summary, f.runErr
}

func (f *fakePipeline) ExportPayloads(context.Context) (*orchestrator.ExportResult, error) {
	return f.export, f.runErr
}

func (f *fakePipeline) AssignIdentifiers(context.Context) (*domain.RunSummary, error) {
	return f.summary, f.runErr
}

func (f *fakePipeline) Submission(_ context.Context, planID string) (*domain.SubmissionRecord, error) {
	f.lastPlanID = planID
	return f.submission, f.subErr
}

func (f *fakePipeline) Rearm(_ context.Context, planID string) (domain.SubmissionRecord, error) {
	f.lastPlanID = planID
	return f.rearmed, f.rearmErr
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func okSummary() *domain.RunSummary {
	return &domain.RunSummary{
		RunID:    "run_01TEST",
		Action:   orchestrator.ActionValidatePlans,
		Eligible: 2,
		Counts:   map[domain.SubmissionState]int{domain.StateProcessed: 2},
	}
}

func TestRunsEndpointValidatePlans(t *testing.T) {
	p := &fakePipeline{summary: okSummary()}
	rr := doJSON(t, newRouter(p, nil), "POST", "/pvl/runs", `{"action":"validate_plans"}`)
	if rr.Code != 200 {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Outcome string             `json:"outcome"`
		Summary *domain.RunSummary `json:"summary"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Outcome != string(domain.RunSucceeded) {
		t.Fatalf("outcome = %q", resp.Outcome)
	}
	if resp.Summary.RunID != "run_01TEST" {
		t.Fatalf("summary = %+v", resp.Summary)
	}
}

func TestRunsEndpointSinglePlanRequiresID(t *testing.T) {
	p := &fakePipeline{summary: okSummary()}
	rr := doJSON(t, newRouter(p, nil), "POST", "/pvl/runs", `{"action":"validate_plan"}`)
	if rr.Code != 400 {
		t.Fatalf("status = %d", rr.Code)
	}

	rr = doJSON(t, newRouter(p, nil), "POST", "/pvl/runs", `{"action":"validate_plan","plan_id":"pln_9"}`)
	if rr.Code != 200 {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if p.lastPlanID != "pln_9" {
		t.Fatalf("plan id = %q", p.lastPlanID)
	}
}

func TestRunsEndpointUnknownAction(t *testing.T) {
	rr := doJSON(t, newRouter(&fakePipeline{}, nil), "POST", "/pvl/runs", `{"action":"reticulate"}`)
	if rr.Code != 400 {
		t.Fatalf("status = %d", rr.Code)
	}
	var env httpx.ErrorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != "VALIDATION" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestRunsEndpointAuthFailureMapsToGateway(t *testing.T) {
	p := &fakePipeline{runErr: fmt.Errorf("authenticate with gateway: %w", &domain.AuthError{Status: 401, Detail: "expired key"})}
	rr := doJSON(t, newRouter(p, nil), "POST", "/pvl/runs", `{"action":"validate_plans"}`)
	if rr.Code != 502 {
		t.Fatalf("status = %d", rr.Code)
	}
	var env httpx.ErrorEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != "GATEWAY_AUTH" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestRunsEndpointUnknownPlanMapsToNotFound(t *testing.T) {
	p := &fakePipeline{runErr: domain.ErrPlanNotFound}
	rr := doJSON(t, newRouter(p, nil), "POST", "/pvl/runs", `{"action":"validate_plan","plan_id":"pln_nope"}`)
	if rr.Code != 404 {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestRunsEndpointExportPayloads(t *testing.T) {
	p := &fakePipeline{export: &orchestrator.ExportResult{
		Payloads: map[string]json.RawMessage{"pln_1": json.RawMessage(`{"planKey":"pln_1"}`)},
	}}
	rr := doJSON(t, newRouter(p, nil), "POST", "/pvl/runs", `{"action":"export_payloads"}`)
	if rr.Code != 200 {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"planKey":"pln_1"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestSubmissionEndpoint(t *testing.T) {
	p := &fakePipeline{}
	rr := doJSON(t, newRouter(p, nil), "GET", "/pvl/plans/pln_1/submission", "")
	if rr.Code != 404 {
		t.Fatalf("status = %d for untracked plan", rr.Code)
	}

	p.submission = &domain.SubmissionRecord{PlanID: "pln_1", State: domain.StatePolling, JobHandle: "job-7"}
	rr = doJSON(t, newRouter(p, nil), "GET", "/pvl/plans/pln_1/submission", "")
	if rr.Code != 200 {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if p.lastPlanID != "pln_1" {
		t.Fatalf("plan id = %q", p.lastPlanID)
	}
	if !strings.Contains(rr.Body.String(), `"state":"POLLING"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestRetryEndpointStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"cleared", nil, 200},
		{"unknown plan", domain.ErrPlanNotFound, 404},
		{"in flight", domain.ErrStateConflict, 409},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakePipeline{rearmErr: tc.err, rearmed: domain.SubmissionRecord{PlanID: "pln_1", State: domain.StatePending}}
			rr := doJSON(t, newRouter(p, nil), "POST", "/pvl/plans/pln_1/retry", "")
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d", rr.Code, tc.want)
			}
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	rr := doJSON(t, newRouter(&fakePipeline{}, nil), "GET", "/health", "")
	if rr.Code != 200 {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestRequestIDThreadsThroughResponse(t *testing.T) {
	p := &fakePipeline{summary: okSummary()}
	req := httptest.NewRequest("POST", "/pvl/runs", strings.NewReader(`{"action":"validate_plans"}`))
	req.Header.Set("X-Request-Id", "req_caller_trace_7")
	rr := httptest.NewRecorder()
	newRouter(p, nil).ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-Id"); got != "req_caller_trace_7" {
		t.Fatalf("header = %q, want inbound ID echoed", got)
	}
	var out struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.RequestID != "req_caller_trace_7" {
		t.Fatalf("request_id = %q, want the same ID in the envelope", out.RequestID)
	}
}

func TestRequestIDMintedWhenAbsent(t *testing.T) {
	rr := doJSON(t, newRouter(&fakePipeline{summary: okSummary()}, nil), "POST", "/pvl/runs", `{}`)
	if got := rr.Header().Get("X-Request-Id"); !strings.HasPrefix(got, "req_") {
		t.Fatalf("header = %q, want a minted req_ ID", got)
	}
}
