package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"planlane/pkg/domain"
	"planlane/services/pvl/internal/gateway"
	"planlane/services/pvl/internal/mapper"
	"planlane/services/pvl/internal/refdata"
	"planlane/services/pvl/internal/store"
)

func testCodes() *refdata.Snapshot {
	return refdata.NewSnapshot([]domain.CanonicalCode{
		{List: refdata.ListLifecycleStatus, Value: "APPROVED", URI: "http://registry.example/codes/lifecycle/06"},
		{List: refdata.ListPlanObjectKind, Value: "RESIDENTIAL_AREA", URI: "http://registry.example/codes/objectkind/01"},
		{List: refdata.ListRegulationKind, Value: "MAX_FLOORS", URI: "http://registry.example/codes/regulation/12"},
	})
}

func testPlan(id string) domain.Plan {
	approved := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	square := json.RawMessage(`{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}`)
	return domain.Plan{
		ID:              id,
		Name:            "Plan " + id,
		LifecycleStatus: "APPROVED",
		Scale:           10000,
		SRID:            3067,
		Geometry:        square,
		ApprovedAt:      &approved,
		Objects: []domain.PlanObject{
			{Key: "obj_1", Kind: "RESIDENTIAL_AREA", Geometry: square},
		},
		RegulationGroups: []domain.RegulationGroup{
			{Key: "grp_1", Regulations: []domain.Regulation{{Kind: "MAX_FLOORS", Value: "4"}}},
		},
		LastModified: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
}

// fakeStore mirrors the SQL store's semantics in memory.
type fakeStore struct {
	mu      sync.Mutex
	plans   map[string]domain.Plan
	records map[string]domain.SubmissionRecord
}

func newFakeStore(plans ...domain.Plan) *fakeStore {
	s := &fakeStore{plans: map[string]domain.Plan{}, records: map[string]domain.SubmissionRecord{}}
	for _, p := range plans {
		s.plans[p.ID] = p
	}
	return s
}

func (s *fakeStore) LoadSubmission(_ context.Context, planID string) (*domain.SubmissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[planID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *fakeStore) EnsureSubmission(_ context.Context, planID, fp string) (domain.SubmissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[planID]; ok {
		return rec, nil
	}
	rec := domain.SubmissionRecord{PlanID: planID, State: domain.StatePending, Fingerprint: fp, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	s.records[planID] = rec
	return rec, nil
}

func (s *fakeStore) Transition(_ context.Context, planID string, from domain.SubmissionState, t store.Transition) (domain.SubmissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[planID]
	if !ok || rec.State != from {
		return domain.SubmissionRecord{}, domain.ErrStateConflict
	}
	rec.State = t.To
	if t.To.HoldsJobHandle() && t.JobHandle != "" {
		rec.JobHandle = t.JobHandle
	} else {
		rec.JobHandle = ""
	}
	if t.Fingerprint != "" {
		rec.Fingerprint = t.Fingerprint
	}
	rec.LastSummary = t.Summary
	if t.To == domain.StateInvalid && len(t.Errors) > 0 {
		rec.ValidationErrors = t.Errors
	} else {
		rec.ValidationErrors = nil
	}
	rec.AttemptCount += t.AttemptDelta
	switch {
	case t.To == domain.StateFailed:
		rec.ConsecutiveFailures++
	case t.To.Settled():
		rec.ConsecutiveFailures = 0
	}
	if t.TouchAttempt {
		now := time.Now()
		rec.LastAttemptAt = &now
	}
	rec.UpdatedAt = time.Now()
	s.records[planID] = rec
	return rec, nil
}

func (s *fakeStore) ResetForRetry(_ context.Context, planID, newFP, summary string) (domain.SubmissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[planID]
	if !ok || !rec.State.Settled() {
		return domain.SubmissionRecord{}, domain.ErrStateConflict
	}
	rec.State = domain.StatePending
	rec.JobHandle = ""
	rec.Fingerprint = newFP
	rec.LastSummary = summary
	rec.ValidationErrors = nil
	rec.AttemptCount = 0
	rec.UpdatedAt = time.Now()
	s.records[planID] = rec
	return rec, nil
}

func (s *fakeStore) ClearFailures(_ context.Context, planID, summary string) (domain.SubmissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[planID]
	if !ok {
		return domain.SubmissionRecord{}, domain.ErrPlanNotFound
	}
	if rec.State == domain.StateSubmitted || rec.State == domain.StatePolling {
		return domain.SubmissionRecord{}, domain.ErrStateConflict
	}
	rec.State = domain.StatePending
	rec.JobHandle = ""
	rec.LastSummary = summary
	rec.ValidationErrors = nil
	rec.AttemptCount = 0
	rec.ConsecutiveFailures = 0
	rec.UpdatedAt = time.Now()
	s.records[planID] = rec
	return rec, nil
}

func (s *fakeStore) ListEligiblePlans(_ context.Context, statuses []string, limit int) ([]domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eligible := map[string]bool{}
	for _, st := range statuses {
		eligible[st] = true
	}
	var out []domain.Plan
	for _, p := range s.plans {
		if eligible[p.LifecycleStatus] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) GetPlan(_ context.Context, planID string) (domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return domain.Plan{}, domain.ErrPlanNotFound
	}
	return p, nil
}

func (s *fakeStore) SetPermanentIdentifier(_ context.Context, planID, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return domain.ErrPlanNotFound
	}
	p.PermanentIdentifier = identifier
	s.plans[planID] = p
	return nil
}

func (s *fakeStore) record(t *testing.T, planID string) domain.SubmissionRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[planID]
	if !ok {
		t.Fatalf("no submission record for %s", planID)
	}
	return rec
}

type submitCall struct {
	planKey string
	payload string
}

// fakeGateway scripts registry behavior per call.
type fakeGateway struct {
	mu            sync.Mutex
	authErr       error
	submitFn      func(planKey string, payload []byte) (string, error)
	pollFn        func(planID, handle string, nth int) (domain.PollResult, error)
	acquireFn     func(planID string) (string, error)
	authCalls     int
	acquireCalls  int
	submits       []submitCall
	pollCounts    map[string]int
	lastPollQuery string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{pollCounts: map[string]int{}}
}

func (g *fakeGateway) Authenticate(_ context.Context, _ domain.Credential) (gateway.Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authCalls++
	if g.authErr != nil {
		return "", g.authErr
	}
	return "tok", nil
}

func (g *fakeGateway) Submit(_ context.Context, _ gateway.Token, planKey string, payload []byte) (string, error) {
	g.mu.Lock()
	g.submits = append(g.submits, submitCall{planKey: planKey, payload: string(payload)})
	fn := g.submitFn
	g.mu.Unlock()
	if fn != nil {
		return fn(planKey, payload)
	}
	return "job-" + planKey, nil
}

func (g *fakeGateway) Poll(_ context.Context, _ gateway.Token, planID, handle string) (domain.PollResult, error) {
	g.mu.Lock()
	g.pollCounts[planID]++
	nth := g.pollCounts[planID]
	g.lastPollQuery = handle
	fn := g.pollFn
	g.mu.Unlock()
	if fn != nil {
		return fn(planID, handle, nth)
	}
	return domain.PollResult{Status: domain.PollCompleted, Outcome: domain.ValidationOutcome{Valid: true}}, nil
}

func (g *fakeGateway) AcquirePermanentIdentifier(_ context.Context, _ gateway.Token, planID string, _ gateway.IdentifierRequest) (string, error) {
	g.mu.Lock()
	g.acquireCalls++
	fn := g.acquireFn
	g.mu.Unlock()
	if fn != nil {
		return fn(planID)
	}
	return "MK-" + planID, nil
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submits)
}

func testConfig() Config {
	return Config{
		EligibleStatuses: []string{"APPROVED", "VALID"},
		MaxBatch:         10,
		Workers:          2,
		RunDeadline:      5 * time.Second,
		PollInterval:     time.Millisecond,
		PollBudget:       time.Second,
		FailureCeiling:   3,
		AdminArea:        "MUN-491",
	}
}

func testCreds(ctx context.Context) (domain.Credential, error) {
	return domain.Credential{ClientID: "client-1", APIKey: "sekrit"}, nil
}

func newTestOrchestrator(st StateStore, gw Gateway, cfg Config) *Orchestrator {
	m := mapper.New(testCodes(), 3067)
	quiet := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(cfg, st, gw, m, testCreds, WithLogger(quiet))
}

func TestRunValidatesPlanEndToEnd(t *testing.T) {
	st := newFakeStore(testPlan("pln_0001"))
	gw := newFakeGateway()
	o := newTestOrchestrator(st, gw, testConfig())

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Eligible != 1 || summary.Counts[domain.StateProcessed] != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Outcome() != domain.RunSucceeded {
		t.Fatalf("outcome = %s", summary.Outcome())
	}
	if len(summary.Assigned) != 1 || summary.Assigned[0] != "pln_0001" {
		t.Fatalf("assigned = %v", summary.Assigned)
	}

	rec := st.record(t, "pln_0001")
	if rec.State != domain.StateProcessed {
		t.Fatalf("state = %s", rec.State)
	}
	if rec.JobHandle != "job-pln_0001" {
		t.Fatalf("job handle = %q", rec.JobHandle)
	}
	if rec.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", rec.AttemptCount)
	}
	if len(rec.ValidationErrors) != 0 {
		t.Fatalf("validation errors = %+v", rec.ValidationErrors)
	}

	plan, _ := st.GetPlan(context.Background(), "pln_0001")
	if plan.PermanentIdentifier != "MK-pln_0001" {
		t.Fatalf("permanent identifier = %q", plan.PermanentIdentifier)
	}
	if gw.submitCount() != 1 || !strings.Contains(gw.submits[0].payload, `"permanentPlanIdentifier":"MK-pln_0001"`) {
		t.Fatalf("submitted payload = %s", gw.submits[0].payload)
	}
}

func TestRunMappingFailureSettlesInvalidWithoutWire(t *testing.T) {
	plan := testPlan("pln_0002")
	plan.Geometry = nil
	st := newFakeStore(plan)
	gw := newFakeGateway()
	o := newTestOrchestrator(st, gw, testConfig())

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Counts[domain.StateInvalid] != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	rec := st.record(t, "pln_0002")
	if rec.State != domain.StateInvalid {
		t.Fatalf("state = %s", rec.State)
	}
	if len(rec.ValidationErrors) != 1 {
		t.Fatalf("validation errors = %+v", rec.ValidationErrors)
	}
	issue := rec.ValidationErrors[0]
	if issue.FieldPath != "geographicalArea.geometry" || issue.Code != "required.missing" {
		t.Fatalf("issue = %+v", issue)
	}
	if rec.AttemptCount != 0 {
		t.Fatalf("attempt count = %d, want 0", rec.AttemptCount)
	}
	if gw.submitCount() != 0 || gw.acquireCalls != 0 || len(gw.pollCounts) != 0 {
		t.Fatal("locally invalid plan must not reach the registry")
	}
}

func TestRunIdempotentSkipOnUnchangedContent(t *testing.T) {
	st := newFakeStore(testPlan("pln_0003"))
	gw := newFakeGateway()
	o := newTestOrchestrator(st, gw, testConfig())

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(second.Unchanged) != 1 || second.Unchanged[0] != "pln_0003" {
		t.Fatalf("unchanged = %v", second.Unchanged)
	}
	if len(second.Counts) != 0 {
		t.Fatalf("second run transitioned states: %+v", second.Counts)
	}
	if gw.submitCount() != 1 {
		t.Fatalf("submits = %d, want 1", gw.submitCount())
	}
	if rec := st.record(t, "pln_0003"); rec.State != domain.StateProcessed || rec.AttemptCount != 1 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRunStaleContentTriggersResubmission(t *testing.T) {
	plan := testPlan("pln_0004")
	st := newFakeStore(plan)
	gw := newFakeGateway()
	o := newTestOrchestrator(st, gw, testConfig())

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	plan, _ = st.GetPlan(context.Background(), "pln_0004")
	plan.Description = "revised after council feedback"
	st.mu.Lock()
	st.plans["pln_0004"] = plan
	st.mu.Unlock()

	second, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(second.StaleResets) != 1 || second.StaleResets[0] != "pln_0004" {
		t.Fatalf("stale resets = %v", second.StaleResets)
	}
	if second.Counts[domain.StateProcessed] != 1 {
		t.Fatalf("counts = %+v", second.Counts)
	}
	if gw.submitCount() != 2 {
		t.Fatalf("submits = %d, want 2", gw.submitCount())
	}

	rec := st.record(t, "pln_0004")
	fp, _ := plan.ContentFingerprint()
	if rec.Fingerprint != fp {
		t.Fatal("fingerprint not refreshed after content change")
	}
	if rec.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1 after reset", rec.AttemptCount)
	}
}

func TestRunRemoteRejectionSettlesInvalid(t *testing.T) {
	st := newFakeStore(testPlan("pln_0005"))
	gw := newFakeGateway()
	gw.submitFn = func(string, []byte) (string, error) {
		return "", &domain.RemoteRejected{Status: 400, Outcome: domain.ValidationOutcome{
			Issues: []domain.ValidationIssue{
				{FieldPath: "planObjects[0].geometry", Code: "geometry.invalid", Message: "ring not closed"},
				{FieldPath: "planRegulationGroups[0]", Code: "regulation.unknown", Message: "no such kind"},
			},
		}}
	}
	o := newTestOrchestrator(st, gw, testConfig())

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Counts[domain.StateInvalid] != 1 {
		t.Fatalf("counts = %+v", summary.Counts)
	}

	rec := st.record(t, "pln_0005")
	if rec.State != domain.StateInvalid {
		t.Fatalf("state = %s", rec.State)
	}
	if len(rec.ValidationErrors) != 2 || rec.ValidationErrors[0].Code != "geometry.invalid" {
		t.Fatalf("errors = %+v", rec.ValidationErrors)
	}
	if rec.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", rec.AttemptCount)
	}
}

func TestRunTransportExhaustionSettlesFailed(t *testing.T) {
	st := newFakeStore(testPlan("pln_0006"))
	gw := newFakeGateway()
	gw.submitFn = func(string, []byte) (string, error) {
		return "", &domain.TransportError{Operation: "submit", Attempts: 3, Last: errors.New("gateway returned status 502")}
	}
	o := newTestOrchestrator(st, gw, testConfig())

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Counts[domain.StateFailed] != 1 || summary.Outcome() != domain.RunPartialFailure {
		t.Fatalf("summary = %+v outcome = %s", summary.Counts, summary.Outcome())
	}

	rec := st.record(t, "pln_0006")
	if rec.State != domain.StateFailed || rec.ConsecutiveFailures != 1 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRunFailureCeilingNeedsOperator(t *testing.T) {
	plan := testPlan("pln_0007")
	st := newFakeStore(plan)
	fp, _ := plan.ContentFingerprint()
	st.records["pln_0007"] = domain.SubmissionRecord{
		PlanID:              "pln_0007",
		State:               domain.StateFailed,
		Fingerprint:         fp,
		ConsecutiveFailures: 3,
	}
	gw := newFakeGateway()
	o := newTestOrchestrator(st, gw, testConfig())

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.NeedsOperator) != 1 || summary.NeedsOperator[0] != "pln_0007" {
		t.Fatalf("needs operator = %v", summary.NeedsOperator)
	}
	if summary.Outcome() != domain.RunPartialFailure {
		t.Fatalf("outcome = %s", summary.Outcome())
	}
	if gw.submitCount() != 0 {
		t.Fatal("blocked plan must not be submitted")
	}
	if rec := st.record(t, "pln_0007"); rec.State != domain.StateFailed || rec.ConsecutiveFailures != 3 {
		t.Fatalf("record mutated: %+v", rec)
	}

	// Operator re-arm unblocks the plan for the next run.
	if _, err := o.Rearm(context.Background(), "pln_0007"); err != nil {
		t.Fatalf("Rearm: %v", err)
	}
	after, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run after rearm: %v", err)
	}
	if after.Counts[domain.StateProcessed] != 1 {
		t.Fatalf("counts after rearm = %+v", after.Counts)
	}
	if rec := st.record(t, "pln_0007"); rec.ConsecutiveFailures != 0 {
		t.Fatalf("failures not cleared: %+v", rec)
	}
}

func TestRunRetriesFailedPlanBelowCeiling(t *testing.T) {
	plan := testPlan("pln_0008")
	st := newFakeStore(plan)
	fp, _ := plan.ContentFingerprint()
	st.records["pln_0008"] = domain.SubmissionRecord{
		PlanID:              "pln_0008",
		State:               domain.StateFailed,
		Fingerprint:         fp,
		ConsecutiveFailures: 1,
	}
	gw := newFakeGateway()
	o := newTestOrchestrator(st, gw, testConfig())

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Counts[domain.StateProcessed] != 1 {
		t.Fatalf("counts = %+v", summary.Counts)
	}
	if rec := st.record(t, "pln_0008"); rec.ConsecutiveFailures != 0 {
		t.Fatalf("failure streak survived settling: %+v", rec)
	}
}

func TestRunPollBudgetExhaustionFailsPlan(t *testing.T) {
	st := newFakeStore(testPlan("pln_0009"))
	gw := newFakeGateway()
	gw.pollFn = func(_, _ string, _ int) (domain.PollResult, error) {
		return domain.PollResult{Status: domain.PollPending}, nil
	}
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollBudget = 30 * time.Millisecond
	o := newTestOrchestrator(st, gw, cfg)

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Counts[domain.StateFailed] != 1 {
		t.Fatalf("counts = %+v", summary.Counts)
	}
	rec := st.record(t, "pln_0009")
	if rec.State != domain.StateFailed {
		t.Fatalf("state = %s", rec.State)
	}
	if !strings.Contains(rec.LastSummary, "polling budget") {
		t.Fatalf("summary = %q", rec.LastSummary)
	}
	if rec.AttemptCount < 2 {
		t.Fatalf("attempt count = %d, want submit plus at least one pending poll", rec.AttemptCount)
	}
}

func TestRunResumesPollingFromStoredHandle(t *testing.T) {
	plan := testPlan("pln_0010")
	st := newFakeStore(plan)
	fp, _ := plan.ContentFingerprint()
	st.records["pln_0010"] = domain.SubmissionRecord{
		PlanID:      "pln_0010",
		State:       domain.StatePolling,
		JobHandle:   "job-held-over",
		Fingerprint: fp,
	}
	gw := newFakeGateway()
	o := newTestOrchestrator(st, gw, testConfig())

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Counts[domain.StateProcessed] != 1 {
		t.Fatalf("counts = %+v", summary.Counts)
	}
	if gw.submitCount() != 0 {
		t.Fatal("resumed plan must not be resubmitted")
	}
	if gw.lastPollQuery != "job-held-over" {
		t.Fatalf("polled handle = %q", gw.lastPollQuery)
	}
	if rec := st.record(t, "pln_0010"); rec.State != domain.StateProcessed || rec.JobHandle != "job-held-over" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRunDeadlineLeavesInFlightJobForNextRun(t *testing.T) {
	st := newFakeStore(testPlan("pln_0011"))
	gw := newFakeGateway()
	gw.pollFn = func(_, _ string, _ int) (domain.PollResult, error) {
		return domain.PollResult{Status: domain.PollPending}, nil
	}
	cfg := testConfig()
	cfg.RunDeadline = 50 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.PollBudget = 10 * time.Second
	o := newTestOrchestrator(st, gw, cfg)

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var deadlineFault bool
	for _, f := range summary.Faults {
		if f.PlanID == "pln_0011" && f.Stage == "deadline" {
			deadlineFault = true
		}
	}
	if !deadlineFault {
		t.Fatalf("faults = %+v", summary.Faults)
	}
	rec := st.record(t, "pln_0011")
	if rec.State != domain.StatePolling || rec.JobHandle == "" {
		t.Fatalf("record not left in flight: %+v", rec)
	}

	// The next run picks the job up from the stored handle.
	gw.pollFn = nil
	cfg.RunDeadline = 5 * time.Second
	o = newTestOrchestrator(st, gw, cfg)
	second, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Counts[domain.StateProcessed] != 1 || gw.submitCount() != 1 {
		t.Fatalf("second run = %+v submits = %d", second.Counts, gw.submitCount())
	}
}

func TestRunIsolatesPlanFailures(t *testing.T) {
	broken := testPlan("pln_a")
	broken.Geometry = nil
	flaky := testPlan("pln_b")
	healthy := testPlan("pln_c")
	st := newFakeStore(broken, flaky, healthy)
	gw := newFakeGateway()
	gw.submitFn = func(planKey string, _ []byte) (string, error) {
		if planKey == "pln_b" {
			return "", &domain.TransportError{Operation: "submit", Attempts: 3, Last: errors.New("connection reset")}
		}
		return "job-" + planKey, nil
	}
	o := newTestOrchestrator(st, gw, testConfig())

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Counts[domain.StateInvalid] != 1 || summary.Counts[domain.StateFailed] != 1 || summary.Counts[domain.StateProcessed] != 1 {
		t.Fatalf("counts = %+v", summary.Counts)
	}
	if st.record(t, "pln_a").State != domain.StateInvalid {
		t.Fatal("pln_a should settle INVALID")
	}
	if st.record(t, "pln_b").State != domain.StateFailed {
		t.Fatal("pln_b should settle FAILED")
	}
	if st.record(t, "pln_c").State != domain.StateProcessed {
		t.Fatal("pln_c should settle PROCESSED")
	}
}

func TestRunZeroEligiblePlansMakesNoRemoteCalls(t *testing.T) {
	st := newFakeStore()
	gw := newFakeGateway()
	o := newTestOrchestrator(st, gw, testConfig())

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Outcome() != domain.RunZeroEligible {
		t.Fatalf("outcome = %s", summary.Outcome())
	}
	if gw.authCalls != 0 {
		t.Fatal("zero-eligible run must not touch the gateway")
	}
}

func TestRunAuthFailureAbortsBeforeAnyPlan(t *testing.T) {
	st := newFakeStore(testPlan("pln_0012"))
	gw := newFakeGateway()
	gw.authErr = &domain.AuthError{Status: 401, Detail: "bad credentials"}
	o := newTestOrchestrator(st, gw, testConfig())

	_, err := o.Run(context.Background())
	var authErr *domain.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if len(st.records) != 0 {
		t.Fatalf("records written despite aborted run: %+v", st.records)
	}
	if gw.submitCount() != 0 {
		t.Fatal("no submissions expected after failed authentication")
	}
}

func TestRunPlanUnknownID(t *testing.T) {
	st := newFakeStore()
	o := newTestOrchestrator(st, newFakeGateway(), testConfig())
	_, err := o.RunPlan(context.Background(), "pln_missing")
	if !errors.Is(err, domain.ErrPlanNotFound) {
		t.Fatalf("err = %v, want ErrPlanNotFound", err)
	}
}

func TestAssignIdentifiersOnlyFillsMissing(t *testing.T) {
	withID := testPlan("pln_0013")
	withID.PermanentIdentifier = "MK-existing"
	without := testPlan("pln_0014")
	st := newFakeStore(withID, without)
	gw := newFakeGateway()
	o := newTestOrchestrator(st, gw, testConfig())

	summary, err := o.AssignIdentifiers(context.Background())
	if err != nil {
		t.Fatalf("AssignIdentifiers: %v", err)
	}
	if len(summary.Assigned) != 1 || summary.Assigned[0] != "pln_0014" {
		t.Fatalf("assigned = %v", summary.Assigned)
	}
	if gw.acquireCalls != 1 {
		t.Fatalf("acquire calls = %d, want 1", gw.acquireCalls)
	}
	if gw.submitCount() != 0 || len(st.records) != 0 {
		t.Fatal("identifier assignment must not validate or track submissions")
	}
	plan, _ := st.GetPlan(context.Background(), "pln_0014")
	if plan.PermanentIdentifier != "MK-pln_0014" {
		t.Fatalf("identifier = %q", plan.PermanentIdentifier)
	}
}

func TestExportPayloadsIsOffline(t *testing.T) {
	good := testPlan("pln_0015")
	bad := testPlan("pln_0016")
	bad.Geometry = nil
	st := newFakeStore(good, bad)
	gw := newFakeGateway()
	o := newTestOrchestrator(st, gw, testConfig())

	out, err := o.ExportPayloads(context.Background())
	if err != nil {
		t.Fatalf("ExportPayloads: %v", err)
	}
	if len(out.Payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(out.Payloads))
	}
	if !strings.Contains(string(out.Payloads["pln_0015"]), `"planKey":"pln_0015"`) {
		t.Fatalf("payload = %s", out.Payloads["pln_0015"])
	}
	if len(out.Faults) != 1 || out.Faults[0].PlanID != "pln_0016" {
		t.Fatalf("faults = %+v", out.Faults)
	}
	if gw.authCalls != 0 || gw.submitCount() != 0 {
		t.Fatal("export must stay offline")
	}
	if len(st.records) != 0 {
		t.Fatal("export must not touch submission records")
	}
}

func TestRunManyPlansThroughWorkerPool(t *testing.T) {
	var plans []domain.Plan
	for i := 0; i < 8; i++ {
		plans = append(plans, testPlan(fmt.Sprintf("pln_%02d", i)))
	}
	st := newFakeStore(plans...)
	gw := newFakeGateway()
	cfg := testConfig()
	cfg.Workers = 4
	o := newTestOrchestrator(st, gw, cfg)

	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Counts[domain.StateProcessed] != 8 {
		t.Fatalf("counts = %+v", summary.Counts)
	}
	if gw.submitCount() != 8 {
		t.Fatalf("submits = %d, want 8", gw.submitCount())
	}
	for _, p := range plans {
		if rec := st.record(t, p.ID); rec.State != domain.StateProcessed {
			t.Fatalf("plan %s state = %s", p.ID, rec.State)
		}
	}
}
