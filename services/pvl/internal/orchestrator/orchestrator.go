package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"planlane/pkg/domain"
	"planlane/services/pvl/internal/diagnostics"
	"planlane/services/pvl/internal/gateway"
	"planlane/services/pvl/internal/mapper"
	"planlane/services/pvl/internal/metrics"
	"planlane/services/pvl/internal/store"
)

const (
	ActionValidatePlans     = "validate_plans"
	ActionValidatePlan      = "validate_plan"
	ActionExportPayloads    = "export_payloads"
	ActionAssignIdentifiers = "assign_identifiers"
)

// StateStore is the persistence the orchestrator needs. *store.Store
// satisfies it; tests swap in an in-memory fake.
type StateStore interface {
	LoadSubmission(ctx context.Context, planID string) (*domain.SubmissionRecord, error)
	EnsureSubmission(ctx context.Context, planID, fp string) (domain.SubmissionRecord, error)
	Transition(ctx context.Context, planID string, from domain.SubmissionState, t store.Transition) (domain.SubmissionRecord, error)
	ResetForRetry(ctx context.Context, planID, newFingerprint, summary string) (domain.SubmissionRecord, error)
	ClearFailures(ctx context.Context, planID, summary string) (domain.SubmissionRecord, error)
	ListEligiblePlans(ctx context.Context, statuses []string, limit int) ([]domain.Plan, error)
	GetPlan(ctx context.Context, planID string) (domain.Plan, error)
	SetPermanentIdentifier(ctx context.Context, planID, identifier string) error
}

// Gateway is the registry surface the orchestrator drives.
type Gateway interface {
	Authenticate(ctx context.Context, cred domain.Credential) (gateway.Token, error)
	Submit(ctx context.Context, tok gateway.Token, planKey string, payload []byte) (string, error)
	Poll(ctx context.Context, tok gateway.Token, planID, handle string) (domain.PollResult, error)
	AcquirePermanentIdentifier(ctx context.Context, tok gateway.Token, planID string, req gateway.IdentifierRequest) (string, error)
}

// CredentialFunc yields the gateway credential for one run. Wired to
// the secrets source by the callers.
type CredentialFunc func(ctx context.Context) (domain.Credential, error)

type Config struct {
	EligibleStatuses []string
	MaxBatch         int
	Workers          int
	RunDeadline      time.Duration
	PollInterval     time.Duration
	PollBudget       time.Duration
	FailureCeiling   int
	AdminArea        string
}

type Orchestrator struct {
	cfg     Config
	store   StateStore
	gw      Gateway
	mapper  *mapper.Mapper
	creds   CredentialFunc
	log     *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(cfg Config, st StateStore, gw Gateway, m *mapper.Mapper, creds CredentialFunc, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		store:  st,
		gw:     gw,
		mapper: m,
		creds:  creds,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.Workers < 1 {
		o.cfg.Workers = 1
	}
	if o.cfg.MaxBatch < 1 {
		o.cfg.MaxBatch = 1
	}
	if o.cfg.PollInterval <= 0 {
		o.cfg.PollInterval = 10 * time.Second
	}
	if o.cfg.PollBudget <= 0 {
		o.cfg.PollBudget = 2 * time.Minute
	}
	if o.cfg.RunDeadline <= 0 {
		o.cfg.RunDeadline = 5 * time.Minute
	}
	if o.cfg.FailureCeiling < 1 {
		o.cfg.FailureCeiling = 5
	}
	return o
}

// Run validates every eligible plan against the registry. The returned
// error is non-nil only for faults that abort the whole run before any
// plan is touched; per-plan trouble lands in the summary instead.
func (o *Orchestrator) Run(ctx context.Context) (*domain.RunSummary, error) {
	plans, err := o.store.ListEligiblePlans(ctx, o.cfg.EligibleStatuses, o.cfg.MaxBatch)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, ActionValidatePlans, plans)
}

// RunPlan validates a single plan regardless of its lifecycle status.
func (o *Orchestrator) RunPlan(ctx context.Context, planID string) (*domain.RunSummary, error) {
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, ActionValidatePlan, []domain.Plan{plan})
}

func (o *Orchestrator) run(ctx context.Context, action string, plans []domain.Plan) (*domain.RunSummary, error) {
	runID := "run_" + ulid.Make().String()
	summary := &domain.RunSummary{
		RunID:     runID,
		Action:    action,
		StartedAt: time.Now().UTC(),
		Eligible:  len(plans),
		Counts:    map[domain.SubmissionState]int{},
	}
	log := o.log.With("run_id", runID, "action", action)
	log.Info("run started", "eligible", len(plans))

	if len(plans) == 0 {
		return o.finish(log, summary), nil
	}

	tok, err := o.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunDeadline)
	defer cancel()
	runCtx = diagnostics.ContextWithRun(runCtx, runID)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan domain.Plan)
	)
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for plan := range jobs {
				res := o.processPlan(runCtx, tok, plan)
				mu.Lock()
				res.apply(summary, o.metrics)
				mu.Unlock()
			}
		}()
	}

	fed := 0
feed:
	for _, plan := range plans {
		select {
		case jobs <- plan:
			fed++
		case <-runCtx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	// Plans the deadline kept us from even starting.
	for _, plan := range plans[fed:] {
		summary.Faults = append(summary.Faults, domain.PlanFault{
			PlanID:  plan.ID,
			Stage:   "deadline",
			Message: fmt.Sprintf("run deadline %s expired before the plan started", o.cfg.RunDeadline),
		})
	}

	return o.finish(log, summary), nil
}

func (o *Orchestrator) authenticate(ctx context.Context) (gateway.Token, error) {
	cred, err := o.creds(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch gateway credential: %w", err)
	}
	tok, err := o.gw.Authenticate(ctx, cred)
	if err != nil {
		return "", fmt.Errorf("authenticate with gateway: %w", err)
	}
	return tok, nil
}

func (o *Orchestrator) finish(log *slog.Logger, summary *domain.RunSummary) *domain.RunSummary {
	summary.FinishedAt = time.Now().UTC()
	outcome := summary.Outcome()
	o.metrics.RecordRun(string(outcome), summary.FinishedAt.Sub(summary.StartedAt))
	log.Info("run finished",
		"outcome", string(outcome),
		"eligible", summary.Eligible,
		"unchanged", len(summary.Unchanged),
		"stale_resets", len(summary.StaleResets),
		"needs_operator", len(summary.NeedsOperator),
		"faults", len(summary.Faults))
	return summary
}

// planResult is what one worker reports back for one plan.
type planResult struct {
	planID        string
	state         domain.SubmissionState
	unchanged     bool
	staleReset    bool
	needsOperator bool
	assigned      bool
	fault         *domain.PlanFault
}

func (r planResult) apply(s *domain.RunSummary, m *metrics.Metrics) {
	if r.unchanged {
		s.Unchanged = append(s.Unchanged, r.planID)
	}
	if r.staleReset {
		s.StaleResets = append(s.StaleResets, r.planID)
	}
	if r.needsOperator {
		s.NeedsOperator = append(s.NeedsOperator, r.planID)
	}
	if r.assigned {
		s.Assigned = append(s.Assigned, r.planID)
	}
	if r.fault != nil {
		s.Faults = append(s.Faults, *r.fault)
	}
	if r.state != "" && !r.unchanged && !r.needsOperator {
		s.Counts[r.state]++
		m.RecordPlan(string(r.state))
	}
}

func fault(planID, stage string, err error) planResult {
	return planResult{planID: planID, fault: &domain.PlanFault{PlanID: planID, Stage: stage, Message: err.Error()}}
}

// processPlan drives one plan through map, submit and poll. Every exit
// leaves the stored record in a state the next run can pick up from.
func (o *Orchestrator) processPlan(ctx context.Context, tok gateway.Token, plan domain.Plan) planResult {
	log := o.log.With("plan_id", plan.ID)

	fp, err := plan.ContentFingerprint()
	if err != nil {
		return fault(plan.ID, "fingerprint", err)
	}
	rec, err := o.store.EnsureSubmission(ctx, plan.ID, fp)
	if err != nil {
		return fault(plan.ID, "persistence", err)
	}

	switch {
	case rec.State.Settled() && rec.Fingerprint == fp:
		log.Info("plan unchanged, skipping", "state", string(rec.State))
		return planResult{planID: plan.ID, state: rec.State, unchanged: true}

	case rec.State.Settled():
		rec, err = o.store.ResetForRetry(ctx, plan.ID, fp, "plan content changed since last submission")
		if err != nil {
			if errors.Is(err, domain.ErrStateConflict) {
				return fault(plan.ID, "conflict", err)
			}
			return fault(plan.ID, "persistence", err)
		}
		log.Info("plan content changed, resubmitting")
		res := o.freshCycle(ctx, tok, plan, rec, fp)
		res.staleReset = true
		return res

	case rec.State == domain.StateFailed:
		if rec.ConsecutiveFailures >= o.cfg.FailureCeiling {
			log.Warn("plan blocked after repeated failures", "consecutive_failures", rec.ConsecutiveFailures)
			return planResult{planID: plan.ID, state: rec.State, needsOperator: true}
		}
		rec, pr := o.transition(ctx, plan.ID, rec.State, domain.OutcomeRetryArmed, store.Transition{
			Fingerprint: fp,
			Summary:     "retrying after failure",
		})
		if pr != nil {
			return *pr
		}
		return o.freshCycle(ctx, tok, plan, rec, fp)

	case rec.State == domain.StateSubmitted || rec.State == domain.StatePolling:
		// An in-flight job finishes before any content change matters.
		if rec.JobHandle == "" {
			_, pr := o.transition(ctx, plan.ID, rec.State, domain.OutcomePollFailed, store.Transition{
				Summary: "job handle missing from in-flight record",
			})
			if pr != nil {
				return *pr
			}
			return planResult{planID: plan.ID, state: domain.StateFailed}
		}
		log.Info("resuming in-flight validation", "state", string(rec.State), "job_handle", rec.JobHandle)
		return o.pollUntilSettled(ctx, tok, plan, rec.State, rec.JobHandle)

	default:
		return o.freshCycle(ctx, tok, plan, rec, fp)
	}
}

// freshCycle takes a PENDING or MAPPED plan through the full pipeline.
func (o *Orchestrator) freshCycle(ctx context.Context, tok gateway.Token, plan domain.Plan, rec domain.SubmissionRecord, fp string) planResult {
	payload, err := o.mapper.ToExchangePayload(plan)
	if err != nil {
		var mapErr *domain.SchemaMappingError
		if !errors.As(err, &mapErr) {
			return fault(plan.ID, "mapping", err)
		}
		_, pr := o.transition(ctx, plan.ID, rec.State, domain.OutcomeMappingFailed, store.Transition{
			Fingerprint: fp,
			Summary:     mapErr.Error(),
			Errors:      mapErr.Issues,
		})
		if pr != nil {
			return *pr
		}
		return planResult{planID: plan.ID, state: domain.StateInvalid}
	}

	rec, pr := o.transition(ctx, plan.ID, rec.State, domain.OutcomeMapped, store.Transition{
		Fingerprint: fp,
		Summary:     "mapped to exchange schema",
	})
	if pr != nil {
		return *pr
	}

	assigned := false
	if plan.PermanentIdentifier == "" {
		ident, err := o.gw.AcquirePermanentIdentifier(ctx, tok, plan.ID, gateway.IdentifierRequest{
			AdministrativeAreaIdentifier: o.cfg.AdminArea,
			ProjectName:                  plan.Name,
		})
		if err != nil {
			res := o.settleRemoteFailure(ctx, plan.ID, rec.State, "identifier", err, 0)
			return res
		}
		if err := o.store.SetPermanentIdentifier(ctx, plan.ID, ident); err != nil {
			return fault(plan.ID, "persistence", err)
		}
		payload.PermanentPlanIdentifier = ident
		assigned = true
		o.log.Info("permanent identifier assigned", "plan_id", plan.ID, "identifier", ident)
	}

	body, err := payload.MarshalCanonical()
	if err != nil {
		return fault(plan.ID, "mapping", err)
	}

	handle, err := o.gw.Submit(ctx, tok, plan.ID, body)
	if err != nil {
		res := o.settleRemoteFailure(ctx, plan.ID, rec.State, "submit", err, 1)
		res.assigned = assigned
		return res
	}
	rec, pr = o.transition(ctx, plan.ID, rec.State, domain.OutcomeSubmitAccepted, store.Transition{
		JobHandle:    handle,
		Summary:      "accepted for validation",
		AttemptDelta: 1,
		TouchAttempt: true,
	})
	if pr != nil {
		return *pr
	}

	res := o.pollUntilSettled(ctx, tok, plan, rec.State, handle)
	res.assigned = assigned
	return res
}

// pollUntilSettled drives SUBMITTED or POLLING to a terminal state, or
// hands the job to the next run when a deadline cuts it short.
func (o *Orchestrator) pollUntilSettled(ctx context.Context, tok gateway.Token, plan domain.Plan, cur domain.SubmissionState, handle string) planResult {
	pollCtx, cancel := context.WithTimeout(ctx, o.cfg.PollBudget)
	defer cancel()

	for {
		res, err := o.gw.Poll(pollCtx, tok, plan.ID, handle)
		if err != nil {
			if ctx.Err() != nil {
				// Run deadline: leave the record in flight so the next
				// run resumes from the stored handle.
				return fault(plan.ID, "deadline", fmt.Errorf("run deadline %s expired mid-poll, job handle retained", o.cfg.RunDeadline))
			}
			if pollCtx.Err() != nil {
				return o.settlePollBudget(ctx, plan.ID, cur)
			}
			return o.settleRemoteFailure(ctx, plan.ID, cur, "poll", err, 0)
		}

		switch res.Status {
		case domain.PollCompleted:
			if res.Outcome.Valid {
				_, pr := o.transition(ctx, plan.ID, cur, domain.OutcomePollValid, store.Transition{
					JobHandle: handle,
					Summary:   "registry validated plan",
				})
				if pr != nil {
					return *pr
				}
				return planResult{planID: plan.ID, state: domain.StateProcessed}
			}
			_, pr := o.transition(ctx, plan.ID, cur, domain.OutcomePollInvalid, store.Transition{
				Summary: fmt.Sprintf("registry reported %d validation error(s)", len(res.Outcome.Issues)),
				Errors:  res.Outcome.Issues,
			})
			if pr != nil {
				return *pr
			}
			return planResult{planID: plan.ID, state: domain.StateInvalid}

		case domain.PollFailed:
			_, pr := o.transition(ctx, plan.ID, cur, domain.OutcomePollFailed, store.Transition{
				Summary: "registry job failed: " + res.Reason,
			})
			if pr != nil {
				return *pr
			}
			return planResult{planID: plan.ID, state: domain.StateFailed}

		case domain.PollPending:
			rec, pr := o.transition(ctx, plan.ID, cur, domain.OutcomePollPending, store.Transition{
				JobHandle:    handle,
				Summary:      "validation job pending",
				AttemptDelta: 1,
				TouchAttempt: true,
			})
			if pr != nil {
				return *pr
			}
			cur = rec.State
		}

		t := time.NewTimer(o.cfg.PollInterval)
		select {
		case <-pollCtx.Done():
			t.Stop()
			if ctx.Err() != nil {
				return fault(plan.ID, "deadline", fmt.Errorf("run deadline %s expired mid-poll, job handle retained", o.cfg.RunDeadline))
			}
			return o.settlePollBudget(ctx, plan.ID, cur)
		case <-t.C:
		}
	}
}

func (o *Orchestrator) settlePollBudget(ctx context.Context, planID string, cur domain.SubmissionState) planResult {
	timeoutErr := &domain.TimeoutError{Budget: o.cfg.PollBudget}
	_, pr := o.transition(ctx, planID, cur, domain.OutcomePollBudgetSpent, store.Transition{
		Summary: timeoutErr.Error(),
	})
	if pr != nil {
		return *pr
	}
	return planResult{planID: planID, state: domain.StateFailed}
}

// settleRemoteFailure classifies a gateway error into the taxonomy and
// applies the matching transition.
func (o *Orchestrator) settleRemoteFailure(ctx context.Context, planID string, cur domain.SubmissionState, stage string, err error, attemptDelta int) planResult {
	var (
		rejected  *domain.RemoteRejected
		authErr   *domain.AuthError
		transport *domain.TransportError
	)
	switch {
	case errors.As(err, &rejected):
		outcome := domain.OutcomeSubmitRejected
		if cur == domain.StateSubmitted || cur == domain.StatePolling {
			outcome = domain.OutcomePollInvalid
		}
		_, pr := o.transition(ctx, planID, cur, outcome, store.Transition{
			Summary:      rejected.Error(),
			Errors:       rejected.Outcome.Issues,
			AttemptDelta: attemptDelta,
			TouchAttempt: attemptDelta > 0,
		})
		if pr != nil {
			return *pr
		}
		return planResult{planID: planID, state: domain.StateInvalid}

	case errors.As(err, &authErr):
		_, pr := o.transition(ctx, planID, cur, domain.OutcomeAuthFailed, store.Transition{
			Summary:      authErr.Error(),
			AttemptDelta: attemptDelta,
			TouchAttempt: attemptDelta > 0,
		})
		if pr != nil {
			return *pr
		}
		return planResult{planID: planID, state: domain.StateFailed}

	case errors.As(err, &transport):
		_, pr := o.transition(ctx, planID, cur, domain.OutcomeTransportFailed, store.Transition{
			Summary:      transport.Error(),
			AttemptDelta: attemptDelta,
			TouchAttempt: attemptDelta > 0,
		})
		if pr != nil {
			return *pr
		}
		return planResult{planID: planID, state: domain.StateFailed}

	default:
		return fault(planID, stage, err)
	}
}

// transition computes the legal next state and applies it with
// compare-and-set. A pair outside the table is a programming fault and
// never mutates the record.
func (o *Orchestrator) transition(ctx context.Context, planID string, from domain.SubmissionState, outcome domain.StepOutcome, t store.Transition) (domain.SubmissionRecord, *planResult) {
	next, ok := domain.NextState(from, outcome)
	if !ok {
		res := fault(planID, "transition", fmt.Errorf("no transition from %s on %s", from, outcome))
		return domain.SubmissionRecord{}, &res
	}
	t.To = next
	rec, err := o.store.Transition(ctx, planID, from, t)
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			res := fault(planID, "conflict", fmt.Errorf("record moved concurrently, skipping: %w", err))
			return domain.SubmissionRecord{}, &res
		}
		res := fault(planID, "persistence", err)
		return domain.SubmissionRecord{}, &res
	}
	return rec, nil
}

// ExportResult carries the canonical payloads of every mappable
// eligible plan, for offline inspection.
type ExportResult struct {
	Payloads map[string]json.RawMessage `json:"payloads"`
	Faults   []domain.PlanFault         `json:"faults,omitempty"`
}

// ExportPayloads maps every eligible plan without touching the gateway
// or stored state.
func (o *Orchestrator) ExportPayloads(ctx context.Context) (*ExportResult, error) {
	plans, err := o.store.ListEligiblePlans(ctx, o.cfg.EligibleStatuses, o.cfg.MaxBatch)
	if err != nil {
		return nil, err
	}
	out := &ExportResult{Payloads: map[string]json.RawMessage{}}
	for _, plan := range plans {
		payload, err := o.mapper.ToExchangePayload(plan)
		if err != nil {
			out.Faults = append(out.Faults, domain.PlanFault{PlanID: plan.ID, Stage: "mapping", Message: err.Error()})
			continue
		}
		body, err := payload.MarshalCanonical()
		if err != nil {
			out.Faults = append(out.Faults, domain.PlanFault{PlanID: plan.ID, Stage: "mapping", Message: err.Error()})
			continue
		}
		out.Payloads[plan.ID] = body
	}
	return out, nil
}

// AssignIdentifiers acquires permanent identifiers for eligible plans
// that lack one. Identifier bookkeeping is outside the content
// fingerprint, so settled submissions stay settled.
func (o *Orchestrator) AssignIdentifiers(ctx context.Context) (*domain.RunSummary, error) {
	plans, err := o.store.ListEligiblePlans(ctx, o.cfg.EligibleStatuses, o.cfg.MaxBatch)
	if err != nil {
		return nil, err
	}
	runID := "run_" + ulid.Make().String()
	summary := &domain.RunSummary{
		RunID:     runID,
		Action:    ActionAssignIdentifiers,
		StartedAt: time.Now().UTC(),
		Eligible:  len(plans),
		Counts:    map[domain.SubmissionState]int{},
	}
	log := o.log.With("run_id", runID, "action", ActionAssignIdentifiers)

	pending := make([]domain.Plan, 0, len(plans))
	for _, plan := range plans {
		if plan.PermanentIdentifier == "" {
			pending = append(pending, plan)
		}
	}
	if len(pending) == 0 {
		return o.finish(log, summary), nil
	}

	tok, err := o.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunDeadline)
	defer cancel()
	runCtx = diagnostics.ContextWithRun(runCtx, runID)

	for _, plan := range pending {
		if runCtx.Err() != nil {
			summary.Faults = append(summary.Faults, domain.PlanFault{
				PlanID:  plan.ID,
				Stage:   "deadline",
				Message: fmt.Sprintf("run deadline %s expired before the plan started", o.cfg.RunDeadline),
			})
			continue
		}
		ident, err := o.gw.AcquirePermanentIdentifier(runCtx, tok, plan.ID, gateway.IdentifierRequest{
			AdministrativeAreaIdentifier: o.cfg.AdminArea,
			ProjectName:                  plan.Name,
		})
		if err != nil {
			summary.Faults = append(summary.Faults, domain.PlanFault{PlanID: plan.ID, Stage: "identifier", Message: err.Error()})
			continue
		}
		if err := o.store.SetPermanentIdentifier(runCtx, plan.ID, ident); err != nil {
			summary.Faults = append(summary.Faults, domain.PlanFault{PlanID: plan.ID, Stage: "persistence", Message: err.Error()})
			continue
		}
		summary.Assigned = append(summary.Assigned, plan.ID)
		log.Info("permanent identifier assigned", "plan_id", plan.ID, "identifier", ident)
	}
	return o.finish(log, summary), nil
}

// Submission exposes the stored record for operator queries.
func (o *Orchestrator) Submission(ctx context.Context, planID string) (*domain.SubmissionRecord, error) {
	return o.store.LoadSubmission(ctx, planID)
}

// Rearm is the operator override: clear the failure streak and queue
// the plan for the next run.
func (o *Orchestrator) Rearm(ctx context.Context, planID string) (domain.SubmissionRecord, error) {
	return o.store.ClearFailures(ctx, planID, "operator re-arm")
}
