package domain

import (
	"encoding/json"
	"time"

	"planlane/pkg/fingerprint"
)

type SubmissionState string

const (
	StatePending   SubmissionState = "PENDING"
	StateMapped    SubmissionState = "MAPPED"
	StateSubmitted SubmissionState = "SUBMITTED"
	StatePolling   SubmissionState = "POLLING"
	StateProcessed SubmissionState = "PROCESSED"
	StateInvalid   SubmissionState = "INVALID"
	StateFailed    SubmissionState = "FAILED"
)

func (s SubmissionState) Known() bool {
	switch s {
	case StatePending, StateMapped, StateSubmitted, StatePolling, StateProcessed, StateInvalid, StateFailed:
		return true
	}
	return false
}

// Settled states are stable for the current content fingerprint.
func (s SubmissionState) Settled() bool {
	return s == StateProcessed || s == StateInvalid
}

// HoldsJobHandle reports whether a record in this state may carry a
// remote job handle. Transitions into any other state clear it.
func (s SubmissionState) HoldsJobHandle() bool {
	return s == StateSubmitted || s == StatePolling || s == StateProcessed
}

// StepOutcome is what one orchestration step observed for a plan.
type StepOutcome string

const (
	OutcomeMapped          StepOutcome = "MAPPED_OK"
	OutcomeMappingFailed   StepOutcome = "MAPPING_FAILED"
	OutcomeSubmitAccepted  StepOutcome = "SUBMIT_ACCEPTED"
	OutcomeSubmitRejected  StepOutcome = "SUBMIT_REJECTED"
	OutcomeAuthFailed      StepOutcome = "AUTH_FAILED"
	OutcomeTransportFailed StepOutcome = "TRANSPORT_FAILED"
	OutcomePollPending     StepOutcome = "POLL_PENDING"
	OutcomePollValid       StepOutcome = "POLL_VALID"
	OutcomePollInvalid     StepOutcome = "POLL_INVALID"
	OutcomePollFailed      StepOutcome = "POLL_FAILED"
	OutcomePollBudgetSpent StepOutcome = "POLL_BUDGET_SPENT"
	OutcomeStaleContent    StepOutcome = "STALE_CONTENT"
	OutcomeRetryArmed      StepOutcome = "RETRY_ARMED"
)

// NextState is the single transition table for the submission state
// machine. Every legal (state, outcome) pair yields exactly one next
// state; pairs that cannot occur return ok=false and the orchestrator
// treats them as a programming fault, never a silent transition.
func NextState(s SubmissionState, o StepOutcome) (SubmissionState, bool) {
	switch s {
	case StatePending:
		switch o {
		case OutcomeMapped:
			return StateMapped, true
		case OutcomeMappingFailed:
			return StateInvalid, true
		}
	case StateMapped:
		switch o {
		case OutcomeMapped:
			return StateMapped, true
		case OutcomeMappingFailed:
			return StateInvalid, true
		case OutcomeSubmitAccepted:
			return StateSubmitted, true
		case OutcomeSubmitRejected:
			return StateInvalid, true
		case OutcomeAuthFailed, OutcomeTransportFailed:
			return StateFailed, true
		}
	case StateSubmitted, StatePolling:
		switch o {
		case OutcomePollPending:
			return StatePolling, true
		case OutcomePollValid:
			return StateProcessed, true
		case OutcomePollInvalid:
			return StateInvalid, true
		case OutcomePollFailed, OutcomeAuthFailed, OutcomeTransportFailed, OutcomePollBudgetSpent:
			return StateFailed, true
		}
	case StateProcessed, StateInvalid:
		switch o {
		case OutcomeStaleContent, OutcomeRetryArmed:
			return StatePending, true
		}
	case StateFailed:
		switch o {
		case OutcomeRetryArmed:
			return StatePending, true
		}
	}
	return s, false
}

type Plan struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name,omitempty"`
	LifecycleStatus     string            `json:"lifecycle_status"`
	PermanentIdentifier string            `json:"permanent_identifier,omitempty"`
	AdministrativeArea  string            `json:"administrative_area,omitempty"`
	Scale               int               `json:"scale,omitempty"`
	Description         string            `json:"description,omitempty"`
	SRID                int               `json:"srid"`
	Geometry            json.RawMessage   `json:"geometry"`
	ApprovedAt          *time.Time        `json:"approved_at,omitempty"`
	ValidFrom           *time.Time        `json:"valid_from,omitempty"`
	ValidTo             *time.Time        `json:"valid_to,omitempty"`
	Objects             []PlanObject      `json:"objects,omitempty"`
	RegulationGroups    []RegulationGroup `json:"regulation_groups,omitempty"`
	LastModified        time.Time         `json:"last_modified"`
}

type PlanObject struct {
	Key      string          `json:"key"`
	Name     string          `json:"name,omitempty"`
	Kind     string          `json:"kind"`
	Geometry json.RawMessage `json:"geometry"`
}

type RegulationGroup struct {
	Key         string       `json:"key"`
	ShortName   string       `json:"short_name,omitempty"`
	Regulations []Regulation `json:"regulations"`
}

type Regulation struct {
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
}

// ContentFingerprint hashes the plan content that decides whether a
// resubmission is needed. The permanent identifier and modification
// timestamp are registry bookkeeping, not content: acquiring an
// identifier or touching a row must not mark the plan stale.
func (p Plan) ContentFingerprint() (string, error) {
	content := struct {
		ID               string            `json:"id"`
		Name             string            `json:"name"`
		LifecycleStatus  string            `json:"lifecycle_status"`
		Scale            int               `json:"scale"`
		Description      string            `json:"description"`
		SRID             int               `json:"srid"`
		Geometry         json.RawMessage   `json:"geometry"`
		ApprovedAt       *time.Time        `json:"approved_at"`
		ValidFrom        *time.Time        `json:"valid_from"`
		ValidTo          *time.Time        `json:"valid_to"`
		Objects          []PlanObject      `json:"objects"`
		RegulationGroups []RegulationGroup `json:"regulation_groups"`
	}{
		ID:               p.ID,
		Name:             p.Name,
		LifecycleStatus:  p.LifecycleStatus,
		Scale:            p.Scale,
		Description:      p.Description,
		SRID:             p.SRID,
		Geometry:         p.Geometry,
		ApprovedAt:       p.ApprovedAt,
		ValidFrom:        p.ValidFrom,
		ValidTo:          p.ValidTo,
		Objects:          p.Objects,
		RegulationGroups: p.RegulationGroups,
	}
	digest, _, err := fingerprint.Canonical(content)
	return digest, err
}

type ValidationIssue struct {
	FieldPath string `json:"field_path"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type ValidationOutcome struct {
	Valid    bool              `json:"valid"`
	Issues   []ValidationIssue `json:"issues,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

type PollStatus string

const (
	PollPending   PollStatus = "pending"
	PollCompleted PollStatus = "completed"
	PollFailed    PollStatus = "failed"
)

type PollResult struct {
	Status  PollStatus
	Outcome ValidationOutcome
	Reason  string
}

type SubmissionRecord struct {
	PlanID              string            `json:"plan_id"`
	State               SubmissionState   `json:"state"`
	JobHandle           string            `json:"job_handle,omitempty"`
	Fingerprint         string            `json:"fingerprint"`
	LastSummary         string            `json:"last_summary,omitempty"`
	ValidationErrors    []ValidationIssue `json:"validation_errors,omitempty"`
	AttemptCount        int               `json:"attempt_count"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastAttemptAt       *time.Time        `json:"last_attempt_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Credential is the gateway identity for one run. The key never leaves
// the process and never serializes.
type Credential struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"-"`
}

type CanonicalCode struct {
	List  string `json:"list"`
	Value string `json:"value"`
	URI   string `json:"uri"`
}

type AttemptDirection string

const (
	DirectionRequest  AttemptDirection = "request"
	DirectionResponse AttemptDirection = "response"
)

// Attempt is one wire interaction with the registry, recorded verbatim
// for operators. Written by the diagnostics sink, read by nobody in
// the pipeline.
type Attempt struct {
	ID        string           `json:"id"`
	RunID     string           `json:"run_id,omitempty"`
	PlanID    string           `json:"plan_id"`
	Operation string           `json:"operation"`
	Direction AttemptDirection `json:"direction"`
	Payload   string           `json:"payload,omitempty"`
	Outcome   string           `json:"outcome"`
	At        time.Time        `json:"at"`
}

type PlanFault struct {
	PlanID  string `json:"plan_id"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

type RunSummary struct {
	RunID         string                  `json:"run_id"`
	Action        string                  `json:"action"`
	StartedAt     time.Time               `json:"started_at"`
	FinishedAt    time.Time               `json:"finished_at"`
	Eligible      int                     `json:"eligible"`
	Counts        map[SubmissionState]int `json:"counts"`
	Unchanged     []string                `json:"unchanged,omitempty"`
	StaleResets   []string                `json:"stale_resets,omitempty"`
	NeedsOperator []string                `json:"needs_operator,omitempty"`
	Assigned      []string                `json:"assigned,omitempty"`
	Faults        []PlanFault             `json:"faults,omitempty"`
}

type RunOutcome string

const (
	RunZeroEligible   RunOutcome = "ZERO_ELIGIBLE"
	RunSucceeded      RunOutcome = "SUCCEEDED"
	RunPartialFailure RunOutcome = "PARTIAL_FAILURE"
)

// Outcome collapses a run summary into the three caller-visible
// results: nothing to do, everything settled cleanly, or at least one
// plan failed or needs an operator.
func (s *RunSummary) Outcome() RunOutcome {
	if s.Eligible == 0 {
		return RunZeroEligible
	}
	if len(s.NeedsOperator) > 0 || len(s.Faults) > 0 || s.Counts[StateFailed] > 0 {
		return RunPartialFailure
	}
	return RunSucceeded
}
