package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCodeNotFound  = errors.New("reference code not found")
	ErrPlanNotFound  = errors.New("plan not found")
	ErrStateConflict = errors.New("submission record changed concurrently")
)

// SchemaMappingError is a locally detectable plan-data defect. Never
// retried; the plan settles INVALID without any remote call.
type SchemaMappingError struct {
	PlanID string
	Issues []ValidationIssue
}

func (e *SchemaMappingError) Error() string {
	return fmt.Sprintf("plan %s failed schema mapping with %d issue(s)", e.PlanID, len(e.Issues))
}

// AuthError is a credential or permission defect. Never retried within
// a run; requires operator action.
type AuthError struct {
	Status int
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gateway authentication rejected (status %d): %s", e.Status, e.Detail)
}

// RemoteRejected is a semantic rejection by the registry, carrying its
// structured validation errors. Rejection is an outcome, not a fault,
// and is never retried.
type RemoteRejected struct {
	Status  int
	Outcome ValidationOutcome
}

func (e *RemoteRejected) Error() string {
	return fmt.Sprintf("registry rejected request (status %d) with %d error(s)", e.Status, len(e.Outcome.Issues))
}

// TransportError surfaces after the gateway client has exhausted its
// retry budget against transient network or 5xx failures.
type TransportError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Operation, e.Attempts, e.Last)
}

func (e *TransportError) Unwrap() error { return e.Last }

// PersistenceError is a storage-layer fault. The orchestrator leaves
// the record untouched and retries on the next scheduled run.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TimeoutError marks a polling budget exhausted within one run. The
// plan fails for this run and the stored job handle lets the next run
// resume polling.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("polling budget %s exhausted", e.Budget)
}
