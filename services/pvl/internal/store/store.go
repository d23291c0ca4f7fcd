package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"planlane/pkg/domain"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const recordColumns = `plan_id,state,job_handle,fingerprint,last_summary,validation_errors,attempt_count,consecutive_failures,last_attempt_at,created_at,updated_at`

// Transition describes one state-machine step to apply atomically.
// JobHandle and Errors are stored only when the target state carries
// them; Fingerprint updates the stored hash when non-empty.
type Transition struct {
	To           domain.SubmissionState
	JobHandle    string
	Fingerprint  string
	Summary      string
	Errors       []domain.ValidationIssue
	AttemptDelta int
	TouchAttempt bool
}

func (s *Store) LoadSubmission(ctx context.Context, planID string) (*domain.SubmissionRecord, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+recordColumns+` FROM submission_records WHERE plan_id=$1`, planID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.PersistenceError{Op: "load_submission", Err: err}
	}
	return &rec, nil
}

// EnsureSubmission creates the tracking row for a plan on first
// sight and returns the current record either way.
func (s *Store) EnsureSubmission(ctx context.Context, planID, fp string) (domain.SubmissionRecord, error) {
	row := s.DB.QueryRow(ctx, `
INSERT INTO submission_records(plan_id,state,fingerprint,last_summary,validation_errors,attempt_count,consecutive_failures)
VALUES($1,'PENDING',$2,'','[]'::jsonb,0,0)
ON CONFLICT (plan_id) DO UPDATE SET updated_at=now()
RETURNING `+recordColumns, planID, fp)
	rec, err := scanRecord(row)
	if err != nil {
		return domain.SubmissionRecord{}, &domain.PersistenceError{Op: "ensure_submission", Err: err}
	}
	return rec, nil
}

// Transition applies one step with compare-and-set on the current
// state. A concurrent writer that moved the record first makes the
// update match zero rows, surfaced as ErrStateConflict so the caller
// re-reads instead of clobbering.
func (s *Store) Transition(ctx context.Context, planID string, from domain.SubmissionState, t Transition) (domain.SubmissionRecord, error) {
	var handle *string
	if t.To.HoldsJobHandle() && t.JobHandle != "" {
		handle = &t.JobHandle
	}
	errsJSON := []byte("[]")
	if t.To == domain.StateInvalid && len(t.Errors) > 0 {
		b, err := json.Marshal(t.Errors)
		if err != nil {
			return domain.SubmissionRecord{}, &domain.PersistenceError{Op: "transition", Err: err}
		}
		errsJSON = b
	}

	row := s.DB.QueryRow(ctx, `
UPDATE submission_records SET
  state=$3,
  job_handle=$4,
  fingerprint=COALESCE(NULLIF($5,''), fingerprint),
  last_summary=$6,
  validation_errors=$7::jsonb,
  attempt_count=attempt_count+$8,
  consecutive_failures=CASE
    WHEN $3='FAILED' THEN consecutive_failures+1
    WHEN $3 IN ('PROCESSED','INVALID') THEN 0
    ELSE consecutive_failures END,
  last_attempt_at=CASE WHEN $9 THEN now() ELSE last_attempt_at END,
  updated_at=now()
WHERE plan_id=$1 AND state=$2
RETURNING `+recordColumns,
		planID, string(from), string(t.To), handle, t.Fingerprint, t.Summary, string(errsJSON), t.AttemptDelta, t.TouchAttempt)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SubmissionRecord{}, domain.ErrStateConflict
	}
	if err != nil {
		return domain.SubmissionRecord{}, &domain.PersistenceError{Op: "transition", Err: err}
	}
	return rec, nil
}

// ResetForRetry returns a settled record to PENDING because its plan
// content changed. The failure streak survives the reset; only the
// per-content attempt count starts over.
func (s *Store) ResetForRetry(ctx context.Context, planID, newFingerprint, summary string) (domain.SubmissionRecord, error) {
	row := s.DB.QueryRow(ctx, `
UPDATE submission_records SET
  state='PENDING',
  job_handle=NULL,
  fingerprint=$2,
  last_summary=$3,
  validation_errors='[]'::jsonb,
  attempt_count=0,
  updated_at=now()
WHERE plan_id=$1 AND state IN ('PROCESSED','INVALID')
RETURNING `+recordColumns, planID, newFingerprint, summary)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SubmissionRecord{}, domain.ErrStateConflict
	}
	if err != nil {
		return domain.SubmissionRecord{}, &domain.PersistenceError{Op: "reset_for_retry", Err: err}
	}
	return rec, nil
}

// ClearFailures is the operator re-arm: zero both counters and return
// to PENDING. Refused while a remote job is in flight.
func (s *Store) ClearFailures(ctx context.Context, planID, summary string) (domain.SubmissionRecord, error) {
	row := s.DB.QueryRow(ctx, `
UPDATE submission_records SET
  state='PENDING',
  job_handle=NULL,
  last_summary=$2,
  validation_errors='[]'::jsonb,
  attempt_count=0,
  consecutive_failures=0,
  updated_at=now()
WHERE plan_id=$1 AND state NOT IN ('SUBMITTED','POLLING')
RETURNING `+recordColumns, planID, summary)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, lerr := s.LoadSubmission(ctx, planID)
		if lerr != nil {
			return domain.SubmissionRecord{}, lerr
		}
		if cur == nil {
			return domain.SubmissionRecord{}, domain.ErrPlanNotFound
		}
		return domain.SubmissionRecord{}, domain.ErrStateConflict
	}
	if err != nil {
		return domain.SubmissionRecord{}, &domain.PersistenceError{Op: "clear_failures", Err: err}
	}
	return rec, nil
}

const planColumns = `id,name,lifecycle_status,permanent_identifier,administrative_area,scale,description,srid,geometry,approved_at,valid_from,valid_to,objects,regulation_groups,last_modified`

// ListEligiblePlans returns plans whose lifecycle status marks them
// ready for the registry, in stable id order so runs are reproducible.
func (s *Store) ListEligiblePlans(ctx context.Context, statuses []string, limit int) ([]domain.Plan, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+planColumns+` FROM plans WHERE lifecycle_status = ANY($1) ORDER BY id LIMIT $2`,
		statuses, limit)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list_eligible_plans", Err: err}
	}
	defer rows.Close()
	var out []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "list_eligible_plans", Err: err}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "list_eligible_plans", Err: err}
	}
	return out, nil
}

func (s *Store) GetPlan(ctx context.Context, planID string) (domain.Plan, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id=$1`, planID)
	p, err := scanPlan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Plan{}, domain.ErrPlanNotFound
	}
	if err != nil {
		return domain.Plan{}, &domain.PersistenceError{Op: "get_plan", Err: err}
	}
	return p, nil
}

func (s *Store) SetPermanentIdentifier(ctx context.Context, planID, identifier string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE plans SET permanent_identifier=$2 WHERE id=$1`, planID, identifier)
	if err != nil {
		return &domain.PersistenceError{Op: "set_permanent_identifier", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPlanNotFound
	}
	return nil
}

// VerifySchema confirms the tables this service reads and writes exist.
// Migrations are owned by the platform, not the service.
func (s *Store) VerifySchema(ctx context.Context) error {
	for _, table := range []string{"plans", "submission_records", "attempt_logs", "reference_codes"} {
		var present bool
		if err := s.DB.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&present); err != nil {
			return &domain.PersistenceError{Op: "verify_schema", Err: err}
		}
		if !present {
			return &domain.PersistenceError{Op: "verify_schema", Err: fmt.Errorf("table %s does not exist", table)}
		}
	}
	return nil
}

func scanRecord(row pgx.Row) (domain.SubmissionRecord, error) {
	var rec domain.SubmissionRecord
	var handle *string
	var errsBytes []byte
	if err := row.Scan(&rec.PlanID, &rec.State, &handle, &rec.Fingerprint, &rec.LastSummary, &errsBytes,
		&rec.AttemptCount, &rec.ConsecutiveFailures, &rec.LastAttemptAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return domain.SubmissionRecord{}, err
	}
	if handle != nil {
		rec.JobHandle = *handle
	}
	if len(errsBytes) > 0 {
		if err := json.Unmarshal(errsBytes, &rec.ValidationErrors); err != nil {
			return domain.SubmissionRecord{}, err
		}
	}
	return rec, nil
}

func scanPlan(row pgx.Row) (domain.Plan, error) {
	var p domain.Plan
	var name, permanentID, adminArea, description *string
	var scale *int
	var geom, objects, groups []byte
	var lastModified time.Time
	if err := row.Scan(&p.ID, &name, &p.LifecycleStatus, &permanentID, &adminArea, &scale, &description, &p.SRID,
		&geom, &p.ApprovedAt, &p.ValidFrom, &p.ValidTo, &objects, &groups, &lastModified); err != nil {
		return domain.Plan{}, err
	}
	if name != nil {
		p.Name = *name
	}
	if permanentID != nil {
		p.PermanentIdentifier = *permanentID
	}
	if adminArea != nil {
		p.AdministrativeArea = *adminArea
	}
	if scale != nil {
		p.Scale = *scale
	}
	if description != nil {
		p.Description = *description
	}
	p.Geometry = geom
	p.LastModified = lastModified
	if len(objects) > 0 {
		if err := json.Unmarshal(objects, &p.Objects); err != nil {
			return domain.Plan{}, err
		}
	}
	if len(groups) > 0 {
		if err := json.Unmarshal(groups, &p.RegulationGroups); err != nil {
			return domain.Plan{}, err
		}
	}
	return p, nil
}
