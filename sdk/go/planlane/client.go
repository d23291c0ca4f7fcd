// Package planlane is the Go client for the plan validation service
// HTTP API. It is self-contained: callers get typed results without
// importing the service internals.
package planlane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const APIVersion = "v1"

type Error struct {
	StatusCode int
	ErrorCode  string
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("planlane sdk error: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

// IsNotFound reports whether the API said the plan or its submission
// is unknown.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type PlanFault struct {
	PlanID  string `json:"plan_id"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

type RunSummary struct {
	RunID         string         `json:"run_id"`
	Action        string         `json:"action"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Eligible      int            `json:"eligible"`
	Counts        map[string]int `json:"counts"`
	Unchanged     []string       `json:"unchanged,omitempty"`
	StaleResets   []string       `json:"stale_resets,omitempty"`
	NeedsOperator []string       `json:"needs_operator,omitempty"`
	Assigned      []string       `json:"assigned,omitempty"`
	Faults        []PlanFault    `json:"faults,omitempty"`
}

type RunResult struct {
	Outcome string      `json:"outcome"`
	Summary *RunSummary `json:"summary"`
}

type ValidationIssue struct {
	FieldPath string `json:"field_path"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type Submission struct {
	PlanID              string            `json:"plan_id"`
	State               string            `json:"state"`
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

type ExportResult struct {
	Payloads map[string]json.RawMessage `json:"payloads"`
	Faults   []PlanFault                `json:"faults,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// NewClient builds a client for one service instance. Run endpoints
// block until the run settles, so the default timeout has to outlast
// the service's run deadline.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ValidatePlans validates every eligible plan and reports the run.
func (c *Client) ValidatePlans(ctx context.Context) (*RunResult, error) {
	return c.startRun(ctx, map[string]any{"action": "validate_plans"})
}

// ValidatePlan validates a single plan regardless of its lifecycle
// status.
func (c *Client) ValidatePlan(ctx context.Context, planID string) (*RunResult, error) {
	if strings.TrimSpace(planID) == "" {
		return nil, errors.New("plan id is required")
	}
	return c.startRun(ctx, map[string]any{"action": "validate_plan", "plan_id": planID})
}

// AssignIdentifiers acquires permanent identifiers for eligible plans
// that lack one, without submitting anything for validation.
func (c *Client) AssignIdentifiers(ctx context.Context) (*RunResult, error) {
	return c.startRun(ctx, map[string]any{"action": "assign_identifiers"})
}

// ExportPayloads returns the exchange payload for every eligible plan
// that maps cleanly, and a fault per plan that does not.
func (c *Client) ExportPayloads(ctx context.Context) (*ExportResult, error) {
	var out ExportResult
	if err := c.do(ctx, http.MethodPost, "/pvl/runs", map[string]any{"action": "export_payloads"}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submission fetches the tracked submission state for one plan.
func (c *Client) Submission(ctx context.Context, planID string) (*Submission, error) {
	var out struct {
		Submission *Submission `json:"submission"`
	}
	path := "/pvl/plans/" + url.PathEscape(planID) + "/submission"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Submission, nil
}

// Retry clears a plan's failure streak so the next run picks it up
// again. The API refuses while a validation job is in flight.
func (c *Client) Retry(ctx context.Context, planID string) (*Submission, error) {
	var out struct {
		Submission *Submission `json:"submission"`
	}
	path := "/pvl/plans/" + url.PathEscape(planID) + "/retry"
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Submission, nil
}

func (c *Client) startRun(ctx context.Context, body map[string]any) (*RunResult, error) {
	var out RunResult
	if err := c.do(ctx, http.MethodPost, "/pvl/runs", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dst any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "planlane-go-sdk/0.1.0 (api:"+APIVersion+")")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dst == nil {
			return nil
		}
		return json.Unmarshal(respBody, dst)
	}
	return decodeError(resp.StatusCode, respBody)
}

func decodeError(status int, body []byte) error {
	var env struct {
		RequestID string `json:"request_id"`
		Error     struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &env)
	msg := env.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return &Error{StatusCode: status, ErrorCode: env.Error.Code, Message: msg, RequestID: env.RequestID}
}
