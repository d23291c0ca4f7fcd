package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"planlane/pkg/domain"
	"planlane/services/pvl/internal/mapper"
	"planlane/services/pvl/internal/metrics"
)

// Identity is the service-bus member identity carried on every
// outbound call.
type Identity struct {
	Instance    string
	MemberClass string
	MemberCode  string
	Subsystem   string
}

func (id Identity) Header() string {
	return strings.Join([]string{id.Instance, id.MemberClass, id.MemberCode, id.Subsystem}, "/")
}

// Token is the short-lived bearer credential issued by the gateway for
// one run.
type Token string

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Recorder sees every wire attempt. The diagnostics sink satisfies it.
type Recorder interface {
	Record(ctx context.Context, a domain.Attempt)
}

// Client wraps all traffic through the authenticated gateway. It owns
// header construction and transport-level retry; it never touches
// persisted state.
type Client struct {
	baseURL    string
	httpClient *http.Client
	identity   Identity
	retry      RetryConfig
	recorder   Recorder
	metrics    *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func New(baseURL string, identity Identity, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		identity:   identity,
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = time.Second
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 30 * time.Second
	}
	return c
}

// Authenticate exchanges the long-lived API key for a bearer token.
// The gateway wants the key as a bare JSON string and answers in kind.
func (c *Client) Authenticate(ctx context.Context, cred domain.Credential) (Token, error) {
	body, err := json.Marshal(cred.APIKey)
	if err != nil {
		return "", err
	}
	v := url.Values{}
	v.Set("clientId", cred.ClientID)
	res := c.do(ctx, call{
		op:     "authenticate",
		method: http.MethodPost,
		path:   "/Authenticate?" + v.Encode(),
		body:   body,
	})
	if res.err != nil {
		return "", res.err
	}
	var token string
	if err := json.Unmarshal(res.body, &token); err != nil || token == "" {
		return "", &domain.AuthError{Status: res.status, Detail: "token missing from authenticate response"}
	}
	return Token(token), nil
}

type submitAccepted struct {
	JobKey string `json:"jobKey"`
}

// Submit posts the exchange payload. The registry validates
// asynchronously: acceptance returns a job handle, rejection returns
// structured errors.
func (c *Client) Submit(ctx context.Context, tok Token, planKey string, payload []byte) (string, error) {
	res := c.do(ctx, call{
		op:     "submit",
		method: http.MethodPost,
		path:   "/Plans/" + url.PathEscape(planKey) + "/validate",
		planID: planKey,
		token:  tok,
		body:   payload,
	})
	if res.err != nil {
		return "", res.err
	}
	var acc submitAccepted
	if err := json.Unmarshal(res.body, &acc); err != nil || acc.JobKey == "" {
		return "", protocolRejection(res.status, "submission accepted without a job handle")
	}
	return acc.JobKey, nil
}

type pollEnvelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Reason string          `json:"reason"`
}

// Poll fetches the job-status envelope for an in-flight submission.
func (c *Client) Poll(ctx context.Context, tok Token, planID, handle string) (domain.PollResult, error) {
	res := c.do(ctx, call{
		op:     "poll",
		method: http.MethodGet,
		path:   "/Plans/validations/" + url.PathEscape(handle),
		planID: planID,
		token:  tok,
	})
	if res.err != nil {
		return domain.PollResult{}, res.err
	}
	var env pollEnvelope
	if err := json.Unmarshal(res.body, &env); err != nil {
		return domain.PollResult{}, protocolRejection(res.status, "undecodable job status envelope")
	}
	switch domain.PollStatus(env.Status) {
	case domain.PollPending:
		return domain.PollResult{Status: domain.PollPending}, nil
	case domain.PollCompleted:
		outcome, err := mapper.FromExchangeResponse(env.Result)
		if err != nil {
			return domain.PollResult{}, protocolRejection(res.status, "undecodable job result")
		}
		return domain.PollResult{Status: domain.PollCompleted, Outcome: outcome}, nil
	case domain.PollFailed:
		reason := env.Reason
		if reason == "" {
			reason = "registry reported job failure without a reason"
		}
		return domain.PollResult{Status: domain.PollFailed, Reason: reason}, nil
	default:
		return domain.PollResult{}, protocolRejection(res.status, fmt.Sprintf("unknown job status %q", env.Status))
	}
}

type IdentifierRequest struct {
	AdministrativeAreaIdentifier string `json:"administrativeAreaIdentifier"`
	ProjectName                  string `json:"projectName,omitempty"`
}

// AcquirePermanentIdentifier asks the registry to mint the permanent
// identifier a plan must carry before submission. Answered as a bare
// JSON string.
func (c *Client) AcquirePermanentIdentifier(ctx context.Context, tok Token, planID string, req IdentifierRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	res := c.do(ctx, call{
		op:     "acquire_identifier",
		method: http.MethodPost,
		path:   "/RegionalPlanMatters/permanentPlanIdentifier",
		planID: planID,
		token:  tok,
		body:   body,
	})
	if res.err != nil {
		return "", res.err
	}
	var ident string
	if err := json.Unmarshal(res.body, &ident); err != nil || ident == "" {
		return "", protocolRejection(res.status, "identifier missing from response")
	}
	return ident, nil
}

type call struct {
	op     string
	method string
	path   string
	planID string
	token  Token
	body   []byte
}

type result struct {
	status int
	body   []byte
	err    error
}

func (c *Client) do(ctx context.Context, cl call) result {
	attempts := c.retry.MaxAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, bytes.NewReader(cl.body))
		if err != nil {
			return result{err: err}
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "planlane/1.0")
		req.Header.Set("X-Road-Client", c.identity.Header())
		if len(cl.body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if cl.token != "" {
			req.Header.Set("Authorization", "Bearer "+string(cl.token))
		}

		c.record(ctx, cl, domain.DirectionRequest, string(cl.body), fmt.Sprintf("attempt %d", attempt))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.record(ctx, cl, domain.DirectionResponse, "", "transport_error: "+err.Error())
			c.metrics.RecordGatewayRequest(cl.op, 0)
			if attempt < attempts {
				c.metrics.RecordGatewayRetry(cl.op)
				if sleepWithBackoff(ctx, c.retry, attempt, "") {
					continue
				}
			}
			return result{err: &domain.TransportError{Operation: cl.op, Attempts: attempt, Last: err}}
		}

		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		c.metrics.RecordGatewayRequest(cl.op, resp.StatusCode)
		c.record(ctx, cl, domain.DirectionResponse, string(respBody), fmt.Sprintf("status %d", resp.StatusCode))

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return result{status: resp.StatusCode, body: respBody}
		}
		if shouldRetryStatus(resp.StatusCode) {
			if attempt < attempts {
				c.metrics.RecordGatewayRetry(cl.op)
				if sleepWithBackoff(ctx, c.retry, attempt, resp.Header.Get("Retry-After")) {
					continue
				}
			}
			return result{err: &domain.TransportError{
				Operation: cl.op,
				Attempts:  attempt,
				Last:      fmt.Errorf("gateway returned status %d", resp.StatusCode),
			}}
		}
		return result{err: classifyRejection(resp.StatusCode, respBody)}
	}
	return result{err: &domain.TransportError{Operation: cl.op, Attempts: attempts, Last: ctx.Err()}}
}

// record writes one wire attempt to the sink. Authenticate carries no
// plan and is never recorded, so the API key stays out of diagnostics.
func (c *Client) record(ctx context.Context, cl call, dir domain.AttemptDirection, payload, outcome string) {
	if c.recorder == nil || cl.planID == "" {
		return
	}
	c.recorder.Record(ctx, domain.Attempt{
		ID:        ulid.Make().String(),
		PlanID:    cl.planID,
		Operation: cl.op,
		Direction: dir,
		Payload:   payload,
		Outcome:   outcome,
		At:        time.Now().UTC(),
	})
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

// classifyRejection folds every non-retryable rejection into the closed
// taxonomy. Statuses that are neither clearly transient nor clearly
// auth-related count as semantic rejections for the operator to review.
func classifyRejection(status int, body []byte) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		detail := strings.TrimSpace(string(body))
		if len(detail) > 200 {
			detail = detail[:200]
		}
		if detail == "" {
			detail = http.StatusText(status)
		}
		return &domain.AuthError{Status: status, Detail: detail}
	}
	outcome, err := mapper.FromExchangeResponse(body)
	if err != nil {
		outcome = domain.ValidationOutcome{}
	}
	outcome.Valid = false
	if len(outcome.Issues) == 0 {
		outcome.Issues = []domain.ValidationIssue{{
			Code:    "registry.rejected",
			Message: fmt.Sprintf("registry returned status %d", status),
		}}
	}
	return &domain.RemoteRejected{Status: status, Outcome: outcome}
}

func protocolRejection(status int, msg string) error {
	return &domain.RemoteRejected{
		Status: status,
		Outcome: domain.ValidationOutcome{
			Issues: []domain.ValidationIssue{{Code: "registry.protocol", Message: msg}},
		},
	}
}

func sleepWithBackoff(ctx context.Context, cfg RetryConfig, attempt int, retryAfter string) bool {
	t := time.NewTimer(backoffDelay(cfg, attempt, retryAfter))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func backoffDelay(cfg RetryConfig, attempt int, retryAfter string) time.Duration {
	if strings.TrimSpace(retryAfter) != "" {
		if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
			d := time.Duration(sec) * time.Second
			if d > cfg.MaxDelay {
				d = cfg.MaxDelay
			}
			return d
		}
	}
	max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max > float64(cfg.MaxDelay) {
		max = float64(cfg.MaxDelay)
	}
	n, _ := rand.Int(rand.Reader, bigInt(int64(max)))
	return time.Duration(n.Int64())
}

func bigInt(v int64) *big.Int {
	if v <= 1 {
		v = 1
	}
	return big.NewInt(v)
}
