package mapper

import (
	"encoding/json"
	"fmt"

	"planlane/pkg/domain"
)

type wireEnvelope struct {
	Status   int         `json:"status"`
	Errors   []wireIssue `json:"errors"`
	Warnings []wireIssue `json:"warnings"`
}

// Registry deployments spell error entries two ways; both normalize
// here and loose shapes never travel past this boundary.
type wireIssue struct {
	PropertyPath string `json:"propertyPath"`
	Instance     string `json:"instance"`
	ErrorCode    string `json:"errorCode"`
	Title        string `json:"title"`
	Message      string `json:"message"`
	Detail       string `json:"detail"`
}

func (w wireIssue) normalize() domain.ValidationIssue {
	issue := domain.ValidationIssue{
		FieldPath: w.PropertyPath,
		Code:      w.ErrorCode,
		Message:   w.Message,
	}
	if issue.FieldPath == "" {
		issue.FieldPath = w.Instance
	}
	if issue.Code == "" {
		issue.Code = w.Title
	}
	if issue.Message == "" {
		issue.Message = w.Detail
	}
	return issue
}

// FromExchangeResponse parses a registry response envelope into the
// closed validation outcome, preserving error order.
func FromExchangeResponse(body []byte) (domain.ValidationOutcome, error) {
	var env wireEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.ValidationOutcome{}, fmt.Errorf("undecodable registry response: %w", err)
	}

	var out domain.ValidationOutcome
	for _, e := range env.Errors {
		out.Issues = append(out.Issues, e.normalize())
	}
	for _, w := range env.Warnings {
		out.Warnings = append(out.Warnings, w.normalize())
	}
	out.Valid = len(out.Issues) == 0 && env.Status < 300
	if !out.Valid && len(out.Issues) == 0 {
		out.Issues = append(out.Issues, domain.ValidationIssue{
			Code:    "registry.rejected",
			Message: fmt.Sprintf("registry returned status %d without structured errors", env.Status),
		})
	}
	return out, nil
}
