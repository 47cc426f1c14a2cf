package fhir

import (
	"encoding/json"
	"strings"
)

// OperationOutcome issue severities and types used by this module.
const (
	IssueSeverityError = "error"

	IssueTypeInvalid    = "invalid"
	IssueTypeStructure  = "structure"
	IssueTypeProcessing = "processing"
	IssueTypeSecurity   = "security"
	IssueTypeLogin      = "login"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

// OutcomeDiagnostics extracts the issue diagnostics from a server response
// body holding an OperationOutcome. It returns "" for any other body.
func OutcomeDiagnostics(body []byte) string {
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		return ""
	}
	msgs := make([]string, 0, len(oo.Issue))
	for _, iss := range oo.Issue {
		if iss.Diagnostics != "" {
			msgs = append(msgs, iss.Diagnostics)
		}
	}
	return strings.Join(msgs, "; ")
}
