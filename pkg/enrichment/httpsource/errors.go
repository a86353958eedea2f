package httpsource

import (
	"fmt"
	"strings"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/redact"
)

// FailureError is the record-level error for a non-success call outcome.
//
// Raw response bodies are never included; Snippet holds a redacted, truncated hint.
type FailureError struct {
	Source     string
	Kind       OutcomeKind
	StatusCode int
	Cause      error
	Snippet    string
}

func (e *FailureError) Error() string {
	if e == nil {
		return "http enrichment failure"
	}
	parts := []string{fmt.Sprintf("http enrichment %s: source=%s", e.Kind, strings.TrimSpace(e.Source))}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Cause != nil {
		parts = append(parts, "cause="+redact.Secrets(e.Cause.Error()))
	}
	if e.Snippet != "" {
		parts = append(parts, "body="+e.Snippet)
	}
	return strings.Join(parts, " ")
}

func (e *FailureError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newFailureError(source string, o Outcome) *FailureError {
	return &FailureError{
		Source:     source,
		Kind:       o.Kind,
		StatusCode: o.StatusCode,
		Cause:      o.Cause,
		Snippet:    redact.Truncate(o.Body, 256),
	}
}

// ExtractionError is the record-level error for a successful response that does not
// yield every mapped value.
type ExtractionError struct {
	Source string
	Field  string
	Path   string
	Cause  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("http enrichment failure on reading path: source=%s field=%s path=%s: %v",
		e.Source, e.Field, e.Path, e.Cause)
}

func (e *ExtractionError) Unwrap() error { return e.Cause }
