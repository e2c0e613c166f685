// Package validator checks a SessionState against its schema and the
// cross-field invariants of the workflow.
//
// Errors block persistence; warnings are advisory and only logged.
package validator

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/BrendanShields/spec-flow/internal/workflow"
)

// ErrInvalidState is wrapped by every *ValidationError.
var ErrInvalidState = errors.New("invalid session state")

// Severity grades a validation error or a detected inconsistency.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
)

// maxProgressDrift is how far progress may stray from the phase's
// expected value before a warning is raised.
const maxProgressDrift = 15

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Issue is one blocking problem.
type Issue struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Warning is one advisory problem.
type Warning struct {
	Field      string `json:"field"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Result is the outcome of a validation.
type Result struct {
	Valid    bool      `json:"valid"`
	Errors   []Issue   `json:"errors"`
	Warnings []Warning `json:"warnings"`
}

// Err returns a *ValidationError when the result is invalid, nil otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Issues: r.Errors}
}

// ValidationError enumerates the fields that failed validation.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		msgs[i] = is.Message
	}
	return fmt.Sprintf("%s: %s", ErrInvalidState, strings.Join(msgs, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidState }

// Fields returns the failing field names.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		out[i] = is.Field
	}
	return out
}

// Validator validates session records against a configured schema version.
type Validator struct {
	schemaVersion string
}

// New creates a Validator that warns when a record's schema_version
// differs from schemaVersion.
func New(schemaVersion string) *Validator {
	return &Validator{schemaVersion: schemaVersion}
}

// ValidateSessionState checks s and returns every error and warning found.
func (v *Validator) ValidateSessionState(s workflow.SessionState) Result {
	var errs []Issue
	var warns []Warning

	addErr := func(field string, sev Severity, format string, args ...any) {
		errs = append(errs, Issue{Field: field, Message: fmt.Sprintf(format, args...), Severity: sev})
	}

	// --- Required fields ---

	if s.LastUpdated == "" {
		addErr("last_updated", SeverityCritical, "Missing required field: last_updated")
	}
	if s.SchemaVersion == "" {
		addErr("schema_version", SeverityCritical, "Missing required field: schema_version")
	}

	// --- Formats ---

	if s.Feature != nil && *s.Feature != "" && !workflow.ValidFeatureID(*s.Feature) {
		addErr("feature", SeverityError, "Invalid feature ID format: %s. Expected: 001-feature-name", *s.Feature)
	}
	if s.Phase != nil && *s.Phase != "" && !workflow.ValidPhase(*s.Phase) {
		addErr("phase", SeverityError, "Invalid phase: %s", *s.Phase)
	}

	started, startedOK := parseOptional(s.Started)
	if s.Started != nil && !startedOK {
		addErr("started", SeverityError, "Invalid started timestamp: %s", *s.Started)
	}
	updated, updatedOK := parseOptional(&s.LastUpdated)
	if s.LastUpdated != "" && !updatedOK {
		addErr("last_updated", SeverityError, "Invalid last_updated timestamp: %s", s.LastUpdated)
	}

	if s.SchemaVersion != "" && !semverPattern.MatchString(s.SchemaVersion) {
		addErr("schema_version", SeverityError, "Invalid semver format: %s", s.SchemaVersion)
	}

	// --- Ranges ---

	if s.Progress != nil && (*s.Progress < 0 || *s.Progress > 100) {
		addErr("progress", SeverityError, "Progress out of range [0-100]: %d", *s.Progress)
	}
	if s.TasksComplete != nil && *s.TasksComplete < 0 {
		addErr("tasksComplete", SeverityError, "tasksComplete cannot be negative: %d", *s.TasksComplete)
	}
	if s.TasksTotal != nil && *s.TasksTotal < 0 {
		addErr("tasksTotal", SeverityError, "tasksTotal cannot be negative: %d", *s.TasksTotal)
	}
	if s.TasksComplete != nil && s.TasksTotal != nil && *s.TasksComplete > *s.TasksTotal {
		addErr("tasksComplete", SeverityError, "tasksComplete (%d) exceeds tasksTotal (%d)", *s.TasksComplete, *s.TasksTotal)
	}

	// --- Cross-field warnings ---

	hasFeature := s.FeatureID() != ""
	hasPhase := s.Phase != nil && *s.Phase != ""

	if hasFeature && hasPhase && *s.Phase == workflow.PhaseNone {
		warns = append(warns, Warning{
			Field:      "phase",
			Message:    `Active feature but phase is "none"`,
			Suggestion: "Update phase to reflect feature progress",
		})
	}
	if !hasFeature && hasPhase && *s.Phase != workflow.PhaseNone {
		warns = append(warns, Warning{
			Field:      "feature",
			Message:    fmt.Sprintf("Phase is %q but no active feature", *s.Phase),
			Suggestion: `Set feature or reset phase to "none"`,
		})
	}
	if startedOK && updatedOK && s.Started != nil && updated.Before(started) {
		warns = append(warns, Warning{
			Field:      "last_updated",
			Message:    "last_updated is before started timestamp",
			Suggestion: "Ensure timestamps are in chronological order",
		})
	}
	if s.SchemaVersion != "" && v.schemaVersion != "" && s.SchemaVersion != v.schemaVersion {
		warns = append(warns, Warning{
			Field:      "schema_version",
			Message:    fmt.Sprintf("Schema version mismatch: state=%s, config=%s", s.SchemaVersion, v.schemaVersion),
			Suggestion: "Consider running migration to update schema",
		})
	}
	if hasPhase && s.Progress != nil {
		expected := workflow.ExpectedProgress(*s.Phase)
		if diff := abs(*s.Progress - expected); diff > maxProgressDrift {
			warns = append(warns, Warning{
				Field:      "progress",
				Message:    fmt.Sprintf("Progress %d%% inconsistent with phase %q (expected ~%d%%)", *s.Progress, *s.Phase, expected),
				Suggestion: "Verify progress calculation or phase transition",
			})
		}
	}

	return Result{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Warnings: warns,
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
