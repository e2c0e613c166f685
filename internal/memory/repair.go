package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BrendanShields/spec-flow/internal/paths"
	"github.com/BrendanShields/spec-flow/internal/txn"
	"github.com/BrendanShields/spec-flow/internal/validator"
	"github.com/BrendanShields/spec-flow/internal/workflow"
)

// InconsistencyType classifies a detected integrity problem.
type InconsistencyType string

const (
	OrphanedState     InconsistencyType = "orphaned_state"
	InvalidPhase      InconsistencyType = "invalid_phase"
	MissingFeature    InconsistencyType = "missing_feature"
	TimestampMismatch InconsistencyType = "timestamp_mismatch"
	SchemaMismatch    InconsistencyType = "schema_mismatch"
)

// Inconsistency is one finding of DetectInconsistencies. It is computed on
// demand and never stored.
type Inconsistency struct {
	Type       InconsistencyType  `json:"type"`
	Severity   validator.Severity `json:"severity"`
	Message    string             `json:"message"`
	Field      string             `json:"field,omitempty"`
	Suggestion string             `json:"suggestion,omitempty"`
}

// RepairResult is the outcome of one repair item.
type RepairResult string

const (
	RepairFixed   RepairResult = "fixed"
	RepairFailed  RepairResult = "failed"
	RepairSkipped RepairResult = "skipped"
)

// Repair describes what was (or would be) done about one issue.
type Repair struct {
	Issue  string       `json:"issue"`
	Action string       `json:"action"`
	Result RepairResult `json:"result"`
}

// RepairReport is returned by RepairState.
type RepairReport struct {
	Success    bool     `json:"success"`
	Repairs    []Repair `json:"repairs"`
	Errors     []string `json:"errors"`
	BackupPath string   `json:"backupPath,omitempty"`
}

// DetectInconsistencies scans the cached session. It reads the filesystem
// but writes nothing.
func (m *Manager) DetectInconsistencies() []Inconsistency {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detectLocked()
}

// RepairState fixes what DetectInconsistencies finds. With autoFix false it
// only reports what it would do.
func (m *Manager) RepairState(ctx context.Context, autoFix bool) (RepairReport, error) {
	if !autoFix {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.repairLocked(false), nil
	}
	var report RepairReport
	err := m.mutate(ctx, "repair", func() error {
		report = m.repairLocked(true)
		return nil
	})
	return report, err
}

func (m *Manager) detectLocked() []Inconsistency {
	out := []Inconsistency{}
	if m.cache == nil {
		return append(out, Inconsistency{
			Type:     MissingFeature,
			Severity: validator.SeverityCritical,
			Message:  "Session state is null",
		})
	}
	s := m.cache

	if feature := s.FeatureID(); feature != "" {
		dir := filepath.Join(m.paths.FeaturesDir(), feature)
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			out = append(out, Inconsistency{
				Type:       OrphanedState,
				Severity:   validator.SeverityError,
				Message:    fmt.Sprintf("Active feature %q directory not found", feature),
				Field:      "feature",
				Suggestion: "Clear session state or recreate feature directory",
			})
		}
	}

	if s.Phase != nil && !workflow.ValidPhase(*s.Phase) {
		out = append(out, Inconsistency{
			Type:       InvalidPhase,
			Severity:   validator.SeverityError,
			Message:    fmt.Sprintf("Invalid phase %q", *s.Phase),
			Field:      "phase",
			Suggestion: "Reset phase to \"none\"",
		})
	}

	if s.Started != nil && s.LastUpdated != "" {
		started, errS := workflow.ParseTimestamp(*s.Started)
		updated, errU := workflow.ParseTimestamp(s.LastUpdated)
		switch {
		case errS != nil || errU != nil:
			out = append(out, Inconsistency{
				Type:       TimestampMismatch,
				Severity:   validator.SeverityError,
				Message:    "Invalid timestamp format",
				Suggestion: "Reset last_updated to the current time",
			})
		case updated.Before(started):
			out = append(out, Inconsistency{
				Type:       TimestampMismatch,
				Severity:   validator.SeverityWarning,
				Message:    "last_updated is before started",
				Field:      "last_updated",
				Suggestion: "Reset last_updated to the current time",
			})
		}
	}

	if s.SchemaVersion != m.cfg.Version {
		out = append(out, Inconsistency{
			Type:       SchemaMismatch,
			Severity:   validator.SeverityWarning,
			Message:    fmt.Sprintf("Schema version %s differs from configured %s", s.SchemaVersion, m.cfg.Version),
			Field:      "schema_version",
			Suggestion: "Update schema_version to " + m.cfg.Version,
		})
	}

	phase := s.CurrentPhase()
	switch {
	case s.FeatureID() != "" && phase == workflow.PhaseNone:
		out = append(out, Inconsistency{
			Type:       InvalidPhase,
			Severity:   validator.SeverityWarning,
			Message:    "Feature is set but phase is \"none\"",
			Field:      "phase",
			Suggestion: "Transition to an active phase",
		})
	case s.FeatureID() == "" && phase != workflow.PhaseNone:
		out = append(out, Inconsistency{
			Type:       MissingFeature,
			Severity:   validator.SeverityWarning,
			Message:    fmt.Sprintf("Phase is %q but no feature is active", phase),
			Field:      "feature",
			Suggestion: "Set a feature or reset phase to \"none\"",
		})
	}
	return out
}

func (m *Manager) repairLocked(autoFix bool) RepairReport {
	report := RepairReport{Success: true, Repairs: []Repair{}, Errors: []string{}}

	if autoFix && m.cache != nil {
		backup, err := m.createBackup("pre-repair")
		if err != nil {
			m.log.Error("pre-repair backup failed", "error", err)
			report.Success = false
			report.Errors = append(report.Errors, "Backup failed: "+err.Error())
			return report
		}
		report.BackupPath = backup
	}

	issues := m.detectLocked()
	if len(issues) == 0 {
		report.Repairs = append(report.Repairs, Repair{
			Issue:  "State validation",
			Action: "Validated state - no issues found",
			Result: RepairFixed,
		})
		return report
	}

	var before workflow.SessionState
	if m.cache != nil {
		before = m.cache.Clone()
	}
	var fixed []string

	for _, inc := range issues {
		issue := fmt.Sprintf("%s: %s", inc.Type, inc.Message)

		if inc.Severity == validator.SeverityCritical && !autoFix {
			report.Repairs = append(report.Repairs, Repair{Issue: issue, Action: "Manual intervention required", Result: RepairSkipped})
			continue
		}
		if !autoFix {
			report.Repairs = append(report.Repairs, Repair{Issue: issue, Action: dryRunAction(inc.Type), Result: RepairSkipped})
			continue
		}

		action, err := m.fixLocked(inc)
		if err != nil {
			report.Repairs = append(report.Repairs, Repair{Issue: issue, Action: action, Result: RepairFailed})
			report.Errors = append(report.Errors, fmt.Sprintf("Failed to repair %s: %v", inc.Type, err))
			report.Success = false
			continue
		}
		report.Repairs = append(report.Repairs, Repair{Issue: issue, Action: action, Result: RepairFixed})
		fixed = append(fixed, string(inc.Type))
	}

	if autoFix && len(report.Errors) == 0 {
		if res := m.validateLocked(); !res.Valid {
			report.Success = false
			report.Errors = append(report.Errors, "State still invalid after repairs")
		}
	}

	if autoFix && len(fixed) > 0 && m.cache != nil {
		if err := m.history.LogRepair(before, *m.cache, fixed, nil); err != nil {
			m.log.Error("recording repair failed", "error", err)
		}
	}
	return report
}

func dryRunAction(t InconsistencyType) string {
	switch t {
	case OrphanedState:
		return "Would clear orphaned feature from session"
	case InvalidPhase, MissingFeature:
		return `Would reset phase to "none"`
	case TimestampMismatch:
		return "Would update last_updated timestamp"
	case SchemaMismatch:
		return "Would update schema_version to current"
	}
	return "No automatic repair available"
}

// fixLocked applies the deterministic fix for one finding through the
// normal update path.
func (m *Manager) fixLocked(inc Inconsistency) (string, error) {
	if m.cache == nil {
		return "Initialize session state", ErrNoActiveSession
	}
	patch := workflow.NewPatch()
	var action string

	switch inc.Type {
	case OrphanedState:
		patch.ClearFeature().SetPhase(workflow.PhaseNone)
		action = "Cleared orphaned feature from session"
	case InvalidPhase:
		patch.SetPhase(workflow.PhaseNone)
		action = `Reset phase to "none"`
	case TimestampMismatch:
		// updateLocked stamps last_updated.
		action = "Updated last_updated timestamp to current time"
	case SchemaMismatch:
		patch.SetSchemaVersion(m.cfg.Version)
		action = "Updated schema_version to " + m.cfg.Version
	case MissingFeature:
		patch.SetPhase(workflow.PhaseNone)
		action = `Reset phase to "none" (no active feature)`
	default:
		return "No automatic repair available", fmt.Errorf("unknown inconsistency %q", inc.Type)
	}

	switch inc.Type {
	case OrphanedState, InvalidPhase, MissingFeature:
		patch.SetProgress(workflow.ExpectedProgress(workflow.PhaseNone))
	}
	if _, err := m.updateLocked(patch); err != nil {
		return action, err
	}
	return action, nil
}

// createBackup copies the session file into the backups directory and
// returns the backup path. A missing session file is not an error; the
// path is returned anyway.
func (m *Manager) createBackup(label string) (string, error) {
	name := fmt.Sprintf("%s.%s.%s.backup", paths.SessionFile, label, txn.BackupStamp(m.now()))
	dst := filepath.Join(m.paths.BackupsDir(), name)

	data, err := os.ReadFile(m.paths.SessionFile())
	if errors.Is(err, os.ErrNotExist) {
		return dst, nil
	}
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.paths.BackupsDir(), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", err
	}
	m.log.Debug("session backed up", "path", dst)
	return dst, nil
}
