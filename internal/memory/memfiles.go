package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BrendanShields/spec-flow/internal/paths"
	"github.com/BrendanShields/spec-flow/internal/txn"
	"github.com/BrendanShields/spec-flow/internal/workflow"
)

// ─── Records ─────────────────────────────────────────────────────────────────

// ProgressEntry is one WORKFLOW-PROGRESS.md record.
type ProgressEntry struct {
	Feature        string
	FeatureName    string
	Phase          workflow.Phase
	Progress       int
	Timestamp      time.Time
	CompletedTasks *int
	TotalTasks     *int
	Artifacts      []string
	Notes          string
}

// Consequences groups the outcomes of a decision.
type Consequences struct {
	Positive []string
	Negative []string
	Neutral  []string
}

// DecisionRecord is one DECISIONS-LOG.md record.
type DecisionRecord struct {
	ID           string
	Title        string
	Date         string
	Status       string // proposed | accepted | rejected | superseded
	Feature      string
	Context      string
	Decision     string
	Consequences Consequences
	Alternatives []string
}

// PlannedChange is one CHANGES-PLANNED.md record.
type PlannedChange struct {
	ID              string
	Feature         string
	Priority        string // P1 | P2 | P3
	Story           string
	Description     string
	EstimatedEffort string // S | M | L | XL
	Dependencies    []string
	Added           string
}

// ChangeCompletion is one CHANGES-COMPLETED.md record.
type ChangeCompletion struct {
	ID            string
	Feature       string
	Completed     string
	Duration      string
	ImplementedBy string
	FilesChanged  []string
	TestsAdded    []string
	Commits       []string
}

// PhaseStats describes a finished phase.
type PhaseStats struct {
	Phase          workflow.Phase
	Duration       time.Duration
	Artifacts      []string
	TasksCompleted *int
}

// ─── Appenders ───────────────────────────────────────────────────────────────

// AppendWorkflowProgress appends e to WORKFLOW-PROGRESS.md.
func (m *Manager) AppendWorkflowProgress(ctx context.Context, e ProgressEntry) error {
	return m.appendMemory(ctx, paths.WorkflowProgressFile, formatProgress(e))
}

// AppendDecision appends d to DECISIONS-LOG.md.
func (m *Manager) AppendDecision(ctx context.Context, d DecisionRecord) error {
	return m.appendMemory(ctx, paths.DecisionsLogFile, formatDecision(d))
}

// AppendPlannedChange appends c to CHANGES-PLANNED.md.
func (m *Manager) AppendPlannedChange(ctx context.Context, c PlannedChange) error {
	return m.appendMemory(ctx, paths.ChangesPlannedFile, formatPlanned(c))
}

// MarkChangeCompleted appends the completion record for id to
// CHANGES-COMPLETED.md.
func (m *Manager) MarkChangeCompleted(ctx context.Context, id string, c ChangeCompletion) error {
	if c.ID == "" {
		c.ID = id
	}
	return m.appendMemory(ctx, paths.ChangesCompletedFile, formatCompleted(c))
}

// RecordPhaseCompletion appends a progress entry for the active feature.
// Without an active feature it does nothing.
func (m *Manager) RecordPhaseCompletion(ctx context.Context, phase workflow.Phase, stats PhaseStats) error {
	s := m.GetCurrentSession()
	if s == nil || s.FeatureID() == "" {
		m.log.Warn("no active feature, skipping phase completion record", "phase", phase)
		return nil
	}
	completed, total := s.TasksComplete, s.TasksTotal
	if stats.TasksCompleted != nil {
		completed = stats.TasksCompleted
	}
	return m.AppendWorkflowProgress(ctx, ProgressEntry{
		Feature:        s.FeatureID(),
		FeatureName:    s.FeatureID(),
		Phase:          phase,
		Progress:       s.ProgressValue(),
		Timestamp:      m.now(),
		CompletedTasks: completed,
		TotalTasks:     total,
		Artifacts:      stats.Artifacts,
		Notes:          fmt.Sprintf("Phase %s completed in %s", phase, workflow.FormatDuration(stats.Duration)),
	})
}

func (m *Manager) appendMemory(ctx context.Context, name, content string) error {
	path := m.paths.MemoryFile(name)
	return m.mutate(ctx, "append_memory", func() error {
		tx := m.txn.Begin(txn.KindAppendMemory).Add(txn.OpAppend, path, "\n"+content)
		if err := m.txn.Execute(ctx, tx).Err(); err != nil {
			return fmt.Errorf("appending to %s: %w", name, err)
		}
		m.log.Debug("memory file appended", "file", name)
		return nil
	})
}

// ─── Formatting ──────────────────────────────────────────────────────────────

func formatProgress(e ProgressEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s: %s\n", e.Feature, e.FeatureName)
	fmt.Fprintf(&b, "**Phase**: %s (%d%%)\n", e.Phase, e.Progress)
	fmt.Fprintf(&b, "**Updated**: %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"))
	if e.CompletedTasks != nil && e.TotalTasks != nil {
		fmt.Fprintf(&b, "**Tasks**: %d/%d\n", *e.CompletedTasks, *e.TotalTasks)
	}
	if len(e.Artifacts) > 0 {
		fmt.Fprintf(&b, "**Artifacts**: %s\n", strings.Join(e.Artifacts, ", "))
	}
	if e.Notes != "" {
		fmt.Fprintf(&b, "**Notes**: %s\n", e.Notes)
	}
	b.WriteString("\n")
	return b.String()
}

func formatDecision(d DecisionRecord) string {
	var b strings.Builder
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "## %s: %s\n\n", d.ID, d.Title)
	fmt.Fprintf(&b, "**Date**: %s\n", d.Date)
	fmt.Fprintf(&b, "**Status**: %s\n", d.Status)
	fmt.Fprintf(&b, "**Feature**: %s\n\n", d.Feature)
	fmt.Fprintf(&b, "### Context\n%s\n\n", d.Context)
	fmt.Fprintf(&b, "### Decision\n%s\n\n", d.Decision)
	b.WriteString("### Consequences\n\n")
	writeBulletSection(&b, "Positive", d.Consequences.Positive)
	writeBulletSection(&b, "Negative", d.Consequences.Negative)
	writeBulletSection(&b, "Neutral", d.Consequences.Neutral)
	if len(d.Alternatives) > 0 {
		b.WriteString("### Alternatives Considered\n")
		for i, a := range d.Alternatives {
			fmt.Fprintf(&b, "%d. %s\n", i+1, a)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writeBulletSection(b *strings.Builder, title string, items []string) {
	fmt.Fprintf(b, "**%s**:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

func formatPlanned(c PlannedChange) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s: %s\n", c.ID, c.Description)
	fmt.Fprintf(&b, "**Feature**: %s\n", c.Feature)
	fmt.Fprintf(&b, "**Priority**: %s\n", c.Priority)
	fmt.Fprintf(&b, "**Story**: %s\n", c.Story)
	fmt.Fprintf(&b, "**Estimated Effort**: %s\n", c.EstimatedEffort)
	fmt.Fprintf(&b, "**Added**: %s\n", c.Added)
	if len(c.Dependencies) > 0 {
		fmt.Fprintf(&b, "**Dependencies**: %s\n", strings.Join(c.Dependencies, ", "))
	}
	b.WriteString("\n")
	return b.String()
}

func formatCompleted(c ChangeCompletion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s ✅\n", c.ID)
	fmt.Fprintf(&b, "**Feature**: %s\n", c.Feature)
	fmt.Fprintf(&b, "**Completed**: %s\n", c.Completed)
	fmt.Fprintf(&b, "**Duration**: %s\n", c.Duration)
	fmt.Fprintf(&b, "**Implemented By**: %s\n\n", c.ImplementedBy)
	writeBulletSection(&b, "Files Changed", c.FilesChanged)
	writeBulletSection(&b, "Tests Added", c.TestsAdded)
	writeBulletSection(&b, "Commits", c.Commits)
	return b.String()
}
