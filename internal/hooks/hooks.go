// Package hooks implements the host hook handlers on top of the memory
// manager. Handlers never fail the host: core errors are logged and the
// handler returns whatever context it could build.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BrendanShields/spec-flow/internal/history"
	"github.com/BrendanShields/spec-flow/internal/logging"
	"github.com/BrendanShields/spec-flow/internal/memory"
	"github.com/BrendanShields/spec-flow/internal/workflow"
)

// Event names accepted by Handle.
const (
	EventSessionStart    = "session-start"
	EventTrackTransition = "track-transition"
	EventSnapshot        = "snapshot"
	EventValidateState   = "validate-state"
	EventSubagentStop    = "subagent-stop"
)

// Events lists every supported event in a stable order.
var Events = []string{
	EventSessionStart,
	EventTrackTransition,
	EventSnapshot,
	EventValidateState,
	EventSubagentStop,
}

// autoSnapshotInterval is the minimum gap between two auto snapshots of
// the same phase.
const autoSnapshotInterval = time.Hour

// StateManager is the part of *memory.Manager the hooks use.
type StateManager interface {
	RestoreSession(ctx context.Context) *workflow.SessionState
	Reload() error
	GetCurrentSession() *workflow.SessionState
	UpdateSession(ctx context.Context, patch *workflow.SessionPatch) error
	TransitionPhase(ctx context.Context, from, to workflow.Phase, metadata map[string]any) error
	RecordPhaseCompletion(ctx context.Context, phase workflow.Phase, stats memory.PhaseStats) error
	AppendWorkflowProgress(ctx context.Context, e memory.ProgressEntry) error
	CreateSnapshot(ctx context.Context, label string) (string, error)
	ListSnapshots() ([]memory.Snapshot, error)
	DeleteOldSnapshots(ctx context.Context, retentionDays int) (int, error)
	DetectInconsistencies() []memory.Inconsistency
	RepairState(ctx context.Context, autoFix bool) (memory.RepairReport, error)
	GetStateHistory(limit int) ([]history.Entry, error)
}

var _ StateManager = (*memory.Manager)(nil)

// Runner dispatches hook events to a StateManager.
type Runner struct {
	mgr           StateManager
	retentionDays int
	log           *slog.Logger
	now           func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = logging.Scoped(l, "hooks") }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithRetentionDays sets how long snapshots are kept. Default 30.
func WithRetentionDays(days int) Option {
	return func(r *Runner) { r.retentionDays = days }
}

// NewRunner creates a Runner.
func NewRunner(mgr StateManager, opts ...Option) *Runner {
	r := &Runner{
		mgr:           mgr,
		retentionDays: 30,
		log:           logging.Scoped(nil, "hooks"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle runs the handler for event. The only error is an unknown event.
func (r *Runner) Handle(ctx context.Context, event string, in Input) (Output, error) {
	var text string
	switch event {
	case EventSessionStart:
		text = r.SessionStart(ctx, in)
	case EventTrackTransition:
		text = r.TrackTransition(ctx, in)
	case EventSnapshot:
		text = r.Snapshot(ctx, in)
	case EventValidateState:
		text = r.ValidateState(ctx, in)
	case EventSubagentStop:
		text = r.SubagentStop(ctx, in)
	default:
		return Output{}, fmt.Errorf("unknown hook event %q", event)
	}
	if text == "" {
		return Output{}, nil
	}
	name := in.HookEventName
	if name == "" {
		name = event
	}
	return Output{HookSpecificOutput: &SpecificOutput{HookEventName: name, AdditionalContext: text}}, nil
}

// ─── Handlers ────────────────────────────────────────────────────────────────

// SessionStart restores the session from disk and summarises it.
func (r *Runner) SessionStart(ctx context.Context, _ Input) string {
	s := r.mgr.RestoreSession(ctx)
	if s == nil {
		return "No active spec-flow session."
	}

	var b strings.Builder
	b.WriteString("spec-flow session restored.\n")
	if f := s.FeatureID(); f != "" {
		fmt.Fprintf(&b, "Feature: %s\n", f)
	}
	phase := s.CurrentPhase()
	fmt.Fprintf(&b, "Phase: %s (%d%%)\n", phase, s.ProgressValue())
	if done, total := s.TaskCounts(); total > 0 {
		fmt.Fprintf(&b, "Tasks: %d/%d\n", done, total)
	}
	if t, err := workflow.ParseTimestamp(s.LastUpdated); err == nil {
		fmt.Fprintf(&b, "Last updated: %s\n", humanize.RelTime(t, r.now(), "ago", "from now"))
	}
	if next := workflow.NextPhases(phase); len(next) > 0 {
		fmt.Fprintf(&b, "Next phases: %s\n", joinPhases(next))
	}
	if incs := r.mgr.DetectInconsistencies(); len(incs) > 0 {
		fmt.Fprintf(&b, "%d state %s detected; run validate-state to review.\n",
			len(incs), plural(len(incs), "inconsistency", "inconsistencies"))
	}
	for _, blocker := range s.Blockers {
		fmt.Fprintf(&b, "Blocker: %s\n", blocker)
	}
	return strings.TrimRight(b.String(), "\n")
}

// TrackTransition moves the session to in.Phase and records the completed
// phase in the workflow progress log.
func (r *Runner) TrackTransition(ctx context.Context, in Input) string {
	if in.Phase == "" {
		return ""
	}
	to, err := workflow.ParsePhase(in.Phase)
	if err != nil {
		r.log.Warn("ignoring transition to unknown phase", "phase", in.Phase)
		return ""
	}

	s := r.current()
	from := workflow.PhaseNone
	if s != nil {
		from = s.CurrentPhase()
	}
	if from == to {
		return ""
	}

	meta := map[string]any{"source": "hook"}
	if in.SessionID != "" {
		meta["sessionId"] = in.SessionID
	}
	if err := r.mgr.TransitionPhase(ctx, from, to, meta); err != nil {
		r.log.Error("phase transition rejected", "from", from, "to", to, "error", err)
		return fmt.Sprintf("Phase transition %s → %s is not allowed. Allowed from %s: %s",
			from, to, from, joinPhases(workflow.NextPhases(from)))
	}

	if from != workflow.PhaseNone {
		stats := memory.PhaseStats{
			Phase:     from,
			Duration:  r.phaseDuration(from),
			Artifacts: artifactsFor(from),
		}
		if s != nil {
			stats.TasksCompleted = s.TasksComplete
		}
		if err := r.mgr.RecordPhaseCompletion(ctx, from, stats); err != nil {
			r.log.Error("recording phase completion failed", "phase", from, "error", err)
		}
	}

	after := r.mgr.GetCurrentSession()
	if after != nil && after.FeatureID() != "" {
		_, slug, ok := workflow.ParseFeatureID(after.FeatureID())
		if !ok {
			slug = after.FeatureID()
		}
		err := r.mgr.AppendWorkflowProgress(ctx, memory.ProgressEntry{
			Feature:        after.FeatureID(),
			FeatureName:    slug,
			Phase:          to,
			Progress:       workflow.ExpectedProgress(to),
			Timestamp:      r.now(),
			CompletedTasks: after.TasksComplete,
			TotalTasks:     after.TasksTotal,
			Notes:          "Transitioned to " + string(to),
		})
		if err != nil {
			r.log.Error("appending workflow progress failed", "error", err)
		}
	}

	logging.Success(r.log, "phase transition tracked", "from", from, "to", to)
	return fmt.Sprintf("Phase: %s → %s (%d%%)", from, to, workflow.ExpectedProgress(to))
}

// Snapshot takes a manual snapshot, or with in.Auto an auto-<phase>
// snapshot at milestone phases, then applies snapshot retention.
func (r *Runner) Snapshot(ctx context.Context, in Input) string {
	s := r.current()
	if s == nil {
		return ""
	}

	var msg string
	if in.Auto && in.Label == "" {
		msg = r.autoSnapshot(ctx, s.CurrentPhase())
	} else {
		label := in.Label
		if label == "" {
			label = "manual"
		}
		id, err := r.mgr.CreateSnapshot(ctx, label)
		if err != nil {
			r.log.Error("manual snapshot failed", "label", label, "error", err)
		} else {
			logging.Success(r.log, "manual snapshot created", "id", id, "label", label)
			msg = fmt.Sprintf("Snapshot %s created (%s).", id, label)
		}
	}

	if n, err := r.mgr.DeleteOldSnapshots(ctx, r.retentionDays); err != nil {
		r.log.Warn("snapshot retention failed", "error", err)
	} else if n > 0 {
		r.log.Info("expired snapshots removed", "count", n)
	}
	return msg
}

func (r *Runner) autoSnapshot(ctx context.Context, phase workflow.Phase) string {
	if !workflow.MilestonePhases[phase] {
		return ""
	}
	label := "auto-" + string(phase)

	snaps, err := r.mgr.ListSnapshots()
	if err != nil {
		r.log.Warn("listing snapshots failed", "error", err)
	}
	for _, snap := range snaps {
		if snap.Label != label {
			continue
		}
		// Newest first, so the first match decides.
		if age := r.now().Sub(snap.Time()); age < autoSnapshotInterval {
			r.log.Info("skipping auto snapshot, recent one exists", "phase", phase, "age", age.Round(time.Minute))
			return ""
		}
		break
	}

	id, err := r.mgr.CreateSnapshot(ctx, label)
	if err != nil {
		r.log.Error("auto snapshot failed", "phase", phase, "error", err)
		return ""
	}
	logging.Success(r.log, "auto snapshot created", "id", id, "phase", phase)
	return fmt.Sprintf("Snapshot %s created (%s).", id, label)
}

// ValidateState reports inconsistencies and, with in.AutoFix, repairs them.
func (r *Runner) ValidateState(ctx context.Context, in Input) string {
	if r.current() == nil {
		return ""
	}
	incs := r.mgr.DetectInconsistencies()
	if len(incs) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d state %s:\n", len(incs), plural(len(incs), "inconsistency", "inconsistencies"))
	for _, inc := range incs {
		fmt.Fprintf(&b, "- [%s] %s: %s", inc.Severity, inc.Type, inc.Message)
		if inc.Suggestion != "" {
			fmt.Fprintf(&b, " (%s)", inc.Suggestion)
		}
		b.WriteString("\n")
	}

	if in.AutoFix {
		report, err := r.mgr.RepairState(ctx, true)
		switch {
		case err != nil:
			r.log.Error("repair failed", "error", err)
			b.WriteString("Automatic repair failed.\n")
		case report.Success:
			fmt.Fprintf(&b, "Repaired %d %s.\n", len(report.Repairs), plural(len(report.Repairs), "issue", "issues"))
		default:
			fmt.Fprintf(&b, "Repair incomplete: %s\n", strings.Join(report.Errors, "; "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// SubagentStop records task counters reported by a finished sub-agent.
func (r *Runner) SubagentStop(ctx context.Context, in Input) string {
	if in.TasksComplete == nil && in.TasksTotal == nil {
		return ""
	}
	if r.current() == nil {
		return ""
	}
	patch := workflow.NewPatch()
	if in.TasksComplete != nil {
		patch.SetTasksComplete(*in.TasksComplete)
	}
	if in.TasksTotal != nil {
		patch.SetTasksTotal(*in.TasksTotal)
	}
	if err := r.mgr.UpdateSession(ctx, patch); err != nil {
		r.log.Error("updating task counters failed", "error", err)
		return ""
	}
	done, total := r.mgr.GetCurrentSession().TaskCounts()
	return fmt.Sprintf("Tasks: %d/%d", done, total)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// current loads the session file into the manager without recording a
// restore, and returns the session or nil.
func (r *Runner) current() *workflow.SessionState {
	if s := r.mgr.GetCurrentSession(); s != nil {
		return s
	}
	if err := r.mgr.Reload(); err != nil {
		r.log.Warn("loading session failed", "error", err)
		return nil
	}
	return r.mgr.GetCurrentSession()
}

// phaseDuration is the time since the last transition into phase, found in
// history. Zero when history has none.
func (r *Runner) phaseDuration(phase workflow.Phase) time.Duration {
	entries, err := r.mgr.GetStateHistory(history.DefaultMaxEntries)
	if err != nil {
		r.log.Warn("reading history failed", "error", err)
		return 0
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Type != history.TypeTransition {
			continue
		}
		if to, _ := e.Metadata["to"].(string); to == string(phase) {
			return r.now().Sub(e.Time())
		}
	}
	return 0
}

func artifactsFor(p workflow.Phase) []string {
	switch p {
	case workflow.PhaseInitialize:
		return []string{"project-requirements.md", "architecture-blueprint.md"}
	case workflow.PhaseGenerate:
		return []string{"spec.md"}
	case workflow.PhaseClarify:
		return []string{"clarifications.md"}
	case workflow.PhasePlan:
		return []string{"plan.md", "ADRs"}
	case workflow.PhaseTasks:
		return []string{"tasks.md"}
	case workflow.PhaseImplement:
		return []string{"source files", "tests"}
	case workflow.PhaseValidate:
		return []string{"test results", "validation report"}
	case workflow.PhaseComplete:
		return []string{"completion report", "metrics"}
	}
	return nil
}

func joinPhases(ps []workflow.Phase) string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
