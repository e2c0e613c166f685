package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/BrendanShields/spec-flow/internal/memory"
	"github.com/BrendanShields/spec-flow/internal/validator"
	"github.com/BrendanShields/spec-flow/internal/workflow"
)

// ─── specflow_session_status ─────────────────────────────────────────────────

// StatusTool handles the specflow_session_status MCP tool.
type StatusTool struct {
	state State
	now   Clock
}

// NewStatusTool creates a StatusTool.
func NewStatusTool(state State, now Clock) *StatusTool {
	if now == nil {
		now = time.Now
	}
	return &StatusTool{state: state, now: now}
}

// Definition returns the MCP tool definition for registration.
func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("specflow_session_status",
		mcp.WithDescription(
			"Show the current spec-flow session: feature, phase, progress, "+
				"task counters, blockers and the phases reachable from here.",
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

// Handle processes the specflow_session_status tool call.
func (t *StatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := current(t.state)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return mcp.NewToolResultText(
			"No active spec-flow session. Start one with `specflow_transition_phase` (to: initialize or generate).",
		), nil
	}
	return mcp.NewToolResultText(FormatSession(*s, t.now())), nil
}

// FormatSession renders a session as markdown.
func FormatSession(s workflow.SessionState, now time.Time) string {
	var b strings.Builder
	b.WriteString("# Session Status\n\n")
	fmt.Fprintf(&b, "**Feature:** %s\n", orDash(s.FeatureID()))
	fmt.Fprintf(&b, "**Phase:** %s (%d%%)\n", s.CurrentPhase(), s.ProgressValue())
	if done, total := s.TaskCounts(); total > 0 {
		fmt.Fprintf(&b, "**Tasks:** %d/%d\n", done, total)
	}
	if s.Started != nil {
		fmt.Fprintf(&b, "**Started:** %s\n", relTime(*s.Started, now))
	}
	fmt.Fprintf(&b, "**Last updated:** %s\n", relTime(s.LastUpdated, now))
	fmt.Fprintf(&b, "**Schema:** %s\n", s.SchemaVersion)

	if next := workflow.NextPhases(s.CurrentPhase()); len(next) > 0 {
		fmt.Fprintf(&b, "\n**Next phases:** %s\n", joinPhases(next))
	}
	if len(s.Blockers) > 0 {
		b.WriteString("\n## Blockers\n\n")
		for _, bl := range s.Blockers {
			fmt.Fprintf(&b, "- %s\n", bl)
		}
	}
	if len(s.NextSteps) > 0 {
		b.WriteString("\n## Next Steps\n\n")
		for _, st := range s.NextSteps {
			fmt.Fprintf(&b, "- %s\n", st)
		}
	}
	if s.SessionNotes != "" {
		fmt.Fprintf(&b, "\n## Notes\n\n%s\n", s.SessionNotes)
	}
	return b.String()
}

// ─── specflow_update_session ─────────────────────────────────────────────────

// UpdateTool handles the specflow_update_session MCP tool.
type UpdateTool struct {
	state State
}

// NewUpdateTool creates an UpdateTool.
func NewUpdateTool(state State) *UpdateTool {
	return &UpdateTool{state: state}
}

// Definition returns the MCP tool definition for registration.
func (t *UpdateTool) Definition() mcp.Tool {
	return mcp.NewTool("specflow_update_session",
		mcp.WithDescription(
			"Update fields of the spec-flow session. Only the arguments you pass "+
				"are changed. Use `specflow_transition_phase` to change phase. "+
				"Updates that would leave the session invalid are rejected.",
		),
		mcp.WithString("feature",
			mcp.Description("Active feature id, e.g. 001-user-auth. Pass \"none\" to clear it."),
		),
		mcp.WithNumber("tasks_complete",
			mcp.Description("Number of completed tasks."),
		),
		mcp.WithNumber("tasks_total",
			mcp.Description("Total number of tasks for the feature."),
		),
		mcp.WithString("notes",
			mcp.Description("Replace the free-form session notes."),
		),
		mcp.WithString("blocker",
			mcp.Description("Add one blocker."),
		),
		mcp.WithArray("blockers",
			mcp.Description("Replace the list of blockers. Pass [] to clear it."),
			mcp.WithStringItems(),
		),
		mcp.WithString("task_id",
			mcp.Description("Id of the task in flight, e.g. T004. Required with the other task_* fields."),
		),
		mcp.WithString("task_description",
			mcp.Description("What the task in flight does."),
		),
		mcp.WithString("task_status",
			mcp.Description("Status of the task in flight. Default: in_progress."),
			mcp.Enum("pending", "in_progress", "completed"),
		),
		mcp.WithString("task_completion",
			mcp.Description("Task completion summary, e.g. 4/10 tasks (40%)."),
		),
		mcp.WithArray("next_steps",
			mcp.Description("Replace the list of next steps."),
			mcp.WithStringItems(),
		),
	)
}

// Handle processes the specflow_update_session tool call.
func (t *UpdateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s, err := current(t.state)
	if err != nil {
		return nil, err
	}

	patch := workflow.NewPatch()
	switch feature := strings.TrimSpace(req.GetString("feature", "")); {
	case feature == "":
	case feature == "none":
		patch.ClearFeature().SetCurrentFeature(nil)
	default:
		if !workflow.ValidFeatureID(feature) {
			return mcp.NewToolResultError(fmt.Sprintf(
				"invalid feature id %q: expected NNN-slug, e.g. 001-user-auth", feature)), nil
		}
		patch.SetFeature(feature).SetCurrentFeature(featureContext(feature, s))
	}
	if n, ok := optionalInt(req, "tasks_complete"); ok {
		patch.SetTasksComplete(n)
	}
	if n, ok := optionalInt(req, "tasks_total"); ok {
		patch.SetTasksTotal(n)
	}
	if notes := req.GetString("notes", ""); notes != "" {
		patch.SetSessionNotes(notes)
	}
	if blocker := strings.TrimSpace(req.GetString("blocker", "")); blocker != "" {
		patch.AddBlocker(blocker)
	}
	if items := req.GetStringSlice("blockers", nil); items != nil {
		patch.SetBlockers(items)
	}
	if steps := req.GetStringSlice("next_steps", nil); steps != nil {
		patch.SetNextSteps(steps)
	}
	if id := strings.TrimSpace(req.GetString("task_id", "")); id != "" {
		patch.SetCurrentTask(&workflow.TaskContext{
			ID:          id,
			Description: strings.TrimSpace(req.GetString("task_description", "")),
			Status:      req.GetString("task_status", "in_progress"),
		})
	} else if req.GetString("task_description", "") != "" || req.GetString("task_status", "") != "" {
		return mcp.NewToolResultError("task_description and task_status need task_id"), nil
	}
	if summary := strings.TrimSpace(req.GetString("task_completion", "")); summary != "" {
		patch.SetTaskCompletion(summary)
	}

	if patch.Empty() {
		return mcp.NewToolResultError("nothing to update: pass at least one field"), nil
	}

	if err := t.state.UpdateSession(ctx, patch); err != nil {
		var verr *validator.ValidationError
		if errors.As(err, &verr) {
			return mcp.NewToolResultError(fmt.Sprintf("Update rejected: %v", verr)), nil
		}
		return nil, fmt.Errorf("updating session: %w", err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Session updated: %s", strings.Join(patch.Fields(), ", "))), nil
}

// featureContext builds the active-work entry for a newly selected feature.
func featureContext(id string, s *workflow.SessionState) *workflow.FeatureContext {
	fc := &workflow.FeatureContext{ID: id, Phase: workflow.PhaseNone}
	if _, slug, ok := workflow.ParseFeatureID(id); ok {
		fc.Name = slug
	}
	if s != nil {
		fc.Phase = s.CurrentPhase()
		if s.Started != nil {
			fc.Started = *s.Started
		}
	}
	return fc
}

// ─── specflow_transition_phase ───────────────────────────────────────────────

// TransitionTool handles the specflow_transition_phase MCP tool.
type TransitionTool struct {
	state State
}

// NewTransitionTool creates a TransitionTool.
func NewTransitionTool(state State) *TransitionTool {
	return &TransitionTool{state: state}
}

// Definition returns the MCP tool definition for registration.
func (t *TransitionTool) Definition() mcp.Tool {
	phases := make([]string, len(workflow.Phases))
	for i, p := range workflow.Phases {
		phases[i] = string(p)
	}
	return mcp.NewTool("specflow_transition_phase",
		mcp.WithDescription(
			"Move the session to another workflow phase. Only transitions in the "+
				"workflow graph are allowed; progress is set from the target phase.",
		),
		mcp.WithString("to",
			mcp.Required(),
			mcp.Description("Target phase."),
			mcp.Enum(phases...),
		),
		mcp.WithString("reason",
			mcp.Description("Why the transition happens. Stored in history."),
		),
	)
}

// Handle processes the specflow_transition_phase tool call.
func (t *TransitionTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := workflow.ParsePhase(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s, err := current(t.state)
	if err != nil {
		return nil, err
	}
	from := workflow.PhaseNone
	if s != nil {
		from = s.CurrentPhase()
	}

	meta := map[string]any{"source": "mcp"}
	if reason := req.GetString("reason", ""); reason != "" {
		meta["reason"] = reason
	}

	if err := t.state.TransitionPhase(ctx, from, to, meta); err != nil {
		if errors.Is(err, memory.ErrInvalidTransition) {
			return mcp.NewToolResultError(fmt.Sprintf(
				"Transition %s → %s is not allowed. Allowed from %s: %s",
				from, to, from, joinPhases(workflow.NextPhases(from)))), nil
		}
		var verr *validator.ValidationError
		if errors.As(err, &verr) {
			return mcp.NewToolResultError(fmt.Sprintf("Transition rejected: %v", verr)), nil
		}
		return nil, fmt.Errorf("transitioning phase: %w", err)
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Phase: %s → %s (%d%%)\n\nNext phases: %s",
		from, to, workflow.ExpectedProgress(to), joinPhases(workflow.NextPhases(to)),
	)), nil
}
