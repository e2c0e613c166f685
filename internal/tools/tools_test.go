package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrendanShields/spec-flow/internal/config"
	"github.com/BrendanShields/spec-flow/internal/logging"
	"github.com/BrendanShields/spec-flow/internal/memory"
	"github.com/BrendanShields/spec-flow/internal/workflow"
)

// --- Test helpers ---

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestState(t *testing.T) (*memory.Manager, *testClock) {
	t.Helper()
	c := &testClock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	mgr, err := memory.New(config.Default(), t.TempDir(),
		memory.WithClock(c.now), memory.WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr, c
}

func call(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// isErrorResult checks if the result is a tool error.
func isErrorResult(result *mcp.CallToolResult) bool {
	return result != nil && result.IsError
}

// getResultText extracts the text content from a CallToolResult.
func getResultText(result *mcp.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func mustHandle(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), call(args))
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

// --- Definitions ---

func TestDefinitions(t *testing.T) {
	mgr, _ := newTestState(t)
	names := map[string]mcp.Tool{
		"specflow_session_status":         NewStatusTool(mgr, nil).Definition(),
		"specflow_update_session":         NewUpdateTool(mgr).Definition(),
		"specflow_transition_phase":       NewTransitionTool(mgr).Definition(),
		"specflow_snapshot_create":        NewSnapshotCreateTool(mgr).Definition(),
		"specflow_snapshot_list":          NewSnapshotListTool(mgr, nil).Definition(),
		"specflow_snapshot_restore":       NewSnapshotRestoreTool(mgr).Definition(),
		"specflow_detect_inconsistencies": NewDetectTool(mgr).Definition(),
		"specflow_repair_state":           NewRepairTool(mgr).Definition(),
		"specflow_history":                NewHistoryTool(mgr, nil).Definition(),
		"specflow_metrics":                NewMetricsTool(mgr).Definition(),
		"specflow_velocity":               NewVelocityTool(mgr).Definition(),
	}
	for want, def := range names {
		assert.Equal(t, want, def.Name)
		assert.NotEmpty(t, def.Description, want)
	}
}

// --- Session tools ---

func TestStatusTool_NoSession(t *testing.T) {
	mgr, c := newTestState(t)
	result := mustHandle(t, NewStatusTool(mgr, c.now).Handle, nil)
	assert.False(t, isErrorResult(result))
	assert.Contains(t, getResultText(result), "No active spec-flow session")
}

func TestStatusTool_ShowsSession(t *testing.T) {
	mgr, c := newTestState(t)
	ctx := context.Background()
	require.NoError(t, mgr.TransitionPhase(ctx, workflow.PhaseNone, workflow.PhaseGenerate, nil))
	require.NoError(t, mgr.UpdateSession(ctx, workflow.NewPatch().
		SetFeature("001-auth").SetTasks(2, 5).AddBlocker("waiting on API keys")))

	text := getResultText(mustHandle(t, NewStatusTool(mgr, c.now).Handle, nil))
	assert.Contains(t, text, "**Feature:** 001-auth")
	assert.Contains(t, text, "**Phase:** generate (25%)")
	assert.Contains(t, text, "**Tasks:** 2/5")
	assert.Contains(t, text, "**Next phases:** clarify, plan, none")
	assert.Contains(t, text, "- waiting on API keys")
	assert.Contains(t, text, "ago")
}

func TestUpdateTool(t *testing.T) {
	mgr, _ := newTestState(t)
	tool := NewUpdateTool(mgr)

	result := mustHandle(t, tool.Handle, map[string]any{
		"feature":        "002-billing",
		"tasks_total":    float64(4),
		"tasks_complete": float64(1),
		"next_steps":     []any{"write tests", "ship"},
	})
	require.False(t, isErrorResult(result), getResultText(result))
	assert.Contains(t, getResultText(result), "Session updated")

	s := mgr.GetCurrentSession()
	require.NotNil(t, s)
	assert.Equal(t, "002-billing", s.FeatureID())
	done, total := s.TaskCounts()
	assert.Equal(t, 1, done)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"write tests", "ship"}, s.NextSteps)
	require.NotNil(t, s.ActiveWork)
	require.NotNil(t, s.ActiveWork.CurrentFeature)
	assert.Equal(t, "billing", s.ActiveWork.CurrentFeature.Name)

	result = mustHandle(t, tool.Handle, map[string]any{
		"task_id":          "T002",
		"task_description": "wire invoices",
		"task_completion":  "1/4 tasks (25%)",
		"blockers":         []any{"waiting on API keys"},
	})
	require.False(t, isErrorResult(result), getResultText(result))
	s = mgr.GetCurrentSession()
	require.NotNil(t, s.ActiveWork.CurrentTask)
	assert.Equal(t, "T002", s.ActiveWork.CurrentTask.ID)
	assert.Equal(t, "in_progress", s.ActiveWork.CurrentTask.Status)
	assert.Equal(t, "1/4 tasks (25%)", s.WorkflowProgress.TaskCompletion)
	assert.Equal(t, []string{"waiting on API keys"}, s.Blockers)

	result = mustHandle(t, tool.Handle, map[string]any{"blockers": []any{}})
	require.False(t, isErrorResult(result), getResultText(result))
	assert.Empty(t, mgr.GetCurrentSession().Blockers)

	result = mustHandle(t, tool.Handle, map[string]any{"feature": "none"})
	require.False(t, isErrorResult(result))
	s = mgr.GetCurrentSession()
	assert.Nil(t, s.Feature)
	assert.Nil(t, s.ActiveWork.CurrentFeature)
}

func TestUpdateTool_Rejections(t *testing.T) {
	mgr, _ := newTestState(t)
	tool := NewUpdateTool(mgr)

	assert.True(t, isErrorResult(mustHandle(t, tool.Handle, map[string]any{})), "empty update")
	assert.True(t, isErrorResult(mustHandle(t, tool.Handle, map[string]any{"feature": "auth"})), "bad feature id")
	assert.True(t, isErrorResult(mustHandle(t, tool.Handle, map[string]any{"task_status": "completed"})), "task fields without id")

	result := mustHandle(t, tool.Handle, map[string]any{
		"tasks_total":    float64(2),
		"tasks_complete": float64(3),
	})
	assert.True(t, isErrorResult(result))
	assert.Contains(t, getResultText(result), "Update rejected")
	assert.Nil(t, mgr.GetCurrentSession(), "rejected update leaves no session behind")
}

func TestTransitionTool(t *testing.T) {
	mgr, _ := newTestState(t)
	tool := NewTransitionTool(mgr)

	result := mustHandle(t, tool.Handle, map[string]any{"to": "generate", "reason": "kickoff"})
	require.False(t, isErrorResult(result), getResultText(result))
	assert.Contains(t, getResultText(result), "none → generate (25%)")

	result = mustHandle(t, tool.Handle, map[string]any{"to": "implement"})
	assert.True(t, isErrorResult(result))
	assert.Contains(t, getResultText(result), "Allowed from generate: clarify, plan, none")

	result = mustHandle(t, tool.Handle, map[string]any{"to": "bogus"})
	assert.True(t, isErrorResult(result))

	result = mustHandle(t, tool.Handle, map[string]any{})
	assert.True(t, isErrorResult(result))

	entries, err := mgr.GetStateHistory(0)
	require.NoError(t, err)
	var reasons []any
	for _, e := range entries {
		if e.Type == "transition" {
			reasons = append(reasons, e.Metadata["reason"])
		}
	}
	assert.Equal(t, []any{"kickoff"}, reasons)
}

func TestTransitionTool_SeesExternalWrites(t *testing.T) {
	mgr, _ := newTestState(t)
	require.NoError(t, mgr.TransitionPhase(context.Background(), workflow.PhaseNone, workflow.PhaseGenerate, nil))

	// Another process moves the session on.
	other, err := memory.New(config.Default(), mgr.Paths().Cwd(), memory.WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Reload())
	require.NoError(t, other.TransitionPhase(context.Background(), workflow.PhaseGenerate, workflow.PhasePlan, nil))

	result := mustHandle(t, NewTransitionTool(mgr).Handle, map[string]any{"to": "tasks"})
	require.False(t, isErrorResult(result), getResultText(result))
	assert.Contains(t, getResultText(result), "plan → tasks")
}

// --- Snapshot tools ---

func TestSnapshotTools_RoundTrip(t *testing.T) {
	mgr, c := newTestState(t)
	ctx := context.Background()

	result := mustHandle(t, NewSnapshotCreateTool(mgr).Handle, map[string]any{"label": "x"})
	assert.True(t, isErrorResult(result), "no session yet")

	result = mustHandle(t, NewSnapshotListTool(mgr, c.now).Handle, nil)
	assert.Equal(t, "No snapshots yet.", getResultText(result))

	require.NoError(t, mgr.UpdateSession(ctx, workflow.NewPatch().SetFeature("001-auth").SetPhase(workflow.PhasePlan)))
	result = mustHandle(t, NewSnapshotCreateTool(mgr).Handle, map[string]any{"label": "before-refactor"})
	require.False(t, isErrorResult(result), getResultText(result))

	snaps, err := mgr.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	id := snaps[0].ID

	text := getResultText(mustHandle(t, NewSnapshotListTool(mgr, c.now).Handle, nil))
	assert.Contains(t, text, id)
	assert.Contains(t, text, "before-refactor")
	assert.Contains(t, text, "| 001-auth | plan |")

	require.NoError(t, mgr.UpdateSession(ctx, workflow.NewPatch().SetPhase(workflow.PhaseTasks)))

	result = mustHandle(t, NewSnapshotRestoreTool(mgr).Handle, map[string]any{"id": id})
	require.False(t, isErrorResult(result), getResultText(result))
	assert.Contains(t, getResultText(result), "**Phase:** plan")
	assert.Equal(t, workflow.PhasePlan, mgr.GetCurrentSession().CurrentPhase())
}

func TestSnapshotRestoreTool_NotFound(t *testing.T) {
	mgr, _ := newTestState(t)
	result := mustHandle(t, NewSnapshotRestoreTool(mgr).Handle, map[string]any{"id": "../../etc/passwd"})
	assert.True(t, isErrorResult(result))
	assert.Contains(t, getResultText(result), "not found")

	result = mustHandle(t, NewSnapshotRestoreTool(mgr).Handle, map[string]any{})
	assert.True(t, isErrorResult(result))
}

// --- Repair tools ---

func TestDetectAndRepairTools(t *testing.T) {
	mgr, _ := newTestState(t)
	ctx := context.Background()
	require.NoError(t, mgr.UpdateSession(ctx, workflow.NewPatch().SetFeature("001-gone").SetPhase(workflow.PhasePlan)))

	text := getResultText(mustHandle(t, NewDetectTool(mgr).Handle, nil))
	assert.Contains(t, text, "# 1 Inconsistency")
	assert.Contains(t, text, "**[error] orphaned_state**")

	text = getResultText(mustHandle(t, NewRepairTool(mgr).Handle, nil))
	assert.Contains(t, text, "dry run")
	assert.Contains(t, text, "Would clear orphaned feature")
	assert.Equal(t, "001-gone", mgr.GetCurrentSession().FeatureID())

	result := mustHandle(t, NewRepairTool(mgr).Handle, map[string]any{"apply": true})
	require.False(t, isErrorResult(result), getResultText(result))
	text = getResultText(result)
	assert.Contains(t, text, "✅ **orphaned_state")
	assert.Contains(t, text, "Backup:")
	assert.Nil(t, mgr.GetCurrentSession().Feature)

	text = getResultText(mustHandle(t, NewDetectTool(mgr).Handle, nil))
	assert.Equal(t, "✅ No inconsistencies found.", text)
}

func TestDetectTool_FeatureDirPresent(t *testing.T) {
	mgr, _ := newTestState(t)
	require.NoError(t, os.MkdirAll(filepath.Join(mgr.Paths().FeaturesDir(), "001-auth"), 0o755))
	require.NoError(t, mgr.UpdateSession(context.Background(), workflow.NewPatch().SetFeature("001-auth").SetPhase(workflow.PhasePlan)))

	text := getResultText(mustHandle(t, NewDetectTool(mgr).Handle, nil))
	assert.Equal(t, "✅ No inconsistencies found.", text)
}

// --- Insight tools ---

func TestHistoryTool(t *testing.T) {
	mgr, c := newTestState(t)
	ctx := context.Background()

	assert.Contains(t, getResultText(mustHandle(t, NewHistoryTool(mgr, c.now).Handle, nil)), "No history recorded yet.")

	require.NoError(t, mgr.UpdateSession(ctx, workflow.NewPatch().SetFeature("001-auth")))
	require.NoError(t, mgr.TransitionPhase(ctx, workflow.PhaseNone, workflow.PhaseGenerate, nil))
	require.NoError(t, mgr.UpdateSession(ctx, workflow.NewPatch().SetFeature("002-other")))

	text := getResultText(mustHandle(t, NewHistoryTool(mgr, c.now).Handle, map[string]any{"stats": true}))
	assert.Contains(t, text, "| transition | 001-auth | generate |")
	assert.Contains(t, text, "## Statistics")
	assert.Contains(t, text, "Total changes: 4")
	assert.Contains(t, text, "transition=1")

	text = getResultText(mustHandle(t, NewHistoryTool(mgr, c.now).Handle, map[string]any{"limit": float64(1)}))
	assert.Contains(t, text, "002-other")
	assert.NotContains(t, text, "| transition |")

	text = getResultText(mustHandle(t, NewHistoryTool(mgr, c.now).Handle, map[string]any{"feature": "002-other"}))
	assert.Equal(t, 1, strings.Count(text, "| update | 002-other |"), "only the update that set 002-other matches")
	assert.NotContains(t, text, "| transition |")
}

func TestMetricsAndVelocityTools(t *testing.T) {
	mgr, _ := newTestState(t)
	ctx := context.Background()
	require.NoError(t, mgr.TransitionPhase(ctx, workflow.PhaseNone, workflow.PhaseGenerate, nil))
	require.NoError(t, mgr.UpdateSession(ctx, workflow.NewPatch().SetFeature("001-auth").SetTasks(0, 2)))
	require.NoError(t, mgr.UpdateSession(ctx, workflow.NewPatch().SetTasksComplete(2)))

	text := getResultText(mustHandle(t, NewMetricsTool(mgr).Handle, nil))
	assert.Contains(t, text, "# Session Metrics")
	assert.Contains(t, text, "- Tasks: 2/2 (100%)")

	text = getResultText(mustHandle(t, NewVelocityTool(mgr).Handle, map[string]any{"period": "day"}))
	assert.Contains(t, text, "# Velocity (last day)")
	assert.Contains(t, text, "- Tasks completed: 2")
	assert.Contains(t, text, "- Phase transitions: 1")

	result := mustHandle(t, NewVelocityTool(mgr).Handle, map[string]any{"period": "year"})
	assert.True(t, isErrorResult(result))
}
