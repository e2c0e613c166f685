package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/BrendanShields/spec-flow/internal/memory"
)

// ─── specflow_snapshot_create ────────────────────────────────────────────────

// SnapshotCreateTool handles the specflow_snapshot_create MCP tool.
type SnapshotCreateTool struct {
	state State
}

// NewSnapshotCreateTool creates a SnapshotCreateTool.
func NewSnapshotCreateTool(state State) *SnapshotCreateTool {
	return &SnapshotCreateTool{state: state}
}

// Definition returns the MCP tool definition for registration.
func (t *SnapshotCreateTool) Definition() mcp.Tool {
	return mcp.NewTool("specflow_snapshot_create",
		mcp.WithDescription(
			"Save a point-in-time snapshot of the session together with hashes "+
				"of the memory and feature files. Restore it later with "+
				"`specflow_snapshot_restore`.",
		),
		mcp.WithString("label",
			mcp.Description("Short label, e.g. before-refactor."),
		),
	)
}

// Handle processes the specflow_snapshot_create tool call.
func (t *SnapshotCreateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := current(t.state); err != nil {
		return nil, err
	}
	label := strings.TrimSpace(req.GetString("label", ""))

	id, err := t.state.CreateSnapshot(ctx, label)
	if errors.Is(err, memory.ErrNoActiveSession) {
		return mcp.NewToolResultError("No active session to snapshot."), nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating snapshot: %w", err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Snapshot created: `%s` (%s)", id, orDash(label))), nil
}

// ─── specflow_snapshot_list ──────────────────────────────────────────────────

// SnapshotListTool handles the specflow_snapshot_list MCP tool.
type SnapshotListTool struct {
	state State
	now   Clock
}

// NewSnapshotListTool creates a SnapshotListTool.
func NewSnapshotListTool(state State, now Clock) *SnapshotListTool {
	if now == nil {
		now = time.Now
	}
	return &SnapshotListTool{state: state, now: now}
}

// Definition returns the MCP tool definition for registration.
func (t *SnapshotListTool) Definition() mcp.Tool {
	return mcp.NewTool("specflow_snapshot_list",
		mcp.WithDescription("List saved session snapshots, newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of snapshots to show. Default: 20."),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

// Handle processes the specflow_snapshot_list tool call.
func (t *SnapshotListTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snaps, err := t.state.ListSnapshots()
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return mcp.NewToolResultText("No snapshots yet."), nil
	}
	limit := req.GetInt("limit", 20)
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return mcp.NewToolResultText(FormatSnapshots(snaps, t.now())), nil
}

// FormatSnapshots renders snapshots as a markdown table.
func FormatSnapshots(snaps []memory.Snapshot, now time.Time) string {
	var b strings.Builder
	b.WriteString("| ID | Label | Feature | Phase | Taken |\n")
	b.WriteString("|----|-------|---------|-------|-------|\n")
	for _, s := range snaps {
		fmt.Fprintf(&b, "| `%s` | %s | %s | %s | %s |\n",
			s.ID, orDash(s.Label), orDash(s.State.FeatureID()),
			s.State.CurrentPhase(), relTime(s.Timestamp, now))
	}
	return b.String()
}

// ─── specflow_snapshot_restore ───────────────────────────────────────────────

// SnapshotRestoreTool handles the specflow_snapshot_restore MCP tool.
type SnapshotRestoreTool struct {
	state State
}

// NewSnapshotRestoreTool creates a SnapshotRestoreTool.
func NewSnapshotRestoreTool(state State) *SnapshotRestoreTool {
	return &SnapshotRestoreTool{state: state}
}

// Definition returns the MCP tool definition for registration.
func (t *SnapshotRestoreTool) Definition() mcp.Tool {
	return mcp.NewTool("specflow_snapshot_restore",
		mcp.WithDescription(
			"Replace the session with the one stored in a snapshot. The current "+
				"session file is backed up first.",
		),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Snapshot id from `specflow_snapshot_list`."),
		),
		mcp.WithDestructiveHintAnnotation(true),
	)
}

// Handle processes the specflow_snapshot_restore tool call.
func (t *SnapshotRestoreTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := current(t.state); err != nil {
		return nil, err
	}

	if err := t.state.RestoreSnapshot(ctx, strings.TrimSpace(id)); err != nil {
		if errors.Is(err, memory.ErrSnapshotNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("Snapshot %q not found.", id)), nil
		}
		return nil, fmt.Errorf("restoring snapshot: %w", err)
	}

	s := t.state.GetCurrentSession()
	text := fmt.Sprintf("Restored snapshot `%s`.", id)
	if s != nil {
		text += fmt.Sprintf("\n\n**Feature:** %s\n**Phase:** %s (%d%%)",
			orDash(s.FeatureID()), s.CurrentPhase(), s.ProgressValue())
	}
	return mcp.NewToolResultText(text), nil
}
