package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/BrendanShields/spec-flow/internal/memory"
)

// ─── specflow_detect_inconsistencies ─────────────────────────────────────────

// DetectTool handles the specflow_detect_inconsistencies MCP tool.
type DetectTool struct {
	state State
}

// NewDetectTool creates a DetectTool.
func NewDetectTool(state State) *DetectTool {
	return &DetectTool{state: state}
}

// Definition returns the MCP tool definition for registration.
func (t *DetectTool) Definition() mcp.Tool {
	return mcp.NewTool("specflow_detect_inconsistencies",
		mcp.WithDescription(
			"Check the session against the workspace: missing feature directories, "+
				"unknown phases, timestamp ordering and schema version. Changes nothing.",
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

// Handle processes the specflow_detect_inconsistencies tool call.
func (t *DetectTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := current(t.state); err != nil {
		return nil, err
	}
	issues := t.state.DetectInconsistencies()
	if len(issues) == 0 {
		return mcp.NewToolResultText("✅ No inconsistencies found."), nil
	}
	return mcp.NewToolResultText(FormatInconsistencies(issues)), nil
}

// FormatInconsistencies renders issues as a markdown list.
func FormatInconsistencies(issues []memory.Inconsistency) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %d Inconsistenc%s\n\n", len(issues), pluralY(len(issues)))
	for _, is := range issues {
		fmt.Fprintf(&b, "- **[%s] %s**: %s\n", is.Severity, is.Type, is.Message)
		if is.Suggestion != "" {
			fmt.Fprintf(&b, "  - Suggestion: %s\n", is.Suggestion)
		}
	}
	b.WriteString("\nRun `specflow_repair_state` with `apply: true` to fix them.")
	return b.String()
}

// ─── specflow_repair_state ───────────────────────────────────────────────────

// RepairTool handles the specflow_repair_state MCP tool.
type RepairTool struct {
	state State
}

// NewRepairTool creates a RepairTool.
func NewRepairTool(state State) *RepairTool {
	return &RepairTool{state: state}
}

// Definition returns the MCP tool definition for registration.
func (t *RepairTool) Definition() mcp.Tool {
	return mcp.NewTool("specflow_repair_state",
		mcp.WithDescription(
			"Repair detected inconsistencies. Without `apply` this is a dry run "+
				"that lists the planned actions. With `apply` the session file is "+
				"backed up and each fix is applied and recorded in history.",
		),
		mcp.WithBoolean("apply",
			mcp.Description("Apply the fixes. Default: false (dry run)."),
		),
	)
}

// Handle processes the specflow_repair_state tool call.
func (t *RepairTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := current(t.state); err != nil {
		return nil, err
	}
	apply := req.GetBool("apply", false)

	report, err := t.state.RepairState(ctx, apply)
	if err != nil {
		return nil, fmt.Errorf("repairing state: %w", err)
	}
	text := FormatRepairReport(report, apply)
	if !report.Success {
		return mcp.NewToolResultError(text), nil
	}
	return mcp.NewToolResultText(text), nil
}

// FormatRepairReport renders a repair report as markdown.
func FormatRepairReport(r memory.RepairReport, applied bool) string {
	var b strings.Builder
	if applied {
		b.WriteString("# Repair Report\n\n")
	} else {
		b.WriteString("# Repair Plan (dry run)\n\n")
	}
	for _, rp := range r.Repairs {
		marker := "⬜"
		switch rp.Result {
		case memory.RepairFixed:
			marker = "✅"
		case memory.RepairFailed:
			marker = "❌"
		}
		fmt.Fprintf(&b, "- %s **%s**: %s\n", marker, rp.Issue, rp.Action)
	}
	if len(r.Errors) > 0 {
		b.WriteString("\n## Errors\n\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	if r.BackupPath != "" {
		fmt.Fprintf(&b, "\nBackup: `%s`\n", r.BackupPath)
	}
	return b.String()
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
