package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/BrendanShields/spec-flow/internal/history"
	"github.com/BrendanShields/spec-flow/internal/metrics"
)

// ─── specflow_history ────────────────────────────────────────────────────────

// HistoryTool handles the specflow_history MCP tool.
type HistoryTool struct {
	state State
	now   Clock
}

// NewHistoryTool creates a HistoryTool.
func NewHistoryTool(state State, now Clock) *HistoryTool {
	if now == nil {
		now = time.Now
	}
	return &HistoryTool{state: state, now: now}
}

// Definition returns the MCP tool definition for registration.
func (t *HistoryTool) Definition() mcp.Tool {
	return mcp.NewTool("specflow_history",
		mcp.WithDescription(
			"Show recorded session changes, newest last. Filter by feature or "+
				"include aggregate statistics.",
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Number of entries. Default: %d.", history.DefaultRecentLimit)),
		),
		mcp.WithString("feature",
			mcp.Description("Only entries whose before or after state has this feature."),
		),
		mcp.WithBoolean("stats",
			mcp.Description("Append change statistics. Default: false."),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

// Handle processes the specflow_history tool call.
func (t *HistoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", history.DefaultRecentLimit)
	feature := strings.TrimSpace(req.GetString("feature", ""))

	var (
		entries []history.Entry
		err     error
	)
	if feature != "" {
		entries, err = t.state.GetFeatureHistory(feature)
		if err == nil && limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	} else {
		entries, err = t.state.GetStateHistory(limit)
	}
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	var b strings.Builder
	if len(entries) == 0 {
		b.WriteString("No history recorded yet.\n")
	} else {
		b.WriteString(FormatHistory(entries, t.now()))
	}

	if req.GetBool("stats", false) {
		stats, err := t.state.GetHistoryStatistics()
		if err != nil {
			return nil, fmt.Errorf("computing history statistics: %w", err)
		}
		b.WriteString("\n")
		b.WriteString(FormatStatistics(stats, t.now()))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// FormatHistory renders entries as a markdown table.
func FormatHistory(entries []history.Entry, now time.Time) string {
	var b strings.Builder
	b.WriteString("| When | Type | Feature | Phase | Changed |\n")
	b.WriteString("|------|------|---------|-------|---------|\n")
	for _, e := range entries {
		feature, phase := "—", "—"
		if e.After != nil {
			feature = orDash(e.After.FeatureID())
			phase = string(e.After.CurrentPhase())
		}
		changed := strings.Join(e.ChangedFields, ", ")
		if e.Type == history.TypeRepair {
			changed = strings.Join(history.StringList(e.Metadata["repairs"]), ", ")
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			relTime(e.Timestamp, now), e.Type, feature, phase, orDash(changed))
	}
	return b.String()
}

// FormatStatistics renders history statistics as markdown.
func FormatStatistics(s history.Statistics, now time.Time) string {
	var b strings.Builder
	b.WriteString("## Statistics\n\n")
	fmt.Fprintf(&b, "- Total changes: %s\n", humanize.Comma(int64(s.TotalChanges)))
	fmt.Fprintf(&b, "- Changes per day: %s\n", humanize.FtoaWithDigits(s.AverageChangesPerDay, 1))
	if s.LastChange != nil {
		fmt.Fprintf(&b, "- Last change: %s\n", relTime(*s.LastChange, now))
	}
	if len(s.ByType) > 0 {
		fmt.Fprintf(&b, "- By type: %s\n", formatCounts(s.ByType))
	}
	if len(s.ByPhase) > 0 {
		fmt.Fprintf(&b, "- By phase: %s\n", formatCounts(s.ByPhase))
	}
	return b.String()
}

func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, ", ")
}

// ─── specflow_metrics ────────────────────────────────────────────────────────

// MetricsTool handles the specflow_metrics MCP tool.
type MetricsTool struct {
	state State
}

// NewMetricsTool creates a MetricsTool.
func NewMetricsTool(state State) *MetricsTool {
	return &MetricsTool{state: state}
}

// Definition returns the MCP tool definition for registration.
func (t *MetricsTool) Definition() mcp.Tool {
	return mcp.NewTool("specflow_metrics",
		mcp.WithDescription(
			"Summarise the whole session history: time per phase, features "+
				"started and completed, task completion, repaired issues and the "+
				"busiest hours.",
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

// Handle processes the specflow_metrics tool call.
func (t *MetricsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, err := t.state.GetSessionMetrics()
	if err != nil {
		return nil, fmt.Errorf("calculating metrics: %w", err)
	}
	return mcp.NewToolResultText(FormatMetrics(m)), nil
}

// FormatMetrics renders session metrics as markdown.
func FormatMetrics(m metrics.SessionMetrics) string {
	var b strings.Builder
	b.WriteString("# Session Metrics\n\n")
	fmt.Fprintf(&b, "- Tracked time: %s h\n", humanize.FtoaWithDigits(m.TotalDuration, 1))
	fmt.Fprintf(&b, "- Changes: %s (%s/day)\n",
		humanize.Comma(int64(m.TotalChanges)), humanize.FtoaWithDigits(m.VelocityChangesPerDay, 1))
	fmt.Fprintf(&b, "- Features: %d total, %d completed, %d in progress (%d%%)\n",
		m.Features.Total, m.Features.Completed, m.Features.InProgress, m.Features.CompletionRate)
	fmt.Fprintf(&b, "- Tasks: %d/%d (%d%%), %s per feature\n",
		m.Tasks.Completed, m.Tasks.Total, m.Tasks.CompletionRate,
		humanize.FtoaWithDigits(m.Tasks.AverageTasksPerFeature, 1))

	if len(m.PhaseStats) > 0 {
		b.WriteString("\n## Phases\n\n| Phase | Visits | Avg hours |\n|-------|--------|-----------|\n")
		for _, p := range m.PhaseStats {
			fmt.Fprintf(&b, "| %s | %d | %s |\n", p.Phase, p.Count, humanize.FtoaWithDigits(p.AverageDuration, 1))
		}
	}
	if len(m.Issues) > 0 {
		b.WriteString("\n## Repaired issues\n\n")
		for _, is := range m.Issues {
			fmt.Fprintf(&b, "- %s: %d\n", is.Type, is.Count)
		}
	}
	if len(m.ActivityPatterns) > 0 {
		b.WriteString("\n## Busiest hours\n\n")
		for _, a := range m.ActivityPatterns {
			fmt.Fprintf(&b, "- %02d:00 %d change%s\n", a.Hour, a.ChangeCount, plural(a.ChangeCount))
		}
	}
	return b.String()
}

// ─── specflow_velocity ───────────────────────────────────────────────────────

// VelocityTool handles the specflow_velocity MCP tool.
type VelocityTool struct {
	state State
}

// NewVelocityTool creates a VelocityTool.
func NewVelocityTool(state State) *VelocityTool {
	return &VelocityTool{state: state}
}

// Definition returns the MCP tool definition for registration.
func (t *VelocityTool) Definition() mcp.Tool {
	return mcp.NewTool("specflow_velocity",
		mcp.WithDescription("Throughput over a recent window: features, tasks and phase transitions."),
		mcp.WithString("period",
			mcp.Description("Window to measure. Default: week."),
			mcp.Enum(string(metrics.PeriodDay), string(metrics.PeriodWeek), string(metrics.PeriodMonth)),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

// Handle processes the specflow_velocity tool call.
func (t *VelocityTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	period, err := metrics.ParsePeriod(req.GetString("period", string(metrics.PeriodWeek)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	v, err := t.state.GetVelocityMetrics(period)
	if err != nil {
		return nil, fmt.Errorf("calculating velocity: %w", err)
	}
	return mcp.NewToolResultText(FormatVelocity(v)), nil
}

// FormatVelocity renders velocity metrics as markdown.
func FormatVelocity(v metrics.Velocity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Velocity (last %s)\n\n", v.Period)
	fmt.Fprintf(&b, "- Features completed: %d\n", v.FeaturesCompleted)
	fmt.Fprintf(&b, "- Tasks completed: %d\n", v.TasksCompleted)
	fmt.Fprintf(&b, "- Phase transitions: %d\n", v.PhasesTransitioned)
	fmt.Fprintf(&b, "- Avg feature time: %s h\n", humanize.FtoaWithDigits(v.AverageFeatureTime, 1))
	fmt.Fprintf(&b, "- Avg task time: %s h\n", humanize.FtoaWithDigits(v.AverageTaskTime, 1))
	return b.String()
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
