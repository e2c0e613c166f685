// Package tools implements the MCP tool handlers that expose spec-flow
// session state to the assistant.
//
// Each tool holds its dependencies in a struct and returns a handler
// compatible with mcp-go's CallToolRequest signature. Tools depend on the
// State interface, not on the memory manager directly.
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/BrendanShields/spec-flow/internal/history"
	"github.com/BrendanShields/spec-flow/internal/memory"
	"github.com/BrendanShields/spec-flow/internal/metrics"
	"github.com/BrendanShields/spec-flow/internal/validator"
	"github.com/BrendanShields/spec-flow/internal/workflow"
)

// State is the slice of the memory manager the tools use.
type State interface {
	Reload() error
	GetCurrentSession() *workflow.SessionState
	UpdateSession(ctx context.Context, patch *workflow.SessionPatch) error
	TransitionPhase(ctx context.Context, from, to workflow.Phase, metadata map[string]any) error
	ValidateState() validator.Result

	CreateSnapshot(ctx context.Context, label string) (string, error)
	ListSnapshots() ([]memory.Snapshot, error)
	RestoreSnapshot(ctx context.Context, id string) error

	DetectInconsistencies() []memory.Inconsistency
	RepairState(ctx context.Context, autoFix bool) (memory.RepairReport, error)

	GetStateHistory(limit int) ([]history.Entry, error)
	GetFeatureHistory(featureID string) ([]history.Entry, error)
	GetHistoryStatistics() (history.Statistics, error)
	GetSessionMetrics() (metrics.SessionMetrics, error)
	GetVelocityMetrics(period metrics.Period) (metrics.Velocity, error)
}

var _ State = (*memory.Manager)(nil)

// Clock returns the current time. Tools use it for relative timestamps.
type Clock func() time.Time

// current re-reads the session file so changes made by hook processes are
// visible, then returns the cached copy.
func current(st State) (*workflow.SessionState, error) {
	if err := st.Reload(); err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return st.GetCurrentSession(), nil
}

// relTime renders ts relative to now, falling back to ts itself.
func relTime(ts string, now time.Time) string {
	t, err := workflow.ParseTimestamp(ts)
	if err != nil {
		return ts
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// optionalInt returns the named integer argument and whether it was set.
func optionalInt(req mcp.CallToolRequest, name string) (int, bool) {
	if _, ok := req.GetArguments()[name]; !ok {
		return 0, false
	}
	return req.GetInt(name, 0), true
}

func joinPhases(ps []workflow.Phase) string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}
