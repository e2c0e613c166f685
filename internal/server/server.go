// Package server wires the MCP components and creates the server instance.
//
// This is the composition root: it takes the memory manager and injects it
// into the tools, prompts and resources that depend on narrower interfaces.
// No business logic lives here, only wiring.
package server

import (
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/BrendanShields/spec-flow/internal/memory"
	"github.com/BrendanShields/spec-flow/internal/prompts"
	"github.com/BrendanShields/spec-flow/internal/resources"
	"github.com/BrendanShields/spec-flow/internal/tools"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates the MCP server with every tool, prompt and resource
// registered against mgr. The caller owns mgr and closes it.
func New(mgr *memory.Manager) *server.MCPServer {
	s := server.NewMCPServer(
		"specflow",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	now := time.Now

	// --- Session ---

	statusTool := tools.NewStatusTool(mgr, now)
	s.AddTool(statusTool.Definition(), statusTool.Handle)

	updateTool := tools.NewUpdateTool(mgr)
	s.AddTool(updateTool.Definition(), updateTool.Handle)

	transitionTool := tools.NewTransitionTool(mgr)
	s.AddTool(transitionTool.Definition(), transitionTool.Handle)

	// --- Snapshots ---

	snapshotCreate := tools.NewSnapshotCreateTool(mgr)
	s.AddTool(snapshotCreate.Definition(), snapshotCreate.Handle)

	snapshotList := tools.NewSnapshotListTool(mgr, now)
	s.AddTool(snapshotList.Definition(), snapshotList.Handle)

	snapshotRestore := tools.NewSnapshotRestoreTool(mgr)
	s.AddTool(snapshotRestore.Definition(), snapshotRestore.Handle)

	// --- Consistency ---

	detectTool := tools.NewDetectTool(mgr)
	s.AddTool(detectTool.Definition(), detectTool.Handle)

	repairTool := tools.NewRepairTool(mgr)
	s.AddTool(repairTool.Definition(), repairTool.Handle)

	// --- History & metrics ---

	historyTool := tools.NewHistoryTool(mgr, now)
	s.AddTool(historyTool.Definition(), historyTool.Handle)

	metricsTool := tools.NewMetricsTool(mgr)
	s.AddTool(metricsTool.Definition(), metricsTool.Handle)

	velocityTool := tools.NewVelocityTool(mgr)
	s.AddTool(velocityTool.Definition(), velocityTool.Handle)

	// --- Prompts ---

	statusPrompt := prompts.NewStatusPrompt()
	s.AddPrompt(statusPrompt.Definition(), statusPrompt.Handle)

	startPrompt := prompts.NewStartPrompt()
	s.AddPrompt(startPrompt.Definition(), startPrompt.Handle)

	// --- Resources ---

	resourceHandler := resources.NewHandler(mgr)
	s.AddResource(resourceHandler.SessionResource(), resourceHandler.HandleSession)
	s.AddResource(resourceHandler.HistoryResource(), resourceHandler.HandleHistory)

	return s
}

// serverInstructions tells the assistant how to use spec-flow.
func serverInstructions() string {
	return `You have access to spec-flow, which tracks the state of feature work
across sessions: the active feature, its workflow phase, task progress,
snapshots and a full change history.

## Workflow

none → initialize → generate → clarify → plan → tasks → implement → validate → complete

Only moves along the workflow graph are allowed. Going back one step
(e.g. plan → generate) is allowed where the graph permits it.

## How to use it

- At the start of a conversation, call specflow_session_status.
- When moving to another phase, call specflow_transition_phase. Never edit
  the session file by hand.
- Keep task counters current with specflow_update_session.
- Before risky changes, call specflow_snapshot_create with a short label.
- If something looks wrong, call specflow_detect_inconsistencies, then
  specflow_repair_state (dry run first, then apply: true).
- Use specflow_history, specflow_metrics and specflow_velocity to report
  progress.`
}
