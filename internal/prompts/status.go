// Package prompts implements MCP prompt handlers for spec-flow.
//
// MCP prompts are user-triggered workflows (like slash commands) that
// instruct the AI to execute a specific sequence. Unlike tools (which
// the AI calls), prompts are initiated by the user.
package prompts

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// StatusPrompt handles the specflow-status MCP prompt.
// It instructs the AI to read and present the current session.
type StatusPrompt struct{}

// NewStatusPrompt creates a StatusPrompt.
func NewStatusPrompt() *StatusPrompt {
	return &StatusPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *StatusPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("specflow-status",
		mcp.WithPromptDescription(
			"Check the current spec-flow session. Shows the active feature, "+
				"phase, task progress, state problems and what to do next.",
		),
	)
}

// Handle processes the specflow-status prompt request.
func (p *StatusPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{
		Description: "spec-flow session status",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(
					"Please run `specflow_session_status` and `specflow_detect_inconsistencies`.\n\n" +
						"Then:\n" +
						"1. Show me the active feature, phase and task progress in a compact format\n" +
						"2. List any blockers and any state inconsistencies\n" +
						"3. If there are inconsistencies, offer to run `specflow_repair_state` (dry run first)\n" +
						"4. Tell me which phases I can move to next and what each one means",
				),
			},
		},
	}, nil
}
