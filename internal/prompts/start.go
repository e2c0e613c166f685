package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// StartPrompt handles the specflow-start MCP prompt.
// It guides the AI to open a new feature and enter the generate phase.
type StartPrompt struct{}

// NewStartPrompt creates a StartPrompt.
func NewStartPrompt() *StartPrompt {
	return &StartPrompt{}
}

// Definition returns the MCP prompt definition for registration.
func (p *StartPrompt) Definition() mcp.Prompt {
	return mcp.NewPrompt("specflow-start",
		mcp.WithPromptDescription(
			"Start work on a new feature: set it as the active feature and "+
				"move the session into the generate phase.",
		),
		mcp.WithArgument("feature",
			mcp.ArgumentDescription("Feature id in NNN-slug form, e.g. 001-user-auth"),
			mcp.RequiredArgument(),
		),
	)
}

// Handle processes the specflow-start prompt request.
func (p *StartPrompt) Handle(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	feature := strings.TrimSpace(req.Params.Arguments["feature"])
	if feature == "" {
		return nil, fmt.Errorf("feature argument is required")
	}

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Start feature: %s", feature),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.NewTextContent(fmt.Sprintf(
					"I want to start work on feature `%s`.\n\n"+
						"1. Run `specflow_session_status`. If another feature is active and not complete, "+
						"ask me before replacing it, and offer a `specflow_snapshot_create` first\n"+
						"2. Run `specflow_update_session` with `feature: %s`\n"+
						"3. Run `specflow_transition_phase` with `to: generate`\n"+
						"4. Confirm the new phase and progress, then ask me to describe the feature",
					feature, feature,
				)),
			},
		},
	}, nil
}
