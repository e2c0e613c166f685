// Package resources implements MCP resource handlers for spec-flow.
//
// Resources provide read-only data that the host can consume for context.
// They use URI-based addressing (specflow://...) following MCP conventions.
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/BrendanShields/spec-flow/internal/history"
	"github.com/BrendanShields/spec-flow/internal/workflow"
)

const (
	SessionURI = "specflow://session/current"
	HistoryURI = "specflow://history/recent"
)

// State is what the resource handlers read from.
type State interface {
	Reload() error
	GetCurrentSession() *workflow.SessionState
	GetStateHistory(limit int) ([]history.Entry, error)
}

// Handler manages spec-flow resource endpoints.
type Handler struct {
	state State
}

// NewHandler creates a resource Handler with its dependencies.
func NewHandler(state State) *Handler {
	return &Handler{state: state}
}

// SessionResource returns the MCP resource definition for the session.
func (h *Handler) SessionResource() mcp.Resource {
	return mcp.NewResource(
		SessionURI,
		"spec-flow Session",
		mcp.WithResourceDescription("Current session state: feature, phase, progress and task counters"),
		mcp.WithMIMEType("application/json"),
	)
}

// HistoryResource returns the MCP resource definition for recent history.
func (h *Handler) HistoryResource() mcp.Resource {
	return mcp.NewResource(
		HistoryURI,
		"spec-flow History",
		mcp.WithResourceDescription("Most recent recorded session changes, oldest first"),
		mcp.WithMIMEType("application/json"),
	)
}

// HandleSession returns the current session as JSON, or null when none.
func (h *Handler) HandleSession(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if err := h.state.Reload(); err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	return jsonResource(req.Params.URI, h.state.GetCurrentSession())
}

// HandleHistory returns the most recent history entries as JSON.
func (h *Handler) HandleHistory(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	entries, err := h.state.GetStateHistory(history.DefaultRecentLimit)
	if err != nil {
		return errorResource(req.Params.URI, err.Error()), nil
	}
	return jsonResource(req.Params.URI, entries)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// errorResource returns a resource with an error message.
func errorResource(uri, message string) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     fmt.Sprintf("Error: %s", message),
		},
	}
}
