package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxInputBytes caps how much stdin a hook reads.
const MaxInputBytes = 1 << 20

// ErrInputTooLarge is returned when stdin exceeds MaxInputBytes.
var ErrInputTooLarge = errors.New("hook input exceeds 1 MiB")

// Input is the JSON payload a host sends on stdin, plus the spec-flow
// arguments a hook may receive either at the top level or inside
// tool_input.
type Input struct {
	CWD           string          `json:"cwd"`
	SessionID     string          `json:"session_id"`
	HookEventName string          `json:"hook_event_name"`
	ToolName      string          `json:"tool_name"`
	ToolInput     json.RawMessage `json:"tool_input,omitempty"`

	Args
}

// Args are the spec-flow specific hook arguments.
type Args struct {
	Phase         string `json:"phase,omitempty"`
	Label         string `json:"label,omitempty"`
	Auto          bool   `json:"auto,omitempty"`
	AutoFix       bool   `json:"autoFix,omitempty"`
	TasksComplete *int   `json:"tasksComplete,omitempty"`
	TasksTotal    *int   `json:"tasksTotal,omitempty"`
}

// ReadInput decodes a hook payload from r. Empty input yields a zero
// Input. Arguments missing at the top level are taken from tool_input
// when it is a JSON object.
func ReadInput(r io.Reader) (Input, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxInputBytes+1))
	if err != nil {
		return Input{}, fmt.Errorf("reading hook input: %w", err)
	}
	if len(data) > MaxInputBytes {
		return Input{}, ErrInputTooLarge
	}
	if strings.TrimSpace(string(data)) == "" {
		return Input{}, nil
	}

	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return Input{}, fmt.Errorf("decoding hook input: %w", err)
	}

	if len(in.ToolInput) > 0 && in.ToolInput[0] == '{' {
		var tool Args
		if err := json.Unmarshal(in.ToolInput, &tool); err == nil {
			in.Args = mergeArgs(in.Args, tool)
		}
	}
	return in, nil
}

func mergeArgs(top, tool Args) Args {
	if top.Phase == "" {
		top.Phase = tool.Phase
	}
	if top.Label == "" {
		top.Label = tool.Label
	}
	top.Auto = top.Auto || tool.Auto
	top.AutoFix = top.AutoFix || tool.AutoFix
	if top.TasksComplete == nil {
		top.TasksComplete = tool.TasksComplete
	}
	if top.TasksTotal == nil {
		top.TasksTotal = tool.TasksTotal
	}
	return top
}

// Output is what a hook writes to stdout.
type Output struct {
	HookSpecificOutput *SpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// SpecificOutput carries context text back to the host.
type SpecificOutput struct {
	HookEventName     string `json:"hookEventName"`
	AdditionalContext string `json:"additionalContext,omitempty"`
}

// WriteOutput writes out as one JSON line. An empty Output writes nothing.
func WriteOutput(w io.Writer, out Output) error {
	if out.HookSpecificOutput == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(out)
}
