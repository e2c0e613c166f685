// Package sessiondoc encodes and decodes current-session.md.
//
// The YAML frontmatter carries the whole typed SessionState, so a decode
// never needs the body. The Markdown body is a rendering of the same
// record for humans and is ignored when reading.
package sessiondoc

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BrendanShields/spec-flow/internal/workflow"
)

const delimiter = "---"

// ErrNoFrontmatter is returned when a file lacks a terminated frontmatter block.
var ErrNoFrontmatter = errors.New("invalid session file format: missing frontmatter")

// Encode renders s as frontmatter + Markdown body.
func Encode(s workflow.SessionState) ([]byte, error) {
	fm, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding frontmatter: %w", err)
	}

	var b bytes.Buffer
	b.WriteString(delimiter + "\n")
	b.Write(fm)
	b.WriteString(delimiter + "\n\n")
	b.WriteString(RenderBody(s))
	return b.Bytes(), nil
}

// Decode parses a session file. Files written before the structured body
// existed carry only the five core fields; the rest stays empty. A missing
// last_updated is stamped with now and a missing schema_version with
// defaultVersion.
func Decode(data []byte, defaultVersion string, now time.Time) (workflow.SessionState, error) {
	fm, err := splitFrontmatter(data)
	if err != nil {
		return workflow.SessionState{}, err
	}

	var s workflow.SessionState
	if err := yaml.Unmarshal(fm, &s); err != nil {
		return workflow.SessionState{}, fmt.Errorf("parsing frontmatter: %w", err)
	}

	if s.Feature != nil && *s.Feature == "" {
		s.Feature = nil
	}
	if s.Phase != nil && *s.Phase == "" {
		s.Phase = nil
	}
	if s.Started != nil && *s.Started == "" {
		s.Started = nil
	}
	if s.LastUpdated == "" {
		s.LastUpdated = workflow.FormatTimestamp(now)
	}
	if s.SchemaVersion == "" {
		s.SchemaVersion = defaultVersion
	}
	return s, nil
}

func splitFrontmatter(data []byte) ([]byte, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, delimiter+"\n") {
		return nil, ErrNoFrontmatter
	}
	rest := text[len(delimiter)+1:]
	if strings.HasPrefix(rest, delimiter+"\n") || rest == delimiter {
		return []byte{}, nil
	}
	end := strings.Index(rest, "\n"+delimiter+"\n")
	if end < 0 {
		if !strings.HasSuffix(rest, "\n"+delimiter) {
			return nil, ErrNoFrontmatter
		}
		end = len(rest) - len(delimiter) - 1
	}
	return []byte(rest[:end+1]), nil
}

// --- Body rendering ---

// RenderBody renders the human-readable view of s.
func RenderBody(s workflow.SessionState) string {
	var b strings.Builder

	b.WriteString("# Current Session State\n\n")
	fmt.Fprintf(&b, "**Last Updated**: %s\n\n", s.LastUpdated)

	if id := s.FeatureID(); id != "" {
		b.WriteString("## Active Feature\n")
		fmt.Fprintf(&b, "- Feature: %s\n", id)
		if s.ActiveWork != nil && s.ActiveWork.CurrentFeature != nil && s.ActiveWork.CurrentFeature.Name != "" {
			fmt.Fprintf(&b, "- Name: %s\n", s.ActiveWork.CurrentFeature.Name)
		}
		fmt.Fprintf(&b, "- Phase: %s\n", s.CurrentPhase())
		if s.Progress != nil {
			fmt.Fprintf(&b, "- Progress: %d%%\n", *s.Progress)
		}
		if s.TasksTotal != nil {
			done, total := s.TaskCounts()
			fmt.Fprintf(&b, "- Tasks: %d/%d\n", done, total)
		}
		if s.Started != nil {
			fmt.Fprintf(&b, "- Started: %s\n", *s.Started)
		}
		b.WriteString("\n")
	}

	if s.ActiveWork != nil && s.ActiveWork.CurrentTask != nil {
		t := s.ActiveWork.CurrentTask
		b.WriteString("## Current Task\n")
		fmt.Fprintf(&b, "- %s: %s (%s)\n", t.ID, t.Description, t.Status)
		if t.UserStory != "" {
			fmt.Fprintf(&b, "- Story: %s\n", t.UserStory)
		}
		b.WriteString("\n")
	}

	if s.WorkflowProgress != nil && len(s.WorkflowProgress.CompletedPhases) > 0 {
		b.WriteString("## Workflow Progress\n")
		for _, ph := range s.WorkflowProgress.CompletedPhases {
			mark := " "
			if ph.Complete {
				mark = "x"
			}
			label := string(ph.Phase)
			if ph.Label != "" {
				label = fmt.Sprintf("%s (%s)", ph.Phase, ph.Label)
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, label)
		}
		if s.WorkflowProgress.TaskCompletion != "" {
			fmt.Fprintf(&b, "\nTasks: %s\n", s.WorkflowProgress.TaskCompletion)
		}
		b.WriteString("\n")
	}

	if s.SessionNotes != "" {
		b.WriteString("## Notes\n")
		b.WriteString(s.SessionNotes)
		b.WriteString("\n\n")
	}

	writeList(&b, "Blockers", s.Blockers)
	writeList(&b, "Next Steps", s.NextSteps)

	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}
