package workflow

import (
	"encoding/json"
	"slices"
	"time"
)

// --- Structured body ---

// FeatureContext describes the feature being worked on.
type FeatureContext struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Phase   Phase  `json:"phase" yaml:"phase"`
	Started string `json:"started" yaml:"started"`
	JiraKey string `json:"jiraKey,omitempty" yaml:"jiraKey,omitempty"`
}

// TaskContext describes the task currently in flight.
type TaskContext struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description" yaml:"description"`
	UserStory   string `json:"userStory,omitempty" yaml:"userStory,omitempty"`
	Status      string `json:"status" yaml:"status"` // pending | in_progress | completed
	Progress    string `json:"progress,omitempty" yaml:"progress,omitempty"`
}

// ActiveWork holds the current feature and task.
type ActiveWork struct {
	CurrentFeature *FeatureContext `json:"currentFeature" yaml:"currentFeature"`
	CurrentTask    *TaskContext    `json:"currentTask" yaml:"currentTask"`
}

// PhaseStatus is one row of the completed-phase checklist.
type PhaseStatus struct {
	Phase    Phase  `json:"phase" yaml:"phase"`
	Complete bool   `json:"complete" yaml:"complete"`
	Label    string `json:"label,omitempty" yaml:"label,omitempty"`
}

// WorkflowProgress tracks completed phases and a task summary string.
type WorkflowProgress struct {
	CompletedPhases []PhaseStatus `json:"completedPhases" yaml:"completedPhases"`
	TaskCompletion  string        `json:"taskCompletion" yaml:"taskCompletion"`
}

// ConfigState mirrors the workflow policy flags from config.
type ConfigState struct {
	RequireBlueprint bool `json:"requireBlueprint" yaml:"requireBlueprint"`
	RequireADR       bool `json:"requireADR" yaml:"requireADR"`
	AutoValidate     bool `json:"autoValidate" yaml:"autoValidate"`
	AutoCheckpoint   bool `json:"autoCheckpoint" yaml:"autoCheckpoint"`
}

// --- Session record ---

// SessionState is the single mutable record of workflow progress.
// Nil pointers are null on disk.
type SessionState struct {
	Feature       *string `json:"feature" yaml:"feature"`
	Phase         *Phase  `json:"phase" yaml:"phase"`
	Started       *string `json:"started" yaml:"started"`
	LastUpdated   string  `json:"last_updated" yaml:"last_updated"`
	SchemaVersion string  `json:"schema_version" yaml:"schema_version"`

	Progress      *int `json:"progress,omitempty" yaml:"progress,omitempty"`
	TasksComplete *int `json:"tasksComplete,omitempty" yaml:"tasksComplete,omitempty"`
	TasksTotal    *int `json:"tasksTotal,omitempty" yaml:"tasksTotal,omitempty"`

	ActiveWork       *ActiveWork       `json:"activeWork,omitempty" yaml:"activeWork,omitempty"`
	WorkflowProgress *WorkflowProgress `json:"workflowProgress,omitempty" yaml:"workflowProgress,omitempty"`
	ConfigState      *ConfigState      `json:"configState,omitempty" yaml:"configState,omitempty"`
	SessionNotes     string            `json:"sessionNotes,omitempty" yaml:"sessionNotes,omitempty"`
	Blockers         []string          `json:"blockers,omitempty" yaml:"blockers,omitempty"`
	NextSteps        []string          `json:"nextSteps,omitempty" yaml:"nextSteps,omitempty"`
}

// NewSession returns the default record: no feature, no phase, stamped now.
func NewSession(schemaVersion string, cs ConfigState, now time.Time) SessionState {
	return SessionState{
		LastUpdated:   FormatTimestamp(now),
		SchemaVersion: schemaVersion,
		ActiveWork:    &ActiveWork{},
		WorkflowProgress: &WorkflowProgress{
			CompletedPhases: []PhaseStatus{},
		},
		ConfigState: &cs,
	}
}

// FeatureID returns the active feature id or "".
func (s SessionState) FeatureID() string {
	if s.Feature == nil {
		return ""
	}
	return *s.Feature
}

// CurrentPhase returns the phase, treating null as PhaseNone.
func (s SessionState) CurrentPhase() Phase {
	if s.Phase == nil {
		return PhaseNone
	}
	return *s.Phase
}

// ProgressValue returns progress or 0.
func (s SessionState) ProgressValue() int {
	return deref(s.Progress)
}

// TaskCounts returns (complete, total), treating absent counters as 0.
func (s SessionState) TaskCounts() (int, int) {
	return deref(s.TasksComplete), deref(s.TasksTotal)
}

// Clone returns a deep copy.
func (s SessionState) Clone() SessionState {
	out := s
	out.Feature = clonePtr(s.Feature)
	out.Phase = clonePtr(s.Phase)
	out.Started = clonePtr(s.Started)
	out.Progress = clonePtr(s.Progress)
	out.TasksComplete = clonePtr(s.TasksComplete)
	out.TasksTotal = clonePtr(s.TasksTotal)
	if s.ActiveWork != nil {
		aw := ActiveWork{
			CurrentFeature: clonePtr(s.ActiveWork.CurrentFeature),
			CurrentTask:    clonePtr(s.ActiveWork.CurrentTask),
		}
		out.ActiveWork = &aw
	}
	if s.WorkflowProgress != nil {
		wp := *s.WorkflowProgress
		wp.CompletedPhases = slices.Clone(s.WorkflowProgress.CompletedPhases)
		out.WorkflowProgress = &wp
	}
	out.ConfigState = clonePtr(s.ConfigState)
	out.Blockers = cloneSlice(s.Blockers)
	out.NextSteps = cloneSlice(s.NextSteps)
	return out
}

// Fields returns the record as top-level JSON key → encoded value. It is
// the basis for history diffs.
func (s *SessionState) Fields() map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	if s == nil {
		return out
	}
	data, err := json.Marshal(s)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// cloneSlice keeps nil and empty distinct so JSON stays null or [].
func cloneSlice(in []string) []string {
	return slices.Clone(in)
}
