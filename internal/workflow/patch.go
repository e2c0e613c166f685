package workflow

// SessionPatch is an explicit set of field updates for a SessionState.
// Only the setters below can change a session; there is no generic merge.
//
//	p := workflow.NewPatch().SetFeature("001-demo").SetTasks(2, 5)
//	next := p.Apply(current)
type SessionPatch struct {
	ops    []func(*SessionState)
	fields []string
}

// NewPatch returns an empty patch.
func NewPatch() *SessionPatch {
	return &SessionPatch{}
}

func (p *SessionPatch) add(field string, op func(*SessionState)) *SessionPatch {
	p.ops = append(p.ops, op)
	for _, f := range p.fields {
		if f == field {
			return p
		}
	}
	p.fields = append(p.fields, field)
	return p
}

// Empty reports whether the patch changes nothing.
func (p *SessionPatch) Empty() bool { return p == nil || len(p.ops) == 0 }

// Fields lists the JSON field names the patch touches, in first-set order.
func (p *SessionPatch) Fields() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.fields...)
}

// Apply returns a copy of s with every op applied in order.
func (p *SessionPatch) Apply(s SessionState) SessionState {
	out := s.Clone()
	if p == nil {
		return out
	}
	for _, op := range p.ops {
		op(&out)
	}
	return out
}

// --- Core fields ---

func (p *SessionPatch) SetFeature(id string) *SessionPatch {
	return p.add("feature", func(s *SessionState) { s.Feature = Ptr(id) })
}

func (p *SessionPatch) ClearFeature() *SessionPatch {
	return p.add("feature", func(s *SessionState) { s.Feature = nil })
}

func (p *SessionPatch) SetPhase(ph Phase) *SessionPatch {
	return p.add("phase", func(s *SessionState) { s.Phase = Ptr(ph) })
}

func (p *SessionPatch) SetStarted(ts string) *SessionPatch {
	return p.add("started", func(s *SessionState) { s.Started = Ptr(ts) })
}

func (p *SessionPatch) SetSchemaVersion(v string) *SessionPatch {
	return p.add("schema_version", func(s *SessionState) { s.SchemaVersion = v })
}

// --- Counters ---

func (p *SessionPatch) SetProgress(n int) *SessionPatch {
	return p.add("progress", func(s *SessionState) { s.Progress = Ptr(n) })
}

func (p *SessionPatch) SetTasksComplete(n int) *SessionPatch {
	return p.add("tasksComplete", func(s *SessionState) { s.TasksComplete = Ptr(n) })
}

func (p *SessionPatch) SetTasksTotal(n int) *SessionPatch {
	return p.add("tasksTotal", func(s *SessionState) { s.TasksTotal = Ptr(n) })
}

// SetTasks sets both task counters.
func (p *SessionPatch) SetTasks(complete, total int) *SessionPatch {
	return p.SetTasksComplete(complete).SetTasksTotal(total)
}

// --- Structured body ---

func (p *SessionPatch) SetCurrentFeature(fc *FeatureContext) *SessionPatch {
	return p.add("activeWork", func(s *SessionState) {
		if s.ActiveWork == nil {
			s.ActiveWork = &ActiveWork{}
		}
		s.ActiveWork.CurrentFeature = clonePtr(fc)
	})
}

func (p *SessionPatch) SetCurrentTask(tc *TaskContext) *SessionPatch {
	return p.add("activeWork", func(s *SessionState) {
		if s.ActiveWork == nil {
			s.ActiveWork = &ActiveWork{}
		}
		s.ActiveWork.CurrentTask = clonePtr(tc)
	})
}

// MarkPhaseComplete appends ph to the completed-phase list unless present.
func (p *SessionPatch) MarkPhaseComplete(ph Phase, label string) *SessionPatch {
	return p.add("workflowProgress", func(s *SessionState) {
		if s.WorkflowProgress == nil {
			s.WorkflowProgress = &WorkflowProgress{}
		}
		for _, done := range s.WorkflowProgress.CompletedPhases {
			if done.Phase == ph {
				return
			}
		}
		s.WorkflowProgress.CompletedPhases = append(s.WorkflowProgress.CompletedPhases,
			PhaseStatus{Phase: ph, Complete: true, Label: label})
	})
}

func (p *SessionPatch) SetTaskCompletion(summary string) *SessionPatch {
	return p.add("workflowProgress", func(s *SessionState) {
		if s.WorkflowProgress == nil {
			s.WorkflowProgress = &WorkflowProgress{}
		}
		s.WorkflowProgress.TaskCompletion = summary
	})
}

func (p *SessionPatch) SetSessionNotes(notes string) *SessionPatch {
	return p.add("sessionNotes", func(s *SessionState) { s.SessionNotes = notes })
}

func (p *SessionPatch) SetBlockers(items []string) *SessionPatch {
	return p.add("blockers", func(s *SessionState) { s.Blockers = cloneSlice(items) })
}

func (p *SessionPatch) AddBlocker(item string) *SessionPatch {
	return p.add("blockers", func(s *SessionState) { s.Blockers = append(cloneSlice(s.Blockers), item) })
}

func (p *SessionPatch) SetNextSteps(items []string) *SessionPatch {
	return p.add("nextSteps", func(s *SessionState) { s.NextSteps = cloneSlice(items) })
}
