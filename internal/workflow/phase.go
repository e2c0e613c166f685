// Package workflow defines the feature workflow state machine and the
// session record that tracks it.
//
// The package is pure: phases, the transition table, the session record,
// and the patch type used to mutate it. Persistence and coordination live
// in the memory package.
package workflow

import (
	"fmt"
	"strings"
)

// --- Phase enum ---

// Phase is one stage of the feature workflow.
type Phase string

const (
	PhaseNone       Phase = "none"
	PhaseInitialize Phase = "initialize"
	PhaseGenerate   Phase = "generate"
	PhaseClarify    Phase = "clarify"
	PhasePlan       Phase = "plan"
	PhaseTasks      Phase = "tasks"
	PhaseImplement  Phase = "implement"
	PhaseValidate   Phase = "validate"
	PhaseComplete   Phase = "complete"
)

// Phases lists every phase in workflow order.
var Phases = []Phase{
	PhaseNone,
	PhaseInitialize,
	PhaseGenerate,
	PhaseClarify,
	PhasePlan,
	PhaseTasks,
	PhaseImplement,
	PhaseValidate,
	PhaseComplete,
}

// ValidPhase reports whether p is one of the known phases.
func ValidPhase(p Phase) bool {
	_, ok := phaseProgress[p]
	return ok
}

// ParsePhase converts a string to a Phase, rejecting unknown values.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.TrimSpace(s))
	if !ValidPhase(p) {
		return "", fmt.Errorf("invalid phase %q: must be one of: %s", s, PhaseList())
	}
	return p, nil
}

// PhaseList renders the phases as a comma separated list.
func PhaseList() string {
	names := make([]string, len(Phases))
	for i, p := range Phases {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

// --- Transition table ---

// Transitions is the directed set of allowed phase moves.
var Transitions = map[Phase][]Phase{
	PhaseNone:       {PhaseInitialize, PhaseGenerate},
	PhaseInitialize: {PhaseGenerate, PhaseNone},
	PhaseGenerate:   {PhaseClarify, PhasePlan, PhaseNone},
	PhaseClarify:    {PhasePlan, PhaseGenerate},
	PhasePlan:       {PhaseTasks, PhaseGenerate},
	PhaseTasks:      {PhaseImplement, PhasePlan},
	PhaseImplement:  {PhaseValidate, PhaseTasks},
	PhaseValidate:   {PhaseComplete, PhaseImplement},
	PhaseComplete:   {PhaseNone},
}

// CanTransition returns an error unless from → to is listed in Transitions.
func CanTransition(from, to Phase) error {
	for _, next := range Transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid phase transition: %s → %s", from, to)
}

// NextPhases returns a copy of the phases reachable from p.
func NextPhases(p Phase) []Phase {
	next := Transitions[p]
	out := make([]Phase, len(next))
	copy(out, next)
	return out
}

// --- Progress table ---

var phaseProgress = map[Phase]int{
	PhaseNone:       0,
	PhaseInitialize: 10,
	PhaseGenerate:   25,
	PhaseClarify:    35,
	PhasePlan:       50,
	PhaseTasks:      60,
	PhaseImplement:  80,
	PhaseValidate:   90,
	PhaseComplete:   100,
}

// ExpectedProgress returns the progress percentage for a phase; unknown
// phases map to 0.
func ExpectedProgress(p Phase) int {
	return phaseProgress[p]
}

// MilestonePhases are the phases that trigger an automatic snapshot.
var MilestonePhases = map[Phase]bool{
	PhaseGenerate: true,
	PhasePlan:     true,
	PhaseTasks:    true,
	PhaseComplete: true,
}
