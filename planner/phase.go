// Package planner implements the plan→review→execute workflow layered on
// top of the agent session: phase transitions, best-effort mode
// negotiation, and the prompt synthesis for approving or revising a plan.
package planner

import "fmt"

// Phase is the stage of the plan workflow. Progression is intended to run
// idle→planning→reviewing→executing→done, but transitions are not
// enforced: SetPhase lets the user jump anywhere.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePlanning  Phase = "planning"
	PhaseReviewing Phase = "reviewing"
	PhaseExecuting Phase = "executing"
	PhaseDone      Phase = "done"
)

// Phases lists every phase in intended progression order.
func Phases() []Phase {
	return []Phase{PhaseIdle, PhasePlanning, PhaseReviewing, PhaseExecuting, PhaseDone}
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIdle, PhasePlanning, PhaseReviewing, PhaseExecuting, PhaseDone:
		return true
	}
	return false
}

// ParsePhase converts a stored string into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown plan phase %q", s)
	}
	return p, nil
}
