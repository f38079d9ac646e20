// Package session owns the mutable per-session state of the energy pipeline:
// cumulative energy, the per-source contribution ledger, the recent-event
// ring, and the phase machine. State has exactly one writer (the cycle
// scheduler); every other component reads immutable views.
//
// All mutation funnels through the log-entry fold, so replaying the durable
// log reproduces live state exactly.
//
//go:generate go test ./... -race
package session

import "fmt"

// Phase is the session lifecycle state.
type Phase string

const (
	PhaseIdle     Phase = "idle"     // no active session
	PhaseCharging Phase = "charging" // session started, no tokens yet
	PhaseFlowing  Phase = "flowing"  // energy accruing
	PhaseDraining Phase = "draining" // no new tokens expected, final snapshot pending
)

// transitions is the legal phase graph. Transitions are driven only by
// explicit inputs, never timeouts, so replay is deterministic.
var transitions = map[Phase][]Phase{
	PhaseIdle:     {PhaseCharging},
	PhaseCharging: {PhaseFlowing, PhaseDraining},
	PhaseFlowing:  {PhaseDraining},
	PhaseDraining: {PhaseIdle},
}

// CanTransition reports whether from→to is a legal phase change.
func CanTransition(from, to Phase) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ErrPhase is returned when an input arrives in a phase that cannot accept it.
type ErrPhase struct {
	From, To Phase
}

func (e *ErrPhase) Error() string {
	return fmt.Sprintf("illegal phase transition %s -> %s", e.From, e.To)
}
