package session

import (
	"time"

	"github.com/comalice/energyflow/internal/primitives"
)

// Memento is the serializable point-in-time capture of State used by
// snapshots. The recent-event ring is deliberately excluded: it is
// rebuildable working data, and recovery starts it empty.
type Memento struct {
	SessionID     string                         `json:"sessionID" yaml:"sessionID"`
	Tier          primitives.HardwareTier        `json:"tier" yaml:"tier"`
	Phase         Phase                          `json:"phase" yaml:"phase"`
	TotalEnergy   float64                        `json:"totalEnergy" yaml:"totalEnergy"`
	FrameCounter  uint64                         `json:"frameCounter" yaml:"frameCounter"`
	Ledger        map[primitives.SourceID]Ledger `json:"ledger" yaml:"ledger"`
	LastResonance time.Time                      `json:"lastResonance,omitempty" yaml:"lastResonance,omitempty"`
}

// Memento captures the authoritative state.
func (s *State) Memento() Memento {
	ledger := make(map[primitives.SourceID]Ledger, len(s.ledger))
	for src, l := range s.ledger {
		ledger[src] = *l
	}
	return Memento{
		SessionID:     s.sessionID,
		Tier:          s.tier,
		Phase:         s.phase,
		TotalEnergy:   s.totalEnergy,
		FrameCounter:  s.frameCounter,
		Ledger:        ledger,
		LastResonance: s.lastResonance,
	}
}

// FromMemento reconstructs a State from a captured memento.
func FromMemento(m Memento, ringCapacity int) *State {
	s := New(ringCapacity)
	s.sessionID = m.SessionID
	s.tier = m.Tier
	s.phase = m.Phase
	if s.phase == "" {
		s.phase = PhaseIdle
	}
	s.totalEnergy = m.TotalEnergy
	s.frameCounter = m.FrameCounter
	s.lastResonance = m.LastResonance
	for src, l := range m.Ledger {
		cp := l
		s.ledger[src] = &cp
	}
	return s
}
