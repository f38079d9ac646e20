package session

import (
	"fmt"
	"time"

	"github.com/comalice/energyflow/internal/energy"
	"github.com/comalice/energyflow/internal/primitives"
)

// Ledger accumulates one source's contribution to the session.
type Ledger struct {
	Energy     float64 `json:"energy"`
	TokenCount uint64  `json:"tokenCount"`
}

// RecoveryContext records where this state sits relative to durable storage.
type RecoveryContext struct {
	LastSnapshotID string `json:"lastSnapshotID"`
	LastLogEntryID int64  `json:"lastLogEntryID"`
	CleanShutdown  bool   `json:"cleanShutdown"`
}

// State is the session state. Single-writer: only the cycle scheduler (or
// recovery replay, which runs before the scheduler starts) may call the
// Apply methods. Reads by other components go through View and Window,
// which copy.
type State struct {
	sessionID string
	tier      primitives.HardwareTier
	phase     Phase

	totalEnergy  float64
	frameCounter uint64
	ledger       map[primitives.SourceID]*Ledger
	recent       *ring

	// lastResonance suppresses duplicate resonance reports; folded from
	// pattern entries so the marker survives recovery.
	lastResonance time.Time

	recovery RecoveryContext
}

// New creates an idle state with the given recent-event ring capacity.
func New(ringCapacity int) *State {
	return &State{
		phase:  PhaseIdle,
		ledger: make(map[primitives.SourceID]*Ledger),
		recent: newRing(ringCapacity),
	}
}

// ApplyToken folds one scored token into the session. It is the only
// mutator for token contributions; recovery replays the identical fold.
// Returns the log entries to hand to the durability queue: a phase entry
// first when this token moves Charging→Flowing, then the token entry.
func (s *State) ApplyToken(m primitives.TokenMetric, comp energy.Components) ([]LogEntry, error) {
	var entries []LogEntry
	switch s.phase {
	case PhaseCharging:
		entries = append(entries, LogEntry{
			SessionID: s.sessionID,
			Kind:      EntryPhase,
			At:        m.EmittedAt,
			From:      PhaseCharging,
			To:        PhaseFlowing,
		})
	case PhaseFlowing:
		// accruing
	default:
		return nil, &ErrPhase{From: s.phase, To: PhaseFlowing}
	}

	entries = append(entries, LogEntry{
		SessionID: s.sessionID,
		Kind:      EntryToken,
		At:        m.EmittedAt,
		Source:    m.Source,
		Energy:    comp.Value,
		Length:    m.Length,
		Class:     comp.Class,
	})

	for _, e := range entries {
		if err := s.fold(e); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// ApplyCommand folds one control signal. Draining is entered on the first
// generation-complete; later completes in Draining fold to nothing.
func (s *State) ApplyCommand(cmd primitives.Command, at time.Time) ([]LogEntry, error) {
	var entry LogEntry
	switch cmd.Type {
	case primitives.CmdSessionStart:
		entry = LogEntry{
			SessionID: cmd.SessionID,
			Kind:      EntryPhase,
			At:        at,
			From:      PhaseIdle,
			To:        PhaseCharging,
			Tier:      cmd.Tier,
		}
	case primitives.CmdGenerationComplete:
		if s.phase == PhaseDraining {
			return nil, nil
		}
		entry = LogEntry{
			SessionID: s.sessionID,
			Kind:      EntryPhase,
			At:        at,
			From:      s.phase,
			To:        PhaseDraining,
			Source:    cmd.Source,
		}
	case primitives.CmdSessionStop:
		// Stopping an active session passes through Draining so the final
		// snapshot is taken there; a second stop closes Draining→Idle.
		switch s.phase {
		case PhaseIdle:
			return nil, nil
		case PhaseDraining:
			entry = LogEntry{
				SessionID: s.sessionID,
				Kind:      EntryPhase,
				At:        at,
				From:      PhaseDraining,
				To:        PhaseIdle,
			}
		default:
			entry = LogEntry{
				SessionID: s.sessionID,
				Kind:      EntryPhase,
				At:        at,
				From:      s.phase,
				To:        PhaseDraining,
			}
		}
	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}

	if err := s.fold(entry); err != nil {
		return nil, err
	}
	return []LogEntry{entry}, nil
}

// ApplyPattern folds a detected pattern occurrence.
func (s *State) ApplyPattern(kind string, strength float64, sources []string, at time.Time) (LogEntry, error) {
	entry := LogEntry{
		SessionID:       s.sessionID,
		Kind:            EntryPattern,
		At:              at,
		PatternKind:     kind,
		PatternStrength: strength,
		PatternSources:  sources,
	}
	if err := s.fold(entry); err != nil {
		return LogEntry{}, err
	}
	return entry, nil
}

// ApplyEntry replays one committed log entry through the same fold used
// during live processing. Replaying the same entry sequence from the same
// starting state is idempotent in aggregate: identical inputs, identical
// resulting state.
func (s *State) ApplyEntry(e LogEntry) error {
	if err := s.fold(e); err != nil {
		return err
	}
	if e.ID > s.recovery.LastLogEntryID {
		s.recovery.LastLogEntryID = e.ID
	}
	return nil
}

// fold is the single mutation function. Every state change, live or
// replayed, passes through here. Each applied entry counts one frame.
func (s *State) fold(e LogEntry) error {
	switch e.Kind {
	case EntryToken:
		if e.Energy < 0 {
			return fmt.Errorf("token entry with negative energy %v", e.Energy)
		}
		s.totalEnergy += e.Energy
		led, ok := s.ledger[e.Source]
		if !ok {
			led = &Ledger{}
			s.ledger[e.Source] = led
		}
		led.Energy += e.Energy
		led.TokenCount++
		s.recent.push(EnergyEvent{Source: e.Source, Energy: e.Energy, At: e.At})
	case EntryPhase:
		if e.From != s.phase || !CanTransition(e.From, e.To) {
			return &ErrPhase{From: s.phase, To: e.To}
		}
		s.phase = e.To
		if e.To == PhaseCharging {
			// A session accrues from zero: nothing carried on this state
			// from a previous session survives the start fold.
			s.sessionID = e.SessionID
			s.tier = e.Tier
			s.totalEnergy = 0
			s.frameCounter = 0
			s.ledger = make(map[primitives.SourceID]*Ledger)
			s.recent.reset()
			s.lastResonance = time.Time{}
			s.recovery = RecoveryContext{}
		}
	case EntryPattern:
		if e.PatternKind == "resonance" {
			s.lastResonance = e.At
		}
	default:
		return fmt.Errorf("unknown log entry kind %q", e.Kind)
	}
	s.frameCounter++
	return nil
}

// View returns an immutable copy of the authoritative state for readers.
func (s *State) View() View {
	ledger := make(map[primitives.SourceID]Ledger, len(s.ledger))
	for src, l := range s.ledger {
		ledger[src] = *l
	}
	return View{
		SessionID:     s.sessionID,
		Tier:          s.tier,
		Phase:         s.phase,
		TotalEnergy:   s.totalEnergy,
		FrameCounter:  s.frameCounter,
		Ledger:        ledger,
		LastResonance: s.lastResonance,
		Recovery:      s.recovery,
	}
}

// View is a read-only snapshot of State.
type View struct {
	SessionID     string
	Tier          primitives.HardwareTier
	Phase         Phase
	TotalEnergy   float64
	FrameCounter  uint64
	Ledger        map[primitives.SourceID]Ledger
	LastResonance time.Time
	Recovery      RecoveryContext
}

// Window returns recent events at or after cutoff, oldest first. The ring
// is rebuildable working data, not authoritative state.
func (s *State) Window(cutoff time.Time) []EnergyEvent {
	return s.recent.window(cutoff)
}

// Phase reports the current lifecycle phase.
func (s *State) Phase() Phase { return s.phase }

// SessionID reports the active session, empty when idle before any start.
func (s *State) SessionID() string { return s.sessionID }

// Tier reports the hardware tier announced at session start.
func (s *State) Tier() primitives.HardwareTier { return s.tier }

// TotalEnergy reports cumulative session energy (monotone non-decreasing).
func (s *State) TotalEnergy() float64 { return s.totalEnergy }

// FrameCounter reports applied state changes (monotone, never duplicated
// after recovery).
func (s *State) FrameCounter() uint64 { return s.frameCounter }

// SetRecovery stamps the recovery context; called by the durability layer.
func (s *State) SetRecovery(rc RecoveryContext) { s.recovery = rc }
