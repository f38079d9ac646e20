// Package emit builds the outward-facing events of the pipeline and hands
// them to the transport collaborator.
//
// Event kinds are a closed set of tagged variants serialized through a
// single encoder: adding a kind means adding a type here and a case in
// Marshal, checked at compile time, never a free-form map mutation.
package emit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the wire-visible event kind.
type Type string

const (
	TypeEnergyUpdate Type = "energy.update"
	TypeInterference Type = "pattern.interference"
	TypeResonance    Type = "pattern.resonance"
	TypeSessionStart Type = "session.start"
	TypeSessionEnd   Type = "session.end"
	TypeError        Type = "system.error"
)

// Payload is implemented by exactly one struct per event type.
type Payload interface {
	eventType() Type
}

// Frame carries the per-cycle aggregate every energy-bearing event shares.
type Frame struct {
	FrameID       uint64         `json:"frameID"`
	TotalEnergy   float64        `json:"totalEnergy"`
	EnergyDelta   float64        `json:"energyDelta"`
	Phase         string         `json:"phase"`
	Contributions []Contribution `json:"contributions,omitempty"`
}

// Contribution is one source's share of a cycle's energy delta.
type Contribution struct {
	SourceID string  `json:"sourceID"`
	Energy   float64 `json:"energy"`
}

// PatternInfo describes a detected pattern on the wire.
type PatternInfo struct {
	Kind     string   `json:"kind"`
	Strength float64  `json:"strength"`
	Sources  []string `json:"sources"`
}

// EnergyUpdate is emitted once per cycle that folded new tokens.
type EnergyUpdate struct {
	Frame
}

func (EnergyUpdate) eventType() Type { return TypeEnergyUpdate }

// Interference reports a two-source timing correlation.
type Interference struct {
	Frame
	Pattern PatternInfo `json:"pattern"`
}

func (Interference) eventType() Type { return TypeInterference }

// Resonance reports sustained multi-source coherence.
type Resonance struct {
	Frame
	Pattern PatternInfo `json:"pattern"`
}

func (Resonance) eventType() Type { return TypeResonance }

// SessionStart announces a new session.
type SessionStart struct {
	SessionID string `json:"sessionID"`
	Tier      string `json:"tier,omitempty"`
}

func (SessionStart) eventType() Type { return TypeSessionStart }

// SessionEnd announces session teardown with final totals.
type SessionEnd struct {
	SessionID   string  `json:"sessionID"`
	TotalEnergy float64 `json:"totalEnergy"`
	FrameID     uint64  `json:"frameID"`
}

func (SessionEnd) eventType() Type { return TypeSessionEnd }

// SystemError reports a recoverable or terminal pipeline error.
type SystemError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (SystemError) eventType() Type { return TypeError }

// Event is the outbound envelope.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// NewEvent wraps a payload in an envelope with a fresh UUID. The type tag
// comes from the payload variant, so envelope and payload cannot disagree.
func NewEvent(at time.Time, p Payload) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      p.eventType(),
		Timestamp: at,
		Payload:   p,
	}
}

// Marshal is the single encoder for all event kinds.
func Marshal(ev Event) ([]byte, error) {
	switch ev.Payload.(type) {
	case EnergyUpdate, Interference, Resonance, SessionStart, SessionEnd, SystemError:
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("encode: unknown payload variant %T", ev.Payload)
	}
}
