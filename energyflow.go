// Package energyflow converts concurrent streams of generation token
// metrics into a bounded, schema-stable sequence of energy events for a
// downstream display or transport layer.
//
// The pipeline runs a single fixed-cadence scheduler loop with a hard
// per-cycle time budget and graceful degradation, folds every state change
// through a durable append-only log, and recovers deterministically from
// abrupt termination by replaying that log over the newest snapshot.
//
// Construction and lifecycle:
//
//	p, err := energyflow.New(energyflow.DefaultConfig())
//	p.Start(ctx)
//	p.EnqueueCommand(energyflow.Command{Type: energyflow.CmdSessionStart, SessionID: "s1"})
//	p.AttachSource("model-a", src)
//	...
//	p.Stop()
//
// Outbound events arrive on p.Events() unless a custom transport is
// injected with WithTransport.
package energyflow

import (
	"github.com/comalice/energyflow/internal/emit"
	"github.com/comalice/energyflow/internal/primitives"
	"github.com/comalice/energyflow/internal/session"
)

// Re-exported collaborator-facing types, so producers never import
// internal packages.
type (
	TokenMetric  = primitives.TokenMetric
	SourceID     = primitives.SourceID
	Command      = primitives.Command
	CommandType  = primitives.CommandType
	HardwareTier = primitives.HardwareTier
)

// Outbound event envelope and payload variants.
type (
	Event        = emit.Event
	EventType    = emit.Type
	EnergyUpdate = emit.EnergyUpdate
	Interference = emit.Interference
	Resonance    = emit.Resonance
	SessionStart = emit.SessionStart
	SessionEnd   = emit.SessionEnd
	SystemError  = emit.SystemError
)

// Control signal kinds.
const (
	CmdSessionStart       = primitives.CmdSessionStart
	CmdGenerationComplete = primitives.CmdGenerationComplete
	CmdSessionStop        = primitives.CmdSessionStop
)

// Hardware tiers announced at session start.
const (
	TierLow  = primitives.TierLow
	TierMid  = primitives.TierMid
	TierHigh = primitives.TierHigh
)

// Session state as surfaced by State().
type (
	SessionView = session.View
	Phase       = session.Phase
)

// Session lifecycle phases.
const (
	PhaseIdle     = session.PhaseIdle
	PhaseCharging = session.PhaseCharging
	PhaseFlowing  = session.PhaseFlowing
	PhaseDraining = session.PhaseDraining
)
