// Control commands are the only inputs that move the session phase machine.
// Phase transitions are never driven by timeouts, so replaying the durable
// log reproduces the same phase sequence deterministically.

package primitives

// HardwareTier scales pipeline budgets for the host class reported at
// session start.
type HardwareTier string

const (
	TierLow  HardwareTier = "low"
	TierMid  HardwareTier = "mid"
	TierHigh HardwareTier = "high"
)

// CommandType enumerates the discrete control signals from the generation
// collaborator.
type CommandType string

const (
	CmdSessionStart       CommandType = "session-start"
	CmdGenerationComplete CommandType = "generation-complete"
	CmdSessionStop        CommandType = "session-stop"
)

// Command is one control signal. SessionID/Tier are set for session-start,
// Source for generation-complete.
type Command struct {
	Type      CommandType
	SessionID string
	Tier      HardwareTier
	Source    SourceID
}
