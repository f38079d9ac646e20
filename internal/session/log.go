package session

import (
	"time"

	"github.com/comalice/energyflow/internal/primitives"
)

// EntryKind tags one state-changing occurrence in the durable log.
type EntryKind string

const (
	EntryToken   EntryKind = "token"
	EntryPhase   EntryKind = "phase"
	EntryPattern EntryKind = "pattern"
)

// LogEntry is one append-only, immutable record of a state change. ID is
// zero until the durability layer commits the entry; committed IDs are
// strictly increasing and define replay order.
type LogEntry struct {
	ID        int64     `json:"id,omitempty"`
	SessionID string    `json:"sessionID"`
	Kind      EntryKind `json:"kind"`
	At        time.Time `json:"at"`

	// Token contribution fields (EntryToken).
	Source primitives.SourceID       `json:"source,omitempty"`
	Energy float64                   `json:"energy,omitempty"`
	Length int                       `json:"length,omitempty"`
	Class  primitives.Classification `json:"class,omitempty"`

	// Phase transition fields (EntryPhase).
	From Phase                   `json:"from,omitempty"`
	To   Phase                   `json:"to,omitempty"`
	Tier primitives.HardwareTier `json:"tier,omitempty"`

	// Pattern fields (EntryPattern).
	PatternKind     string   `json:"patternKind,omitempty"`
	PatternStrength float64  `json:"patternStrength,omitempty"`
	PatternSources  []string `json:"patternSources,omitempty"`
}
