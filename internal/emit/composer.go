package emit

import (
	"fmt"
	"sort"
	"time"

	"github.com/comalice/energyflow/internal/pattern"
	"github.com/comalice/energyflow/internal/primitives"
	"github.com/comalice/energyflow/internal/session"
)

// Limits caps outbound payload size regardless of how much internal detail
// a cycle computed.
type Limits struct {
	MaxContributions  int `json:"maxContributions" yaml:"maxContributions"`
	MaxPatternSources int `json:"maxPatternSources" yaml:"maxPatternSources"`
	MaxEventBytes     int `json:"maxEventBytes" yaml:"maxEventBytes"`
}

// DefaultLimits returns the reference caps.
func DefaultLimits() Limits {
	return Limits{MaxContributions: 16, MaxPatternSources: 8, MaxEventBytes: 16 << 10}
}

func (l *Limits) applyDefaults() {
	d := DefaultLimits()
	if l.MaxContributions <= 0 {
		l.MaxContributions = d.MaxContributions
	}
	if l.MaxPatternSources <= 0 {
		l.MaxPatternSources = d.MaxPatternSources
	}
	if l.MaxEventBytes <= 0 {
		l.MaxEventBytes = d.MaxEventBytes
	}
}

// Composer assembles a cycle's outputs into outbound events.
type Composer struct {
	limits Limits
}

// NewComposer builds a composer with the given caps.
func NewComposer(limits Limits) *Composer {
	limits.applyDefaults()
	return &Composer{limits: limits}
}

// ComposeCycle builds this cycle's events: one energy.update when tokens
// were folded, plus one event per detected pattern. In degraded mode,
// contribution detail is dropped to the single largest contributor.
func (c *Composer) ComposeCycle(
	now time.Time,
	view session.View,
	delta float64,
	perSource map[primitives.SourceID]float64,
	patterns []pattern.Pattern,
	degraded bool,
) []Event {
	var events []Event

	frame := Frame{
		FrameID:       view.FrameCounter,
		TotalEnergy:   view.TotalEnergy,
		EnergyDelta:   delta,
		Phase:         string(view.Phase),
		Contributions: c.contributions(perSource, degraded),
	}

	if delta > 0 || len(perSource) > 0 {
		events = append(events, NewEvent(now, EnergyUpdate{Frame: frame}))
	}

	for _, p := range patterns {
		info := PatternInfo{
			Kind:     string(p.Kind),
			Strength: p.Strength,
			Sources:  c.patternSources(p.Sources),
		}
		switch p.Kind {
		case pattern.KindResonance:
			events = append(events, NewEvent(now, Resonance{Frame: frame, Pattern: info}))
		default:
			events = append(events, NewEvent(now, Interference{Frame: frame, Pattern: info}))
		}
	}
	return events
}

// SessionStartEvent builds the session announcement.
func (c *Composer) SessionStartEvent(now time.Time, sessionID string, tier primitives.HardwareTier) Event {
	return NewEvent(now, SessionStart{SessionID: sessionID, Tier: string(tier)})
}

// SessionEndEvent builds the teardown announcement.
func (c *Composer) SessionEndEvent(now time.Time, view session.View) Event {
	return NewEvent(now, SessionEnd{
		SessionID:   view.SessionID,
		TotalEnergy: view.TotalEnergy,
		FrameID:     view.FrameCounter,
	})
}

// ErrorEvent builds a system.error report.
func (c *Composer) ErrorEvent(now time.Time, code string, err error, recoverable bool) Event {
	return NewEvent(now, SystemError{Code: code, Message: err.Error(), Recoverable: recoverable})
}

// Fallback is the minimal error event emitted when composition or
// serialization of a richer event failed; a cycle is never silently dropped.
func (c *Composer) Fallback(now time.Time, cause error) Event {
	return NewEvent(now, SystemError{
		Code:        "composition",
		Message:     fmt.Sprintf("event composition failed: %v", cause),
		Recoverable: true,
	})
}

// contributions converts the per-source cycle deltas into a capped list,
// largest first. Ties break by source ID for deterministic output.
func (c *Composer) contributions(perSource map[primitives.SourceID]float64, degraded bool) []Contribution {
	if len(perSource) == 0 {
		return nil
	}
	out := make([]Contribution, 0, len(perSource))
	for src, e := range perSource {
		out = append(out, Contribution{SourceID: string(src), Energy: e})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Energy != out[j].Energy {
			return out[i].Energy > out[j].Energy
		}
		return out[i].SourceID < out[j].SourceID
	})
	max := c.limits.MaxContributions
	if degraded {
		max = 1
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func (c *Composer) patternSources(srcs []primitives.SourceID) []string {
	out := make([]string, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, string(s))
	}
	sort.Strings(out)
	if len(out) > c.limits.MaxPatternSources {
		out = out[:c.limits.MaxPatternSources]
	}
	return out
}
