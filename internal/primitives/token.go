// TokenMetric is the immutable per-token measurement delivered by the
// generation collaborator. It is consumed exactly once by the calculator.
//
// # Immutability
//
// Fields are exported for convenience in read-only contexts, but consumers
// MUST NOT modify them after construction. Use NewTokenMetric.

package primitives

import "time"

// SourceID identifies one concurrent token stream within a session.
type SourceID string

// TokenMetric is one incoming unit from a generation source.
type TokenMetric struct {
	Source     SourceID
	EmittedAt  time.Time
	Length     int // content length in bytes
	Confidence float64
	// HasConfidence distinguishes "confidence 0" from "no signal".
	HasConfidence bool
	// Entropy is an optional uncertainty signal used when no confidence
	// value is present. Valid only when HasEntropy is set.
	Entropy    float64
	HasEntropy bool
	// Gap is the elapsed time since the previous token on this source,
	// zero when unknown (first token).
	Gap time.Duration
	// Final marks the last token of a source's stream.
	Final bool
}

// NewTokenMetric creates a TokenMetric with the required fields.
// Optional signals are set directly on the returned value before first use.
func NewTokenMetric(source SourceID, emittedAt time.Time, length int) TokenMetric {
	return TokenMetric{Source: source, EmittedAt: emittedAt, Length: length}
}

// Validate rejects metrics the pipeline cannot score.
func (m TokenMetric) Validate() error {
	if m.Source == "" {
		return ErrEmptySource
	}
	if m.EmittedAt.IsZero() {
		return ErrZeroTimestamp
	}
	if m.Length < 0 {
		return ErrNegativeLength
	}
	if m.HasConfidence && (m.Confidence < 0 || m.Confidence > 1) {
		return ErrConfidenceRange
	}
	if m.Gap < 0 {
		return ErrNegativeGap
	}
	return nil
}
