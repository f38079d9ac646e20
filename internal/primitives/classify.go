package primitives

import (
	"errors"
	"time"
)

// Validation sentinels for TokenMetric. Callers treat any of these as an
// input validation failure: drop the token, report, continue.
var (
	ErrEmptySource     = errors.New("token metric: empty source")
	ErrZeroTimestamp   = errors.New("token metric: zero emission timestamp")
	ErrNegativeLength  = errors.New("token metric: negative content length")
	ErrConfidenceRange = errors.New("token metric: confidence outside [0,1]")
	ErrNegativeGap     = errors.New("token metric: negative gap")
)

// Classification buckets a token for the energy multiplier table.
type Classification string

const (
	ClassNormal  Classification = "normal"
	ClassBurst   Classification = "burst"
	ClassStall   Classification = "stall"
	ClassFinal   Classification = "final"
	ClassSpecial Classification = "special"
)

// Classify buckets a metric by its timing relative to the configured burst
// and stall thresholds. Final wins over timing; zero-length tokens are
// special (control/whitespace emissions).
func Classify(m TokenMetric, burstBelow, stallAbove time.Duration) Classification {
	switch {
	case m.Final:
		return ClassFinal
	case m.Length == 0:
		return ClassSpecial
	case m.Gap > 0 && m.Gap < burstBelow:
		return ClassBurst
	case m.Gap > stallAbove:
		return ClassStall
	default:
		return ClassNormal
	}
}
