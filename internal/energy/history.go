package energy

import (
	"time"

	"github.com/comalice/energyflow/internal/primitives"
)

// historyDepth bounds the rolling gap window per source. Rate estimation
// only needs the recent past.
const historyDepth = 32

// SourceHistory is the rolling per-source record used for rate estimation.
// Owned by the Calculator; not safe for concurrent use.
type SourceHistory struct {
	lastAt time.Time
	count  uint64
	gaps   [historyDepth]time.Duration
	head   int
	filled int
}

// NewSourceHistory returns an empty history.
func NewSourceHistory() *SourceHistory {
	return &SourceHistory{}
}

// Observe records a metric after it has been scored, so that Compute on the
// current token never sees its own observation.
func (h *SourceHistory) Observe(m primitives.TokenMetric) {
	if !h.lastAt.IsZero() {
		h.gaps[h.head] = m.EmittedAt.Sub(h.lastAt)
		h.head = (h.head + 1) % historyDepth
		if h.filled < historyDepth {
			h.filled++
		}
	}
	h.lastAt = m.EmittedAt
	h.count++
}

// GapSince derives the gap from the last observed emission when the metric
// itself carries none. Zero when this is the first token.
func (h *SourceHistory) GapSince(at time.Time) time.Duration {
	if h.lastAt.IsZero() {
		return 0
	}
	gap := at.Sub(h.lastAt)
	if gap < 0 {
		return 0
	}
	return gap
}

// Count reports tokens observed on this source.
func (h *SourceHistory) Count() uint64 { return h.count }

// MeanGap averages the rolling gap window; zero until two tokens observed.
func (h *SourceHistory) MeanGap() time.Duration {
	if h.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < h.filled; i++ {
		sum += h.gaps[i]
	}
	return sum / time.Duration(h.filled)
}
