package session

import (
	"time"

	"github.com/comalice/energyflow/internal/primitives"
)

// EnergyEvent is one recent contribution kept for windowed pattern
// detection and rate estimates. Explicitly non-authoritative: the ring may
// be dropped and rebuilt without affecting recovery correctness.
type EnergyEvent struct {
	Source primitives.SourceID
	Energy float64
	At     time.Time
}

// ring is a bounded circular buffer of recent EnergyEvents.
type ring struct {
	buf    []EnergyEvent
	head   int
	filled int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &ring{buf: make([]EnergyEvent, capacity)}
}

func (r *ring) push(e EnergyEvent) {
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
	if r.filled < len(r.buf) {
		r.filled++
	}
}

// window returns events at or after cutoff, oldest first.
func (r *ring) window(cutoff time.Time) []EnergyEvent {
	out := make([]EnergyEvent, 0, r.filled)
	start := r.head - r.filled
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.filled; i++ {
		e := r.buf[(start+i)%len(r.buf)]
		if !e.At.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func (r *ring) reset() {
	r.head = 0
	r.filled = 0
}

func (r *ring) len() int { return r.filled }
