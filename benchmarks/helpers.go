// Package benchmarks measures the hot paths of the pipeline: scoring,
// detection, durable append, serialization, and end-to-end cycle
// throughput.
package benchmarks

import (
	"time"

	"github.com/comalice/energyflow/internal/primitives"
	"github.com/comalice/energyflow/internal/session"
)

// tokenBurst generates n valid metrics across the given sources with a
// fixed cadence, round-robin.
func tokenBurst(n int, sources []primitives.SourceID, start time.Time, cadence time.Duration) []primitives.TokenMetric {
	out := make([]primitives.TokenMetric, 0, n)
	for i := 0; i < n; i++ {
		m := primitives.NewTokenMetric(sources[i%len(sources)], start.Add(time.Duration(i)*cadence), 5)
		m.Confidence = 0.8
		m.HasConfidence = true
		m.Gap = cadence * time.Duration(len(sources))
		out = append(out, m)
	}
	return out
}

// windowBurst converts metrics into the accumulator's recent-event shape.
func windowBurst(metrics []primitives.TokenMetric) []session.EnergyEvent {
	out := make([]session.EnergyEvent, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, session.EnergyEvent{Source: m.Source, Energy: 1, At: m.EmittedAt})
	}
	return out
}
