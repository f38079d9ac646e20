// Package testutil provides deterministic token sources for tests,
// benchmarks and examples.
package testutil

import (
	"context"
	"math/rand"
	"time"

	"github.com/comalice/energyflow/internal/primitives"
)

// ScriptedSource emits a fixed number of synthetic token metrics at a
// configurable cadence with optional jitter. It implements the pipeline's
// Source interface; Run drives the channel and closes it when the script
// is exhausted, which the pipeline treats as generation-complete.
type ScriptedSource struct {
	ID      primitives.SourceID
	Count   int
	Cadence time.Duration
	// Jitter shifts each emission by up to ±Jitter.
	Jitter time.Duration
	// MeanLength is the center of the synthetic content length.
	MeanLength int
	// Seed fixes the jitter sequence; zero seeds from the source ID.
	Seed int64

	ch chan primitives.TokenMetric
}

// NewScriptedSource builds a source with sensible defaults for zero fields.
func NewScriptedSource(id primitives.SourceID, count int, cadence time.Duration) *ScriptedSource {
	return &ScriptedSource{
		ID:         id,
		Count:      count,
		Cadence:    cadence,
		MeanLength: 5,
		ch:         make(chan primitives.TokenMetric, 64),
	}
}

// Tokens exposes the emission channel.
func (s *ScriptedSource) Tokens() <-chan primitives.TokenMetric { return s.ch }

// Run emits the scripted tokens, pacing by Cadence, until the script ends
// or ctx is canceled. Closes the channel on return.
func (s *ScriptedSource) Run(ctx context.Context) {
	defer close(s.ch)

	seed := s.Seed
	if seed == 0 {
		for _, c := range string(s.ID) {
			seed = seed*31 + int64(c)
		}
	}
	rng := rand.New(rand.NewSource(seed))

	var prev time.Time
	for i := 0; i < s.Count; i++ {
		wait := s.Cadence
		if s.Jitter > 0 {
			wait += time.Duration(rng.Int63n(int64(2*s.Jitter))) - s.Jitter
			if wait < 0 {
				wait = 0
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		now := time.Now()
		m := primitives.NewTokenMetric(s.ID, now, s.MeanLength+rng.Intn(5)-2)
		m.Confidence = 0.5 + rng.Float64()*0.5
		m.HasConfidence = true
		if !prev.IsZero() {
			m.Gap = now.Sub(prev)
		}
		m.Final = i == s.Count-1
		prev = now

		select {
		case <-ctx.Done():
			return
		case s.ch <- m:
		}
	}
}

// Script generates the metrics synchronously without pacing, for tests
// that drive cycles directly.
func (s *ScriptedSource) Script(start time.Time) []primitives.TokenMetric {
	seed := s.Seed
	if seed == 0 {
		seed = 1
	}
	rng := rand.New(rand.NewSource(seed))

	out := make([]primitives.TokenMetric, 0, s.Count)
	at := start
	for i := 0; i < s.Count; i++ {
		m := primitives.NewTokenMetric(s.ID, at, s.MeanLength+rng.Intn(5)-2)
		m.Confidence = 0.5 + rng.Float64()*0.5
		m.HasConfidence = true
		if i > 0 {
			m.Gap = s.Cadence
		}
		m.Final = i == s.Count-1
		out = append(out, m)
		at = at.Add(s.Cadence)
	}
	return out
}
