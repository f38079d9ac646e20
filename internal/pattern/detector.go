// Package pattern detects cross-source timing structure in the recent
// energy window: interference between pairs of concurrent sources, and
// resonance across three or more.
//
// The detector is stateless across calls apart from the resonance
// edge-trigger; the rolling window it inspects is owned by the session
// accumulator. Thresholds and windows are heuristics with reference
// defaults, not load-bearing constants.
package pattern

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/comalice/energyflow/internal/primitives"
	"github.com/comalice/energyflow/internal/session"
)

// Kind tags a detected pattern.
type Kind string

const (
	KindInterference Kind = "interference"
	KindResonance    Kind = "resonance"
)

// Pattern is one detection result. For interference, Strength is signed:
// positive constructive (in-phase), negative destructive (anti-phase).
// For resonance, Strength is the coherence score in (0,1].
type Pattern struct {
	Kind     Kind
	Strength float64
	Sources  []primitives.SourceID
}

// Config tunes detection. Defaults follow the reference tuning.
type Config struct {
	InterferenceWindow    time.Duration `json:"interferenceWindow" yaml:"interferenceWindow"`
	Tolerance             time.Duration `json:"tolerance" yaml:"tolerance"`
	InterferenceThreshold float64       `json:"interferenceThreshold" yaml:"interferenceThreshold"`
	ResonanceWindow       time.Duration `json:"resonanceWindow" yaml:"resonanceWindow"`
	ResonanceThreshold    float64       `json:"resonanceThreshold" yaml:"resonanceThreshold"`
	MinResonanceSources   int           `json:"minResonanceSources" yaml:"minResonanceSources"`
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		InterferenceWindow:    300 * time.Millisecond,
		Tolerance:             50 * time.Millisecond,
		InterferenceThreshold: 0.7,
		ResonanceWindow:       2 * time.Second,
		ResonanceThreshold:    0.6,
		MinResonanceSources:   3,
	}
}

// Validate rejects configurations detection cannot run with.
func (c Config) Validate() error {
	if c.InterferenceWindow <= 0 || c.ResonanceWindow <= c.InterferenceWindow {
		return fmt.Errorf("windows must satisfy 0 < interference < resonance")
	}
	if c.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive")
	}
	if c.InterferenceThreshold <= 0 || c.InterferenceThreshold > 1 {
		return fmt.Errorf("interference threshold %v outside (0,1]", c.InterferenceThreshold)
	}
	if c.ResonanceThreshold <= 0 || c.ResonanceThreshold > 1 {
		return fmt.Errorf("resonance threshold %v outside (0,1]", c.ResonanceThreshold)
	}
	if c.MinResonanceSources < 3 {
		return fmt.Errorf("resonance needs at least 3 sources, got %d", c.MinResonanceSources)
	}
	return nil
}

// Detector runs windowed pattern analysis. Single-goroutine use only.
type Detector struct {
	cfg Config
	// resonanceHeld edge-triggers resonance reports: a sustained episode
	// is reported once at emergence, then suppressed until it clears.
	resonanceHeld bool
}

// NewDetector validates cfg and builds a detector.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pattern config: %w", err)
	}
	return &Detector{cfg: cfg}, nil
}

// Detect inspects the rolling window. lastResonance is the session's
// durable emergence marker, so a recovered process does not re-report an
// episode it already logged. The window must not be assumed ordered across
// sources; only per-source order is guaranteed.
func (d *Detector) Detect(now time.Time, window []session.EnergyEvent, lastResonance time.Time) []Pattern {
	var out []Pattern

	bySource := groupBySource(window, now.Add(-d.cfg.InterferenceWindow))
	sources := sortedSources(bySource)

	for i := 0; i < len(sources); i++ {
		for j := i + 1; j < len(sources); j++ {
			strength := d.pairStrength(bySource[sources[i]], bySource[sources[j]])
			if math.Abs(strength) > d.cfg.InterferenceThreshold {
				out = append(out, Pattern{
					Kind:     KindInterference,
					Strength: strength,
					Sources:  []primitives.SourceID{sources[i], sources[j]},
				})
			}
		}
	}

	if p, ok := d.detectResonance(now, window, lastResonance); ok {
		out = append(out, p)
	}
	return out
}

// pairStrength maps mean nearest-neighbor timestamp distance between two
// sources to a signed correlation. In-phase pairs (distance well inside
// tolerance) are constructive; pairs locked near half the combined period
// are destructive.
func (d *Detector) pairStrength(a, b []time.Time) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	meanGap := meanNearestGap(a, b)
	tol := d.cfg.Tolerance.Seconds()

	if corr := 1 - meanGap/tol; corr > 0 {
		return corr
	}

	period := combinedPeriod(a, b)
	if period <= 0 {
		return 0
	}
	half := period / 2
	if anti := 1 - math.Abs(meanGap-half)/tol; anti > 0 {
		return -anti
	}
	return 0
}

// detectResonance looks for sustained mutual correlation across at least
// MinResonanceSources over the longer window.
func (d *Detector) detectResonance(now time.Time, window []session.EnergyEvent, lastResonance time.Time) (Pattern, bool) {
	bySource := groupBySource(window, now.Add(-d.cfg.ResonanceWindow))
	sources := sortedSources(bySource)
	if len(sources) < d.cfg.MinResonanceSources {
		d.resonanceHeld = false
		return Pattern{}, false
	}

	var sum float64
	pairs := 0
	for i := 0; i < len(sources); i++ {
		for j := i + 1; j < len(sources); j++ {
			corr := 1 - meanNearestGap(bySource[sources[i]], bySource[sources[j]])/d.cfg.Tolerance.Seconds()
			if corr < d.cfg.ResonanceThreshold {
				d.resonanceHeld = false
				return Pattern{}, false
			}
			sum += corr
			pairs++
		}
	}
	coherence := sum / float64(pairs)
	if coherence > 1 {
		coherence = 1
	}

	// Edge trigger plus the durable marker: an episode already reported
	// (possibly before a crash) stays suppressed until it clears.
	if d.resonanceHeld || now.Sub(lastResonance) < d.cfg.ResonanceWindow {
		d.resonanceHeld = true
		return Pattern{}, false
	}
	d.resonanceHeld = true
	return Pattern{Kind: KindResonance, Strength: coherence, Sources: sources}, true
}

func groupBySource(window []session.EnergyEvent, cutoff time.Time) map[primitives.SourceID][]time.Time {
	out := make(map[primitives.SourceID][]time.Time)
	for _, e := range window {
		if e.At.Before(cutoff) {
			continue
		}
		out[e.Source] = append(out[e.Source], e.At)
	}
	for _, ts := range out {
		sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	}
	return out
}

func sortedSources(m map[primitives.SourceID][]time.Time) []primitives.SourceID {
	out := make([]primitives.SourceID, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// meanNearestGap averages, over every event in a, the absolute distance to
// its nearest event in b (seconds). b must be sorted.
func meanNearestGap(a, b []time.Time) float64 {
	var sum float64
	for _, ta := range a {
		idx := sort.Search(len(b), func(i int) bool { return !b[i].Before(ta) })
		best := math.Inf(1)
		if idx < len(b) {
			best = b[idx].Sub(ta).Seconds()
		}
		if idx > 0 {
			if g := ta.Sub(b[idx-1]).Seconds(); g < best {
				best = g
			}
		}
		sum += best
	}
	return sum / float64(len(a))
}

// combinedPeriod estimates the mean inter-event period of two merged
// streams (seconds).
func combinedPeriod(a, b []time.Time) float64 {
	all := make([]time.Time, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	sort.Slice(all, func(i, j int) bool { return all[i].Before(all[j]) })
	if len(all) < 2 {
		return 0
	}
	return all[len(all)-1].Sub(all[0]).Seconds() / float64(len(all)-1)
}
